package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Idempotency outcomes
const (
	OutcomeAcquired = "acquired"
	OutcomeReplayed = "replayed"
	OutcomeConflict = "conflict"
)

// Delivery statuses
const (
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
)

// Worker iteration outcomes
const (
	IterationCompleted = "completed"
	IterationEmpty     = "empty"
	IterationError     = "error"
)

var (
	IssuesPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborpost_issues_published_total",
			Help: "Total number of newsletter issues published.",
		},
	)

	RecipientsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborpost_recipients_enqueued_total",
			Help: "Total number of delivery tasks enqueued by publishes.",
		},
	)

	IdempotencyOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpost_idempotency_outcomes_total",
			Help: "Idempotency claims by outcome.",
		},
		[]string{"outcome"}, // acquired, replayed, conflict
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpost_deliveries_total",
			Help: "Total number of delivery tasks processed by status.",
		},
		[]string{"status"}, // sent, failed, skipped
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborpost_delivery_latency_seconds",
			Help:    "Time spent sending one email through the delivery API.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	WorkerIterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpost_worker_iterations_total",
			Help: "Delivery worker iterations by outcome.",
		},
		[]string{"outcome"}, // completed, empty, error
	)

	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborpost_queue_backlog",
			Help: "Rows waiting in issue_delivery_queue.",
		},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpost_dead_letters_total",
			Help: "Dead-letter notices published for abandoned deliveries by reason.",
		},
		[]string{"reason"}, // invalid_email, send_failed
	)

	DeadLettersObservedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpost_dead_letters_observed_total",
			Help: "Dead-letter notices consumed from the NSQ topic by reason.",
		},
		[]string{"reason"},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborpost_nsq_topic_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

// MustRegister registers every collector with reg
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		IssuesPublishedTotal,
		RecipientsEnqueuedTotal,
		IdempotencyOutcomesTotal,
		DeliveriesTotal,
		DeliveryLatency,
		WorkerIterationsTotal,
		QueueBacklog,
		DeadLettersTotal,
		DeadLettersObservedTotal,
		NSQTopicDepth,
	)
}

func RecordIssuePublished(recipients int64) {
	IssuesPublishedTotal.Inc()
	RecipientsEnqueuedTotal.Add(float64(recipients))
}

func RecordIdempotencyOutcome(outcome string) {
	IdempotencyOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordDelivery counts a processed task. Latency is observed only for tasks
// that reached the email API.
func RecordDelivery(status string, duration time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if status != DeliverySkipped {
		DeliveryLatency.WithLabelValues(status).Observe(duration.Seconds())
	}
}

func RecordWorkerIteration(outcome string) {
	WorkerIterationsTotal.WithLabelValues(outcome).Inc()
}

func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetterObserved(reason string) {
	DeadLettersObservedTotal.WithLabelValues(reason).Inc()
}

func UpdateQueueBacklog(depth float64) {
	QueueBacklog.Set(depth)
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
