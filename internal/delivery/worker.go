package delivery

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/metrics"
	"github.com/austindbirch/harbor_post/internal/subscriber"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

// DefaultPollInterval is how long the worker sleeps after an empty queue or a store error
const DefaultPollInterval = 10 * time.Second

// ExecutionOutcome is the result of a single worker iteration
type ExecutionOutcome int

const (
	TaskCompleted ExecutionOutcome = iota + 1
	EmptyQueue
)

func (o ExecutionOutcome) String() string {
	switch o {
	case TaskCompleted:
		return "task_completed"
	case EmptyQueue:
		return "empty_queue"
	default:
		return "unknown"
	}
}

// Sender delivers one email. Implementations apply their own timeout.
type Sender interface {
	Send(ctx context.Context, recipient, subject, htmlBody, textBody string) error
}

type Options struct {
	// PollInterval defaults to DefaultPollInterval
	PollInterval time.Duration
	// DeadLetters is optional
	DeadLetters DeadLetterPublisher
	Logger      *logging.Logger
}

// Worker drains the delivery queue. Any number of workers may share a queue.
type Worker struct {
	queue        Queue
	sender       Sender
	deadLetters  DeadLetterPublisher
	log          *logging.Logger
	pollInterval time.Duration
}

func NewWorker(queue Queue, sender Sender, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Worker{
		queue:        queue,
		sender:       sender,
		deadLetters:  opts.DeadLetters,
		log:          opts.Logger,
		pollInterval: opts.PollInterval,
	}
}

// TryExecuteTask claims one task, attempts delivery and removes the task.
//
// The task is removed whether the send succeeds, fails, or is skipped because
// the stored address is malformed; failed sends are never retried. A returned
// error means a store operation failed and the task is left claimable.
func (w *Worker) TryExecuteTask(ctx context.Context) (ExecutionOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "delivery.TryExecuteTask")
	defer span.End()

	tracing.AddSpanEvent(ctx, "db.dequeue_task")
	claim, ok, err := w.queue.Dequeue(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, err
	}
	if !ok {
		span.SetAttributes(attribute.String("delivery.outcome", EmptyQueue.String()))
		return EmptyQueue, nil
	}

	task := claim.Task()
	span.SetAttributes(
		tracing.IssueID(task.IssueID.String()),
		tracing.Recipient(task.Recipient),
	)
	log := w.log.WithContext(ctx).WithIssue(task.IssueID.String()).WithRecipient(task.Recipient)

	email, err := subscriber.ParseEmail(task.Recipient)
	if err != nil {
		log.WithError(err).Warn("skipping a confirmed subscriber, their stored contact details are invalid")
		metrics.RecordDelivery(metrics.DeliverySkipped, 0)
		tracing.AddSpanEvent(ctx, "delivery.skipped_invalid_email")
		w.publishDeadLetter(ctx, log, NewDeadLetter(task, ReasonInvalidEmail, err.Error()))
	} else {
		issue, err := claim.Issue(ctx)
		if err != nil {
			_ = claim.Release(ctx)
			tracing.SetSpanError(ctx, err)
			return 0, fmt.Errorf("load issue for delivery: %w", err)
		}

		tracing.AddSpanEvent(ctx, "email.send")
		start := time.Now()
		sendErr := w.sender.Send(ctx, email.String(), issue.Title, issue.HTMLContent, issue.TextContent)
		latency := time.Since(start)
		tracing.SetSpanAttributes(ctx, attribute.Int64("email.latency_ms", latency.Milliseconds()))

		if sendErr != nil {
			log.WithError(sendErr).Error("failed to deliver issue to a confirmed subscriber, skipping")
			metrics.RecordDelivery(metrics.DeliveryFailed, latency)
			tracing.SetSpanAttributes(ctx, attribute.String("email.error", sendErr.Error()))
			w.publishDeadLetter(ctx, log, NewDeadLetter(task, ReasonSendFailed, sendErr.Error()))
		} else {
			log.WithField("latency_ms", latency.Milliseconds()).Debug("issue delivered")
			metrics.RecordDelivery(metrics.DeliverySent, latency)
		}
	}

	tracing.AddSpanEvent(ctx, "db.delete_task")
	if err := claim.Delete(ctx); err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, err
	}

	span.SetAttributes(attribute.String("delivery.outcome", TaskCompleted.String()))
	return TaskCompleted, nil
}

func (w *Worker) publishDeadLetter(ctx context.Context, log *logging.LogEntry, dl DeadLetter) {
	if w.deadLetters == nil {
		return
	}
	if err := w.deadLetters.PublishDeadLetter(ctx, dl); err != nil {
		log.WithError(err).Error("dead letter publish failed")
		return
	}
	metrics.RecordDeadLetter(dl.Reason)
}

// DrainAll runs iterations until the queue is empty and returns how many
// tasks were completed. It stops at the first store error.
func (w *Worker) DrainAll(ctx context.Context) (int, error) {
	completed := 0
	for {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		outcome, err := w.TryExecuteTask(ctx)
		if err != nil {
			metrics.RecordWorkerIteration(metrics.IterationError)
			return completed, err
		}
		if outcome == EmptyQueue {
			metrics.RecordWorkerIteration(metrics.IterationEmpty)
			return completed, nil
		}
		metrics.RecordWorkerIteration(metrics.IterationCompleted)
		completed++
	}
}

// Run loops until ctx is cancelled. An iteration already in progress when ctx
// is cancelled runs to completion so its claimed task is not half-processed.
func (w *Worker) Run(ctx context.Context) error {
	w.log.WithContext(ctx).WithField("poll_interval", w.pollInterval.String()).Info("delivery worker started")
	iterCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			w.log.WithContext(ctx).Info("delivery worker stopped")
			return nil
		}

		outcome, err := w.TryExecuteTask(iterCtx)
		switch {
		case err != nil:
			metrics.RecordWorkerIteration(metrics.IterationError)
			w.log.WithContext(ctx).WithError(err).Error("delivery iteration failed")
			w.sleep(ctx)
		case outcome == EmptyQueue:
			metrics.RecordWorkerIteration(metrics.IterationEmpty)
			w.sleep(ctx)
		default:
			metrics.RecordWorkerIteration(metrics.IterationCompleted)
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
