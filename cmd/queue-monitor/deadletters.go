package main

import (
	"context"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_post/internal/delivery"
	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/metrics"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

// dlqChannel is the NSQ channel the monitor reads dead-letter notices from
const dlqChannel = "queue-monitor"

// deadLetterHandler counts dead-letter notices and logs each one inside the
// trace of the delivery that dropped it.
type deadLetterHandler struct {
	log *logging.Logger
}

// HandleMessage never asks NSQ to requeue: notices are informational and a
// malformed one will not get better on redelivery.
func (h *deadLetterHandler) HandleMessage(msg *nsq.Message) error {
	ctx, dl, err := delivery.DecodeDeadLetter(context.Background(), msg.Body)
	if err != nil {
		h.log.Plain().WithError(err).Warn("dropping unreadable dead-letter message")
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "queue_monitor.dead_letter",
		tracing.IssueID(dl.Task.IssueID.String()),
		tracing.Recipient(dl.Task.Recipient),
		attribute.String("dead_letter.reason", dl.Reason),
	)
	defer span.End()

	metrics.RecordDeadLetterObserved(dl.Reason)

	entry := h.log.WithContext(ctx).
		WithIssue(dl.Task.IssueID.String()).
		WithRecipient(dl.Task.Recipient).
		WithField("emitted_at", dl.At)
	if dl.LastError != "" {
		entry = entry.WithField("last_error", dl.LastError)
	}
	entry.Warnf("delivery dropped: %s", dl.Reason)
	return nil
}

// consumeDeadLetters reads the dead-letter topic until ctx is cancelled
func consumeDeadLetters(ctx context.Context, nsqdTCP, topic string, h nsq.Handler) error {
	consumer, err := nsq.NewConsumer(topic, dlqChannel, nsq.NewConfig())
	if err != nil {
		return err
	}
	consumer.AddHandler(h)
	// Connecting directly creates the channel before the first notice arrives
	if err := consumer.ConnectToNSQD(nsqdTCP); err != nil {
		return err
	}

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	return nil
}
