package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_post/internal/tracing"
)

const DLQType = "delivery.dlq"

// Dead-letter reasons
const (
	ReasonInvalidEmail = "invalid_email"
	ReasonSendFailed   = "send_failed"
)

// DeadLetter is an informational notice about a dropped delivery. Consumers
// must not re-enqueue it; the task is already gone from the queue.
type DeadLetter struct {
	Type         string            `json:"type"`    // "delivery.dlq"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the notice was emitted
	Reason       string            `json:"reason"`
	LastError    string            `json:"last_error,omitempty"`
	Task         Task              `json:"task"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(t Task, reason, lastErr string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		LastError: lastErr,
		Task:      t,
	}
}

// ErrNotDeadLetter is returned when a message is not a dead-letter notice
var ErrNotDeadLetter = errors.New("message is not a dead-letter notice")

// DecodeDeadLetter parses a notice and returns ctx carrying the trace of the
// delivery that dropped it, when the notice recorded one.
func DecodeDeadLetter(ctx context.Context, body []byte) (context.Context, DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(body, &dl); err != nil {
		return ctx, DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if dl.Type != DLQType {
		return ctx, DeadLetter{}, fmt.Errorf("%w: type %q", ErrNotDeadLetter, dl.Type)
	}
	if len(dl.TraceHeaders) > 0 {
		ctx = tracing.ExtractHeaders(ctx, dl.TraceHeaders)
	}
	return ctx, dl, nil
}

// DeadLetterPublisher emits dead-letter notices
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

// Producer is the part of *nsq.Producer used for notices
type Producer interface {
	Publish(topic string, body []byte) error
}

// NSQDeadLetters publishes notices as JSON messages on an NSQ topic
type NSQDeadLetters struct {
	producer Producer
	topic    string
}

func NewNSQDeadLetters(producer Producer, topic string) *NSQDeadLetters {
	return &NSQDeadLetters{producer: producer, topic: topic}
}

func (n *NSQDeadLetters) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	if dl.TraceHeaders == nil {
		dl.TraceHeaders = tracing.InjectHeaders(ctx)
		if len(dl.TraceHeaders) == 0 {
			dl.TraceHeaders = nil
		}
	}
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := n.producer.Publish(n.topic, b); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", n.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq")
	return nil
}
