package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func TestNewDeadLetter(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		reason  string
		lastErr string
	}{
		{
			name:    "send failure",
			task:    Task{IssueID: uuid.New(), Recipient: "ursula@example.com"},
			reason:  ReasonSendFailed,
			lastErr: "email API returned 500",
		},
		{
			name:   "invalid address",
			task:   Task{IssueID: uuid.New(), Recipient: "not-an-address"},
			reason: ReasonInvalidEmail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now().UTC()
			dl := NewDeadLetter(tt.task, tt.reason, tt.lastErr)

			if dl.Type != DLQType {
				t.Errorf("Type = %q, want %q", dl.Type, DLQType)
			}
			if dl.Version != "v1" {
				t.Errorf("Version = %q, want v1", dl.Version)
			}
			if dl.Reason != tt.reason || dl.LastError != tt.lastErr {
				t.Errorf("Reason/LastError = %q/%q", dl.Reason, dl.LastError)
			}
			if dl.Task != tt.task {
				t.Errorf("Task = %+v, want %+v", dl.Task, tt.task)
			}
			at, err := time.Parse(time.RFC3339Nano, dl.At)
			if err != nil {
				t.Fatalf("At %q is not RFC3339: %v", dl.At, err)
			}
			if at.Before(before.Add(-time.Second)) {
				t.Errorf("At = %v, want about now", at)
			}
		})
	}
}

type fakeProducer struct {
	topic string
	body  []byte
	err   error
}

func (p *fakeProducer) Publish(topic string, body []byte) error {
	p.topic, p.body = topic, body
	return p.err
}

func TestNSQDeadLetters_Publish(t *testing.T) {
	tp := trace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, span := tp.Tracer("test").Start(context.Background(), "deliver")
	defer span.End()

	prod := &fakeProducer{}
	task := Task{IssueID: uuid.New(), Recipient: "ursula@example.com"}
	if err := NewNSQDeadLetters(prod, "deliveries_dlq").PublishDeadLetter(ctx, NewDeadLetter(task, ReasonSendFailed, "boom")); err != nil {
		t.Fatalf("PublishDeadLetter() error: %v", err)
	}
	if prod.topic != "deliveries_dlq" {
		t.Errorf("topic = %q, want deliveries_dlq", prod.topic)
	}

	var got DeadLetter
	if err := json.Unmarshal(prod.body, &got); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if got.Task != task || got.Reason != ReasonSendFailed || got.LastError != "boom" {
		t.Errorf("decoded = %+v", got)
	}
	if got.TraceHeaders["traceparent"] == "" {
		t.Error("trace headers not propagated")
	}

	prod.err = errors.New("nsqd unavailable")
	if err := NewNSQDeadLetters(prod, "deliveries_dlq").PublishDeadLetter(ctx, NewDeadLetter(task, ReasonSendFailed, "")); err == nil {
		t.Error("PublishDeadLetter() expected error when producer fails")
	}
}

func TestDecodeDeadLetter(t *testing.T) {
	tp := trace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, span := tp.Tracer("test").Start(context.Background(), "deliver")
	defer span.End()

	prod := &fakeProducer{}
	task := Task{IssueID: uuid.New(), Recipient: "ursula@example.com"}
	if err := NewNSQDeadLetters(prod, "deliveries_dlq").PublishDeadLetter(ctx, NewDeadLetter(task, ReasonInvalidEmail, "")); err != nil {
		t.Fatalf("PublishDeadLetter() error: %v", err)
	}

	restored, dl, err := DecodeDeadLetter(context.Background(), prod.body)
	if err != nil {
		t.Fatalf("DecodeDeadLetter() error: %v", err)
	}
	if dl.Task != task || dl.Reason != ReasonInvalidEmail {
		t.Errorf("decoded = %+v", dl)
	}
	got := oteltrace.SpanContextFromContext(restored)
	if got.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("restored trace = %s, want %s", got.TraceID(), span.SpanContext().TraceID())
	}
	if !got.IsRemote() {
		t.Error("restored span context should be remote")
	}

	tests := []struct {
		name   string
		body   string
		wantIs error
	}{
		{name: "not JSON", body: "{"},
		{name: "other message type", body: `{"type":"delivery.task"}`, wantIs: ErrNotDeadLetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeDeadLetter(context.Background(), []byte(tt.body))
			if err == nil {
				t.Fatal("DecodeDeadLetter() expected error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("DecodeDeadLetter() error = %v, want %v", err, tt.wantIs)
			}
		})
	}

	// Notices without trace headers leave the context alone
	plain, _ := json.Marshal(NewDeadLetter(task, ReasonSendFailed, "boom"))
	restored, _, err = DecodeDeadLetter(context.Background(), plain)
	if err != nil {
		t.Fatalf("DecodeDeadLetter() error: %v", err)
	}
	if oteltrace.SpanContextFromContext(restored).IsValid() {
		t.Error("untraced notice produced a span context")
	}
}

func TestTaskJSON(t *testing.T) {
	id := uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e")
	b, err := json.Marshal(Task{IssueID: id, Recipient: "a@example.com"})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	want := `{"newsletter_issue_id":"0f8fad5b-d9cb-469f-a165-70867728950e","subscriber_email":"a@example.com"}`
	if string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}
}
