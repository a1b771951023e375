package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/austindbirch/harbor_post/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time           time.Time      `json:"time"`
	Level          LogLevel       `json:"level"`
	Message        string         `json:"msg"`
	Service        string         `json:"service,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	SpanID         string         `json:"span_id,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	IssueID        string         `json:"issue_id,omitempty"`
	Recipient      string         `json:"recipient,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger provides structured logging with trace correlation.
// A Logger is safe for concurrent use; each LogEntry belongs to one goroutine.
type Logger struct {
	service string

	mu  sync.Mutex
	out io.Writer
}

// New creates a new structured logger for the given service, writing to stdout
func New(service string) *Logger {
	return &Logger{service: service, out: os.Stdout}
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{service: service, out: w}
}

// Discard returns a logger that drops every entry
func Discard() *Logger {
	return NewWithWriter("", io.Discard)
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		logger:  l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry()
	entry.TraceID = tracing.GetTraceID(ctx)
	entry.SpanID = tracing.GetSpanID(ctx)
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// The With* methods leave the receiver untouched and return a new entry, so a
// base entry can be shared by several emits without fields leaking between them.
func (e *LogEntry) clone() *LogEntry {
	c := *e
	c.Fields = make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	return &c
}

// WithActor sets the actor ID for the log entry
func (e *LogEntry) WithActor(actorID string) *LogEntry {
	c := e.clone()
	c.ActorID = actorID
	return c
}

// WithIdempotencyKey sets the idempotency key for the log entry
func (e *LogEntry) WithIdempotencyKey(key string) *LogEntry {
	c := e.clone()
	c.IdempotencyKey = key
	return c
}

// WithIssue sets the newsletter issue ID for the log entry
func (e *LogEntry) WithIssue(issueID string) *LogEntry {
	c := e.clone()
	c.IssueID = issueID
	return c
}

// WithRecipient sets the recipient address for the log entry
func (e *LogEntry) WithRecipient(recipient string) *LogEntry {
	c := e.clone()
	c.Recipient = recipient
	return c
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	c := e.clone()
	c.Fields[key] = value
	return c
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	c := e.clone()
	for k, v := range fields {
		c.Fields[k] = v
	}
	return c
}

// WithError records the error message and every wrapped cause, outermost first
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	c := e.clone()
	c.Fields["error"] = err.Error()
	if chain := ErrorChain(err); len(chain) > 1 {
		c.Fields["error_chain"] = chain
	}
	return c
}

// ErrorChain flattens err into the messages of each error in its Unwrap chain.
// Joined errors contribute each branch in order.
func ErrorChain(err error) []string {
	var chain []string
	var walk func(error)
	walk = func(err error) {
		for err != nil {
			chain = append(chain, err.Error())
			if joined, ok := err.(interface{ Unwrap() []error }); ok {
				for _, e := range joined.Unwrap() {
					walk(e)
				}
				return
			}
			err = errors.Unwrap(err)
		}
	}
	walk(err)
	return chain
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.emit(LevelDebug, message)
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.emit(LevelInfo, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.emit(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.emit(LevelWarn, message)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.emit(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.emit(LevelError, message)
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.emit(LevelFatal, message)
	os.Exit(1)
}

// emit writes a copy of the entry as a single JSON line
func (e *LogEntry) emit(level LogLevel, message string) {
	out := *e
	out.Time = time.Now().UTC()
	out.Level = level
	out.Message = message
	if len(out.Fields) == 0 {
		out.Fields = nil
	}

	// A zero LogEntry has no logger to write to
	l := e.logger
	if l == nil {
		return
	}

	data, err := json.Marshal(out)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(l.out, "%s [%s] %s\n", out.Time.Format(time.RFC3339), out.Level, out.Message)
		return
	}
	data = append(data, '\n')
	_, _ = l.out.Write(data)
}
