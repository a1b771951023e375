package newsletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_post/internal/idempotency"
	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/metrics"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

// ErrInvalidContent is returned when a publish request has no title or no body
var ErrInvalidContent = errors.New("invalid newsletter content")

// PublishRequest is the input of a publish command
type PublishRequest struct {
	Title          string `json:"title"`
	TextContent    string `json:"text_content"`
	HTMLContent    string `json:"html_content"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Validate checks the content fields. The idempotency key is checked by Publish.
func (r PublishRequest) Validate() error {
	fields := []struct{ name, value string }{
		{"title", r.Title},
		{"text_content", r.TextContent},
		{"html_content", r.HTMLContent},
	}
	for _, f := range fields {
		if !utf8.ValidString(f.value) || strings.ContainsRune(f.value, 0) {
			return fmt.Errorf("%w: %s must be valid UTF-8 without NUL bytes", ErrInvalidContent, f.name)
		}
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidContent)
	}
	if strings.TrimSpace(r.TextContent) == "" && strings.TrimSpace(r.HTMLContent) == "" {
		return fmt.Errorf("%w: text_content or html_content is required", ErrInvalidContent)
	}
	return nil
}

// PublishedBody is the JSON body of a successful publish
type PublishedBody struct {
	IssueID            uuid.UUID `json:"issue_id"`
	PublishedAt        time.Time `json:"published_at"`
	RecipientsEnqueued int64     `json:"recipients_enqueued"`
}

// Result is what the caller forwards to the client
type Result struct {
	Response idempotency.Response
	// Replayed is true when Response came from an earlier request with the same key
	Replayed bool
}

// IdempotencyStore is implemented by *idempotency.Store
type IdempotencyStore interface {
	Claim(ctx context.Context, actorID uuid.UUID, key idempotency.Key) (idempotency.Outcome, error)
	Save(ctx context.Context, work *idempotency.UnitOfWork, resp idempotency.Response) (idempotency.Response, error)
}

// Publisher runs the publish-issue command
type Publisher struct {
	store IdempotencyStore
	log   *logging.Logger
}

func NewPublisher(store IdempotencyStore, log *logging.Logger) *Publisher {
	if log == nil {
		log = logging.Discard()
	}
	return &Publisher{store: store, log: log}
}

// Publish stores a new issue and enqueues one delivery task per confirmed
// subscriber, all inside the unit of work acquired for (actorID, key). A
// request whose key was already resolved gets the saved response back and
// nothing is written.
func (p *Publisher) Publish(ctx context.Context, actorID uuid.UUID, req PublishRequest) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "newsletter.Publish",
		tracing.ActorID(actorID.String()),
		tracing.IdempotencyKey(req.IdempotencyKey),
	)
	defer span.End()

	key, err := idempotency.ParseKey(req.IdempotencyKey)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}
	if err := req.Validate(); err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}

	log := p.log.WithContext(ctx).WithActor(actorID.String()).WithIdempotencyKey(key.String())

	outcome, err := p.store.Claim(ctx, actorID, key)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("claim idempotency key: %w", err)
	}
	if outcome.Kind == idempotency.AlreadyResolved {
		span.SetAttributes(attribute.Bool("replayed", true))
		return Result{Response: outcome.Saved, Replayed: true}, nil
	}

	work := outcome.Work
	// No-op once Save has committed
	defer func() { _ = work.Rollback(ctx) }()

	issue, err := insertIssue(ctx, work.Tx(), req)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("failed to store newsletter issue")
		return Result{}, err
	}
	log = log.WithIssue(issue.ID.String())

	enqueued, err := enqueueDeliveryTasks(ctx, work.Tx(), issue.ID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("failed to enqueue delivery tasks")
		return Result{}, err
	}

	resp, err := publishedResponse(PublishedBody{
		IssueID:            issue.ID,
		PublishedAt:        issue.PublishedAt,
		RecipientsEnqueued: enqueued,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}

	resp, err = p.store.Save(ctx, work, resp)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("failed to save publish response")
		return Result{}, fmt.Errorf("save idempotency response: %w", err)
	}

	metrics.RecordIssuePublished(enqueued)
	span.SetAttributes(
		tracing.IssueID(issue.ID.String()),
		attribute.Int64("recipients_enqueued", enqueued),
	)
	log.WithField("recipients_enqueued", enqueued).Info("newsletter issue published")

	return Result{Response: resp}, nil
}

func insertIssue(ctx context.Context, tx pgx.Tx, req PublishRequest) (Issue, error) {
	tracing.AddSpanEvent(ctx, "db.insert_newsletter_issue")
	issue := Issue{
		ID:          uuid.New(),
		Title:       req.Title,
		TextContent: req.TextContent,
		HTMLContent: req.HTMLContent,
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO newsletter_issues (newsletter_issue_id, title, text_content, html_content, published_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING published_at`,
		issue.ID, issue.Title, issue.TextContent, issue.HTMLContent,
	).Scan(&issue.PublishedAt); err != nil {
		return Issue{}, fmt.Errorf("insert newsletter issue: %w", err)
	}
	issue.PublishedAt = issue.PublishedAt.UTC()
	return issue, nil
}

// enqueueDeliveryTasks fans the issue out to every subscriber confirmed at this instant
func enqueueDeliveryTasks(ctx context.Context, tx pgx.Tx, issueID uuid.UUID) (int64, error) {
	tracing.AddSpanEvent(ctx, "db.enqueue_delivery_tasks")
	tag, err := tx.Exec(ctx, `
		INSERT INTO issue_delivery_queue (newsletter_issue_id, subscriber_email)
		SELECT $1, email FROM subscriptions
		WHERE status = 'confirmed'`,
		issueID,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue delivery tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func publishedResponse(body PublishedBody) (idempotency.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return idempotency.Response{}, fmt.Errorf("encode publish response: %w", err)
	}
	return idempotency.Response{
		StatusCode: http.StatusCreated,
		Headers: []idempotency.HeaderPair{
			{Name: "Content-Type", Value: "application/json"},
			{Name: "Location", Value: "/admin/newsletters/" + body.IssueID.String()},
		},
		Body: b,
	}, nil
}
