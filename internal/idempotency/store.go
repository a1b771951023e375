package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/metrics"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

// ErrInProgress is returned when another request holds the same (actor, key)
// and has not resolved it within the lock timeout.
var ErrInProgress = errors.New("idempotency key is being processed by another request")

// lock_not_available, raised when lock_timeout expires
const pgLockNotAvailable = "55P03"

// OutcomeKind tells the caller what to do after a claim
type OutcomeKind int

const (
	// Acquired means the caller owns the key and must Save or Rollback the unit of work
	Acquired OutcomeKind = iota + 1
	// AlreadyResolved means a previous request finished and its response must be returned as-is
	AlreadyResolved
)

func (k OutcomeKind) String() string {
	switch k {
	case Acquired:
		return "acquired"
	case AlreadyResolved:
		return "already_resolved"
	default:
		return "unknown"
	}
}

// Outcome is the result of Claim. Exactly one of Work or Saved is meaningful, selected by Kind.
type Outcome struct {
	Kind  OutcomeKind
	Work  *UnitOfWork
	Saved Response
}

// DB is the subset of pgxpool.Pool the store needs
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists one record per (actor, idempotency key)
type Store struct {
	db          DB
	lockTimeout time.Duration
	log         *logging.Logger
}

// NewStore returns a Store. lockTimeout bounds how long a claim waits on a
// concurrent in-flight request for the same key; zero waits indefinitely.
func NewStore(db DB, lockTimeout time.Duration, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Discard()
	}
	return &Store{db: db, lockTimeout: lockTimeout, log: log}
}

// Claim tries to take ownership of (actorID, key).
//
// A placeholder row is inserted inside a new transaction. When another
// transaction holds an uncommitted placeholder for the same key, the insert
// waits on it: a commit turns this claim into AlreadyResolved, a rollback lets
// this claim acquire. Waiting longer than the lock timeout yields ErrInProgress.
func (s *Store) Claim(ctx context.Context, actorID uuid.UUID, key Key) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "idempotency.Claim",
		tracing.ActorID(actorID.String()),
		tracing.IdempotencyKey(key.String()),
	)
	defer span.End()

	log := s.log.WithContext(ctx).WithActor(actorID.String()).WithIdempotencyKey(key.String())

	tx, err := s.db.Begin(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Outcome{}, fmt.Errorf("begin idempotency transaction: %w", err)
	}

	if s.lockTimeout > 0 {
		// SET does not accept bind parameters
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			tracing.SetSpanError(ctx, err)
			return Outcome{}, fmt.Errorf("set lock timeout: %w", err)
		}
	}

	tracing.AddSpanEvent(ctx, "db.insert_placeholder")
	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency (user_id, idempotency_key, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT DO NOTHING`,
		actorID, key.String(),
	)
	if err != nil {
		_ = tx.Rollback(ctx)
		if isLockTimeout(err) {
			metrics.RecordIdempotencyOutcome(metrics.OutcomeConflict)
			log.Warn("idempotency claim timed out waiting for in-flight request")
			tracing.SetSpanError(ctx, ErrInProgress)
			return Outcome{}, ErrInProgress
		}
		tracing.SetSpanError(ctx, err)
		return Outcome{}, fmt.Errorf("insert idempotency placeholder: %w", err)
	}

	if tag.RowsAffected() == 1 {
		metrics.RecordIdempotencyOutcome(metrics.OutcomeAcquired)
		log.Debug("idempotency key acquired")
		span.SetAttributes(attribute.String("idempotency.outcome", Acquired.String()))
		return Outcome{
			Kind: Acquired,
			Work: &UnitOfWork{tx: tx, actorID: actorID, key: key},
		}, nil
	}

	// The key already exists. Discard this transaction and read the committed record.
	_ = tx.Rollback(ctx)

	saved, err := s.load(ctx, actorID, key)
	if err != nil {
		if errors.Is(err, ErrInProgress) {
			metrics.RecordIdempotencyOutcome(metrics.OutcomeConflict)
			log.Warn("idempotency record has no saved response")
		}
		tracing.SetSpanError(ctx, err)
		return Outcome{}, err
	}

	metrics.RecordIdempotencyOutcome(metrics.OutcomeReplayed)
	log.WithField("status", saved.StatusCode).Info("replaying saved response")
	span.SetAttributes(attribute.String("idempotency.outcome", AlreadyResolved.String()))
	return Outcome{Kind: AlreadyResolved, Saved: saved}, nil
}

func (s *Store) load(ctx context.Context, actorID uuid.UUID, key Key) (Response, error) {
	tracing.AddSpanEvent(ctx, "db.select_saved_response")

	var (
		status  *int16
		headers []byte
		body    []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT response_status_code, response_headers, response_body
		FROM idempotency
		WHERE user_id = $1 AND idempotency_key = $2`,
		actorID, key.String(),
	).Scan(&status, &headers, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The conflicting transaction rolled back after our insert gave up
			return Response{}, ErrInProgress
		}
		return Response{}, fmt.Errorf("select saved response: %w", err)
	}
	if status == nil {
		return Response{}, ErrInProgress
	}

	pairs, err := decodeHeaders(headers)
	if err != nil {
		return Response{}, err
	}
	return Response{StatusCode: int(*status), Headers: pairs, Body: body}, nil
}

// Save records resp as the outcome of the claim held by work and commits the
// unit of work. The response is returned unchanged so it can be forwarded.
// On failure the unit of work is rolled back.
func (s *Store) Save(ctx context.Context, work *UnitOfWork, resp Response) (Response, error) {
	ctx, span := tracing.StartSpan(ctx, "idempotency.Save",
		tracing.ActorID(work.actorID.String()),
		tracing.IdempotencyKey(work.key.String()),
		attribute.Int("http.status_code", resp.StatusCode),
	)
	defer span.End()

	if work.closed {
		return Response{}, ErrClosed
	}

	headers, err := encodeHeaders(resp.Headers)
	if err != nil {
		_ = work.Rollback(ctx)
		return Response{}, err
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tracing.AddSpanEvent(ctx, "db.update_saved_response")
	tag, err := work.tx.Exec(ctx, `
		UPDATE idempotency
		SET response_status_code = $3,
			response_headers = $4::jsonb,
			response_body = $5
		WHERE user_id = $1 AND idempotency_key = $2`,
		work.actorID, work.key.String(), int16(resp.StatusCode), headers, body,
	)
	if err != nil {
		_ = work.Rollback(ctx)
		tracing.SetSpanError(ctx, err)
		return Response{}, fmt.Errorf("update saved response: %w", err)
	}
	if tag.RowsAffected() != 1 {
		_ = work.Rollback(ctx)
		err := fmt.Errorf("update saved response: expected 1 row, got %d", tag.RowsAffected())
		tracing.SetSpanError(ctx, err)
		return Response{}, err
	}

	if err := work.commit(ctx); err != nil {
		tracing.SetSpanError(ctx, err)
		return Response{}, err
	}

	s.log.WithContext(ctx).
		WithActor(work.actorID.String()).
		WithIdempotencyKey(work.key.String()).
		WithField("status", resp.StatusCode).
		Debug("idempotency response saved")
	return resp, nil
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable
}
