package subscriber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Subscription statuses
const (
	StatusPending   = "pending_confirmation"
	StatusConfirmed = "confirmed"
)

// ErrAlreadySubscribed is returned when the address is already on the list
var ErrAlreadySubscribed = errors.New("email already subscribed")

// ErrNotFound is returned when no subscription exists for an address
var ErrNotFound = errors.New("subscription not found")

const pgUniqueViolation = "23505"

// Subscription is one row of the subscriptions table
type Subscription struct {
	ID           uuid.UUID
	Email        Email
	Name         string
	Status       string
	SubscribedAt time.Time
}

// Repository manages the subscriber list that publishes fan out to
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Add inserts a subscription. Confirmed subscriptions receive every issue
// published afterwards.
func (r *Repository) Add(ctx context.Context, email Email, name string, confirmed bool) (Subscription, error) {
	status := StatusPending
	if confirmed {
		status = StatusConfirmed
	}
	sub := Subscription{ID: uuid.New(), Email: email, Name: name, Status: status}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (id, email, name, status, subscribed_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING subscribed_at`,
		sub.ID, email.String(), name, status,
	).Scan(&sub.SubscribedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Subscription{}, fmt.Errorf("%w: %s", ErrAlreadySubscribed, email)
		}
		return Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return sub, nil
}

// Confirm marks the subscription for email as confirmed
func (r *Repository) Confirm(ctx context.Context, email Email) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE subscriptions SET status = $2 WHERE email = $1`,
		email.String(), StatusConfirmed,
	)
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	return nil
}

// CountConfirmed returns the number of recipients a publish would fan out to
func (r *Repository) CountConfirmed(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM subscriptions WHERE status = $1`,
		StatusConfirmed,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count confirmed subscriptions: %w", err)
	}
	return n, nil
}
