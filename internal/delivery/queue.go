package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_post/internal/newsletter"
)

// Queue hands out delivery tasks one at a time
type Queue interface {
	// Dequeue claims one task. ok is false when nothing is claimable.
	Dequeue(ctx context.Context) (claim Claim, ok bool, err error)
}

// Claim is a task held exclusively by one worker until Delete or Release
type Claim interface {
	Task() Task
	// Issue loads the content to send
	Issue(ctx context.Context) (newsletter.Issue, error)
	// Delete removes the task from the queue for good and ends the claim
	Delete(ctx context.Context) error
	// Release ends the claim leaving the task claimable again
	Release(ctx context.Context) error
}

// DB is the subset of pgxpool.Pool the queue needs
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresQueue claims rows of issue_delivery_queue with FOR UPDATE SKIP LOCKED,
// so concurrent workers never block on or double-process a row.
type PostgresQueue struct {
	db DB
}

func NewPostgresQueue(db DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (Claim, bool, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin dequeue transaction: %w", err)
	}

	var t Task
	err = tx.QueryRow(ctx, `
		SELECT newsletter_issue_id, subscriber_email
		FROM issue_delivery_queue
		FOR UPDATE
		SKIP LOCKED
		LIMIT 1`,
	).Scan(&t.IssueID, &t.Recipient)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit empty dequeue: %w", err)
		}
		return nil, false, nil
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, false, fmt.Errorf("dequeue task: %w", err)
	}
	return &pgClaim{tx: tx, task: t}, true, nil
}

// Depth counts queued tasks, including ones currently claimed
func (q *PostgresQueue) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM issue_delivery_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued tasks: %w", err)
	}
	return n, nil
}

type pgClaim struct {
	tx   pgx.Tx
	task Task
}

func (c *pgClaim) Task() Task {
	return c.task
}

func (c *pgClaim) Issue(ctx context.Context) (newsletter.Issue, error) {
	return newsletter.GetIssue(ctx, c.tx, c.task.IssueID)
}

func (c *pgClaim) Delete(ctx context.Context) error {
	_, err := c.tx.Exec(ctx, `
		DELETE FROM issue_delivery_queue
		WHERE newsletter_issue_id = $1 AND subscriber_email = $2`,
		c.task.IssueID, c.task.Recipient,
	)
	if err != nil {
		_ = c.tx.Rollback(ctx)
		return fmt.Errorf("delete task: %w", err)
	}
	if err := c.tx.Commit(ctx); err != nil {
		_ = c.tx.Rollback(ctx)
		return fmt.Errorf("commit task deletion: %w", err)
	}
	return nil
}

func (c *pgClaim) Release(ctx context.Context) error {
	if err := c.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("release task: %w", err)
	}
	return nil
}
