package newsletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrIssueNotFound is returned when no issue has the requested id
var ErrIssueNotFound = errors.New("newsletter issue not found")

// Issue is an immutable published newsletter issue
type Issue struct {
	ID          uuid.UUID
	Title       string
	TextContent string
	HTMLContent string
	PublishedAt time.Time
}

// Querier is satisfied by pgx.Tx, *pgx.Conn and *pgxpool.Pool
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetIssue loads an issue by id
func GetIssue(ctx context.Context, q Querier, id uuid.UUID) (Issue, error) {
	issue := Issue{ID: id}
	err := q.QueryRow(ctx, `
		SELECT title, text_content, html_content, published_at
		FROM newsletter_issues
		WHERE newsletter_issue_id = $1`,
		id,
	).Scan(&issue.Title, &issue.TextContent, &issue.HTMLContent, &issue.PublishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Issue{}, fmt.Errorf("%w: %s", ErrIssueNotFound, id)
		}
		return Issue{}, fmt.Errorf("select newsletter issue: %w", err)
	}
	return issue, nil
}
