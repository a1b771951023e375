package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrClosed is returned when a unit of work is used after commit or rollback
var ErrClosed = errors.New("unit of work already closed")

// UnitOfWork is the transaction opened by a successful Claim. Business writes
// made through Tx become visible together with the saved response when
// Store.Save commits. Callers must either Save or Rollback it.
type UnitOfWork struct {
	tx      pgx.Tx
	actorID uuid.UUID
	key     Key
	closed  bool
}

// NewUnitOfWork wraps an open transaction. Store.Claim is the usual way to get one.
func NewUnitOfWork(tx pgx.Tx, actorID uuid.UUID, key Key) *UnitOfWork {
	return &UnitOfWork{tx: tx, actorID: actorID, key: key}
}

// Tx is the open transaction for business writes
func (u *UnitOfWork) Tx() pgx.Tx {
	return u.tx
}

func (u *UnitOfWork) ActorID() uuid.UUID {
	return u.actorID
}

func (u *UnitOfWork) Key() Key {
	return u.key
}

// Rollback aborts the unit of work, releasing the claim. Safe to call after
// Save, in which case it does nothing.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	if u.closed {
		return nil
	}
	u.closed = true
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback unit of work: %w", err)
	}
	return nil
}

func (u *UnitOfWork) commit(ctx context.Context) error {
	if u.closed {
		return ErrClosed
	}
	u.closed = true
	if err := u.tx.Commit(ctx); err != nil {
		_ = u.tx.Rollback(ctx)
		return fmt.Errorf("commit unit of work: %w", err)
	}
	return nil
}
