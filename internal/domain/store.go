package domain

import (
	"context"
	"time"
)

// PositionTx is the write half of the store, scoped to a single exclusive
// transaction. Either every call made within the transaction commits or none
// of them do; a position row and its history row never diverge.
type PositionTx interface {
	// Put inserts or replaces the position row keyed by asset.
	Put(ctx context.Context, pos Position) error
	// AppendHistory appends one immutable history row.
	AppendHistory(ctx context.Context, entry HistoryEntry) error
}

// PositionStore is the durable backing table for the ledger.
//
// Write transactions are mutually exclusive: two concurrent WithTx calls are
// strictly ordered, never interleaved at the row level. Reads outside a
// transaction may proceed concurrently with a writer.
type PositionStore interface {
	// WithTx runs fn inside an exclusive write transaction, committing when
	// fn returns nil and rolling back otherwise. Any I/O or constraint
	// failure surfaces as a *PersistenceError.
	WithTx(ctx context.Context, fn func(tx PositionTx) error) error

	// Get returns the stored row for asset, terminal or not.
	// Returns ErrNotFound when no row exists.
	Get(ctx context.Context, asset string) (Position, error)

	// ListActive returns every row whose status is not terminal, for
	// startup recovery.
	ListActive(ctx context.Context) ([]Position, error)

	// History returns the most recent history rows for asset, newest
	// first. limit <= 0 returns every row.
	History(ctx context.Context, asset string, limit int) ([]HistoryEntry, error)

	// ListTerminalBefore returns terminal rows closed before cutoff, for
	// archival ahead of pruning.
	ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]Position, error)

	// PruneTerminalBefore deletes terminal rows closed before cutoff along
	// with their history, returning the number of positions removed.
	PruneTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
