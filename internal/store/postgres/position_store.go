package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rrrcapital/ledgerd/internal/domain"
)

// writeLockKey is the advisory lock id that serializes ledger write
// transactions. Writers queue on this lock; reads bypass it entirely.
// Fills the role BEGIN IMMEDIATE played in earlier SQLite deployments.
const writeLockKey = 0x4c454447 // "LEDG"

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `asset, entry_price, current_price, size, leverage, venue,
	status, liquidation_price, opened_at, closed_at, updated_at,
	last_reconciled_at, reconciliation_status, venue_position_id`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status, reconStatus string

	err := row.Scan(
		&p.Asset, &p.EntryPrice, &p.CurrentPrice, &p.Size, &p.Leverage, &p.Venue,
		&status, &p.LiquidationPrice, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
		&p.LastReconciledAt, &reconStatus, &p.VenuePositionID,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	p.ReconStatus = domain.ReconStatus(reconStatus)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// positionTx is the transaction-scoped write handle handed to WithTx callbacks.
type positionTx struct {
	tx pgx.Tx
}

// Put inserts or replaces the position row keyed by asset.
func (t *positionTx) Put(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			asset, entry_price, current_price, size, leverage, venue,
			status, liquidation_price, opened_at, closed_at, updated_at,
			last_reconciled_at, reconciliation_status, venue_position_id
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14
		)
		ON CONFLICT (asset) DO UPDATE SET
			entry_price           = EXCLUDED.entry_price,
			current_price         = EXCLUDED.current_price,
			size                  = EXCLUDED.size,
			leverage              = EXCLUDED.leverage,
			venue                 = EXCLUDED.venue,
			status                = EXCLUDED.status,
			liquidation_price     = EXCLUDED.liquidation_price,
			closed_at             = EXCLUDED.closed_at,
			updated_at            = EXCLUDED.updated_at,
			last_reconciled_at    = EXCLUDED.last_reconciled_at,
			reconciliation_status = EXCLUDED.reconciliation_status,
			venue_position_id     = EXCLUDED.venue_position_id`

	_, err := t.tx.Exec(ctx, query,
		p.Asset, p.EntryPrice, p.CurrentPrice, p.Size, p.Leverage, p.Venue,
		string(p.Status), p.LiquidationPrice, p.OpenedAt, p.ClosedAt, p.UpdatedAt,
		p.LastReconciledAt, string(p.ReconStatus), p.VenuePositionID,
	)
	if err != nil {
		return fmt.Errorf("put position %s: %w", p.Asset, err)
	}
	return nil
}

// AppendHistory appends one immutable history row.
func (t *positionTx) AppendHistory(ctx context.Context, entry domain.HistoryEntry) error {
	var oldValues []byte
	if entry.OldValues != nil {
		var err error
		oldValues, err = json.Marshal(entry.OldValues)
		if err != nil {
			return fmt.Errorf("append history %s: marshal old values: %w", entry.Asset, err)
		}
	}
	newValues, err := json.Marshal(entry.NewValues)
	if err != nil {
		return fmt.Errorf("append history %s: marshal new values: %w", entry.Asset, err)
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO position_history (asset, event_type, old_values, new_values, timestamp)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.Asset, string(entry.EventType), oldValues, newValues, ts,
	)
	if err != nil {
		return fmt.Errorf("append history %s: %w", entry.Asset, err)
	}
	return nil
}

// WithTx runs fn inside an exclusive write transaction. An advisory
// transaction lock serializes writers so concurrent mutations are strictly
// ordered. Failures roll back and surface as *domain.PersistenceError.
func (s *PositionStore) WithTx(ctx context.Context, fn func(tx domain.PositionTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &domain.PersistenceError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", writeLockKey); err != nil {
		return &domain.PersistenceError{Op: "acquire write lock", Err: err}
	}

	if err := fn(&positionTx{tx: tx}); err != nil {
		// Domain errors from the callback pass through untouched; only
		// store-level failures become PersistenceError.
		if domain.IsPersistence(err) || errors.Is(err, domain.ErrDuplicateAsset) ||
			errors.Is(err, domain.ErrPositionNotFound) || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return &domain.PersistenceError{Op: "write", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &domain.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// Get returns the stored row for asset, terminal or not.
func (s *PositionStore) Get(ctx context.Context, asset string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE asset = $1`, asset)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, &domain.PersistenceError{Op: "get " + asset, Err: err}
	}
	return p, nil
}

// ListActive returns every non-terminal row for startup recovery.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status NOT IN ('closed', 'liquidated')
		 ORDER BY opened_at DESC`)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list active", Err: err}
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "scan active", Err: err}
	}
	return positions, nil
}

// History returns the most recent history rows for asset, newest first.
// limit <= 0 returns every row.
func (s *PositionStore) History(ctx context.Context, asset string, limit int) ([]domain.HistoryEntry, error) {
	query := `
		SELECT id, asset, event_type, old_values, new_values, timestamp
		FROM position_history
		WHERE asset = $1
		ORDER BY timestamp DESC, id DESC`
	args := []any{asset}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "history " + asset, Err: err}
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var eventType string
		var oldValues, newValues []byte

		if err := rows.Scan(&e.ID, &e.Asset, &eventType, &oldValues, &newValues, &e.Timestamp); err != nil {
			return nil, &domain.PersistenceError{Op: "scan history " + asset, Err: err}
		}
		e.EventType = domain.HistoryEventType(eventType)
		if len(oldValues) > 0 {
			if err := json.Unmarshal(oldValues, &e.OldValues); err != nil {
				return nil, &domain.PersistenceError{Op: "decode history " + asset, Err: err}
			}
		}
		if err := json.Unmarshal(newValues, &e.NewValues); err != nil {
			return nil, &domain.PersistenceError{Op: "decode history " + asset, Err: err}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "scan history " + asset, Err: err}
	}
	return entries, nil
}

// ListTerminalBefore returns terminal rows closed before cutoff.
func (s *PositionStore) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN ('closed', 'liquidated') AND closed_at < $1
		 ORDER BY closed_at ASC`, cutoff)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list terminal", Err: err}
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "scan terminal", Err: err}
	}
	return positions, nil
}

// PruneTerminalBefore deletes terminal rows closed before cutoff. History
// rows go with them via ON DELETE CASCADE.
func (s *PositionStore) PruneTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "begin prune", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", writeLockKey); err != nil {
		return 0, &domain.PersistenceError{Op: "acquire write lock", Err: err}
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM positions
		WHERE status IN ('closed', 'liquidated') AND closed_at < $1`, cutoff)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "prune terminal", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &domain.PersistenceError{Op: "commit prune", Err: err}
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
