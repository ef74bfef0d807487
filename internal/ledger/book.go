// Package ledger holds the in-memory authoritative map of active positions
// and the lifecycle operations that mutate it. Every mutation is persisted,
// together with its history entry, before it is considered committed.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rrrcapital/ledgerd/internal/domain"
)

// OpenParams describes a position to be opened.
type OpenParams struct {
	Asset            string
	EntryPrice       float64
	Size             float64 // signed: positive long, negative short
	Leverage         float64
	Venue            string
	LiquidationPrice *float64
}

// ReduceOutcome reports the result of a reduce operation.
type ReduceOutcome struct {
	Position      domain.Position
	ReducedAmount float64
	PartialPnL    float64
	Closed        bool
}

// CloseOutcome reports the result of a close or liquidation.
type CloseOutcome struct {
	Position    domain.Position
	RealizedPnL float64
}

// Summary aggregates the active ledger for monitoring endpoints.
type Summary struct {
	TotalPositions     int      `json:"total_positions"`
	TotalUnrealizedPnL float64  `json:"total_unrealized_pnl"`
	TotalNotional      float64  `json:"total_notional_value"`
	PositionsAtRisk    int      `json:"positions_at_risk"`
	Assets             []string `json:"assets"`
}

// Book is the position ledger. The in-memory map is authoritative for
// queries; the store is the durable source it is rebuilt from on startup.
// All mutations hold the write lock for the full read-check-persist-update
// sequence, so per-asset state never interleaves.
type Book struct {
	store  domain.PositionStore
	bus    domain.EventBus // optional; nil disables event publishing
	logger *slog.Logger

	mu        sync.RWMutex
	positions map[string]domain.Position
}

// New creates an empty Book. Call Recover before serving queries.
func New(store domain.PositionStore, bus domain.EventBus, logger *slog.Logger) *Book {
	return &Book{
		store:     store,
		bus:       bus,
		logger:    logger.With(slog.String("component", "ledger")),
		positions: make(map[string]domain.Position),
	}
}

// Recover hydrates the in-memory map from every non-terminal stored row.
func (b *Book) Recover(ctx context.Context) error {
	active, err := b.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("ledger: recover: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.positions = make(map[string]domain.Position, len(active))
	for _, pos := range active {
		b.positions[pos.Asset] = pos
		b.logger.InfoContext(ctx, "recovered position",
			slog.String("asset", pos.Asset),
			slog.Float64("size", pos.Size),
			slog.String("venue", pos.Venue),
		)
	}

	b.logger.InfoContext(ctx, "ledger recovered",
		slog.Int("positions", len(b.positions)),
	)
	return nil
}

// Open inserts a new position. It fails with domain.ErrDuplicateAsset when an
// active position already exists for the asset. The position passes through
// OPENING and is finalized to OPEN within the same transaction.
func (b *Book) Open(ctx context.Context, params OpenParams) (domain.Position, error) {
	if err := validateOpen(params); err != nil {
		return domain.Position{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.positions[params.Asset]; exists {
		return domain.Position{}, fmt.Errorf("ledger: open %s: %w", params.Asset, domain.ErrDuplicateAsset)
	}

	now := time.Now().UTC()
	pos := domain.Position{
		Asset:            params.Asset,
		EntryPrice:       params.EntryPrice,
		CurrentPrice:     params.EntryPrice,
		Size:             params.Size,
		Leverage:         params.Leverage,
		Venue:            params.Venue,
		Status:           domain.PositionStatusOpening,
		LiquidationPrice: params.LiquidationPrice,
		OpenedAt:         now,
		UpdatedAt:        now,
		ReconStatus:      domain.ReconStatusPending,
	}
	// The open order is confirmed by the caller before it reaches the
	// ledger, so finalize immediately.
	pos.Status = domain.PositionStatusOpen

	err := b.store.WithTx(ctx, func(tx domain.PositionTx) error {
		if err := tx.Put(ctx, pos); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, domain.HistoryEntry{
			Asset:     pos.Asset,
			EventType: domain.HistoryEventOpened,
			NewValues: positionValues(pos),
			Timestamp: now,
		})
	})
	if err != nil {
		return domain.Position{}, err
	}

	b.positions[pos.Asset] = pos

	b.publish(ctx, "position_opened", map[string]any{
		"asset":       pos.Asset,
		"venue":       pos.Venue,
		"entry_price": pos.EntryPrice,
		"size":        pos.Size,
		"leverage":    pos.Leverage,
	})

	b.logger.InfoContext(ctx, "position opened",
		slog.String("asset", pos.Asset),
		slog.String("venue", pos.Venue),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("size", pos.Size),
	)
	return pos, nil
}

// ApplyPriceUpdates updates current prices for the given assets. Unknown
// assets are skipped, never created. Each asset persists independently, so a
// failure on one does not block the rest; failures are joined into the
// returned error.
func (b *Book) ApplyPriceUpdates(ctx context.Context, prices map[string]float64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		applied int
		errs    []error
	)
	for asset, price := range prices {
		pos, ok := b.positions[asset]
		if !ok {
			continue
		}
		if price <= 0 {
			continue
		}

		old := pos
		pos.CurrentPrice = price
		pos.UpdatedAt = time.Now().UTC()

		err := b.store.WithTx(ctx, func(tx domain.PositionTx) error {
			if err := tx.Put(ctx, pos); err != nil {
				return err
			}
			return tx.AppendHistory(ctx, domain.HistoryEntry{
				Asset:     asset,
				EventType: domain.HistoryEventUpdated,
				OldValues: map[string]any{"current_price": old.CurrentPrice},
				NewValues: map[string]any{"current_price": price},
				Timestamp: pos.UpdatedAt,
			})
		})
		if err != nil {
			b.logger.WarnContext(ctx, "price update failed",
				slog.String("asset", asset),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("ledger: price update %s: %w", asset, err))
			continue
		}

		b.positions[asset] = pos
		applied++
	}

	return applied, errors.Join(errs...)
}

// Reduce shrinks a position by amount (a magnitude) at the given price.
// Amounts above the position's absolute size are clamped, never an error.
// Reaching zero closes the position.
func (b *Book) Reduce(ctx context.Context, asset string, amount, price float64) (ReduceOutcome, error) {
	if amount <= 0 {
		return ReduceOutcome{}, fmt.Errorf("ledger: reduce %s: amount must be positive", asset)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[asset]
	if !ok {
		return ReduceOutcome{}, fmt.Errorf("ledger: reduce %s: %w", asset, domain.ErrPositionNotFound)
	}

	absSize := math.Abs(pos.Size)
	if amount > absSize {
		b.logger.WarnContext(ctx, "reduce amount exceeds position size, clamping",
			slog.String("asset", asset),
			slog.Float64("amount", amount),
			slog.Float64("size", pos.Size),
		)
		amount = absSize
	}

	// Keep the reduction sign-consistent with the position's direction so
	// partial PnL sums match the realized PnL of an equivalent single close.
	signedAmount := amount
	if pos.Size < 0 {
		signedAmount = -amount
	}
	partialPnL := (price - pos.EntryPrice) * signedAmount

	old := pos
	now := time.Now().UTC()
	pos.Size -= signedAmount
	pos.CurrentPrice = price
	pos.UpdatedAt = now

	closed := math.Abs(pos.Size) < domain.SizeTolerance
	if closed {
		pos.Size = 0
		pos.Status = domain.PositionStatusClosed
		pos.ClosedAt = &now
	} else {
		pos.Status = domain.PositionStatusReduced
	}

	err := b.store.WithTx(ctx, func(tx domain.PositionTx) error {
		if err := tx.Put(ctx, pos); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, domain.HistoryEntry{
			Asset:     asset,
			EventType: domain.HistoryEventReduced,
			OldValues: map[string]any{"size": old.Size},
			NewValues: map[string]any{
				"size":            pos.Size,
				"reduced_amount":  amount,
				"partial_pnl":     partialPnL,
				"reduction_price": price,
				"status":          string(pos.Status),
			},
			Timestamp: now,
		})
	})
	if err != nil {
		return ReduceOutcome{}, err
	}

	if closed {
		delete(b.positions, asset)
	} else {
		b.positions[asset] = pos
	}

	b.publish(ctx, "position_reduced", map[string]any{
		"asset":          asset,
		"reduced_amount": amount,
		"partial_pnl":    partialPnL,
		"remaining_size": pos.Size,
		"closed":         closed,
	})

	b.logger.InfoContext(ctx, "position reduced",
		slog.String("asset", asset),
		slog.Float64("from_size", old.Size),
		slog.Float64("to_size", pos.Size),
		slog.Float64("partial_pnl", partialPnL),
	)

	return ReduceOutcome{
		Position:      pos,
		ReducedAmount: amount,
		PartialPnL:    partialPnL,
		Closed:        closed,
	}, nil
}

// Close fully closes a position at the given price, removes it from the
// active map, and persists the terminal row.
func (b *Book) Close(ctx context.Context, asset string, price float64) (CloseOutcome, error) {
	return b.terminate(ctx, asset, price, domain.PositionStatusClosed)
}

// Liquidate removes a position the venue has forcibly closed. Terminal, no
// partial-close semantics; triggered by reconciliation, never by callers.
func (b *Book) Liquidate(ctx context.Context, asset string, price float64) (CloseOutcome, error) {
	return b.terminate(ctx, asset, price, domain.PositionStatusLiquidated)
}

// MarkClosing flags a position while its close order is in flight. The caller
// resolves it with Close on fill or RevertClosing on failure; the previous
// status is returned for the revert.
func (b *Book) MarkClosing(ctx context.Context, asset string) (domain.PositionStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[asset]
	if !ok {
		return "", fmt.Errorf("ledger: mark closing %s: %w", asset, domain.ErrPositionNotFound)
	}

	prev := pos.Status
	pos.Status = domain.PositionStatusClosing
	pos.UpdatedAt = time.Now().UTC()

	err := b.store.WithTx(ctx, func(tx domain.PositionTx) error {
		return tx.Put(ctx, pos)
	})
	if err != nil {
		return "", err
	}

	b.positions[asset] = pos
	return prev, nil
}

// RevertClosing restores the pre-close status after a close order failed.
// No-op when the position is gone or no longer CLOSING.
func (b *Book) RevertClosing(ctx context.Context, asset string, prev domain.PositionStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[asset]
	if !ok || pos.Status != domain.PositionStatusClosing {
		return nil
	}

	pos.Status = prev
	pos.UpdatedAt = time.Now().UTC()

	err := b.store.WithTx(ctx, func(tx domain.PositionTx) error {
		return tx.Put(ctx, pos)
	})
	if err != nil {
		return err
	}

	b.positions[asset] = pos
	return nil
}

func (b *Book) terminate(ctx context.Context, asset string, price float64, status domain.PositionStatus) (CloseOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[asset]
	if !ok {
		return CloseOutcome{}, fmt.Errorf("ledger: close %s: %w", asset, domain.ErrPositionNotFound)
	}

	realizedPnL := (price - pos.EntryPrice) * pos.Size

	now := time.Now().UTC()
	pos.CurrentPrice = price
	pos.Status = status
	pos.ClosedAt = &now
	pos.UpdatedAt = now

	err := b.store.WithTx(ctx, func(tx domain.PositionTx) error {
		if err := tx.Put(ctx, pos); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, domain.HistoryEntry{
			Asset:     asset,
			EventType: domain.HistoryEventClosed,
			NewValues: map[string]any{
				"close_price":  price,
				"realized_pnl": realizedPnL,
				"status":       string(status),
			},
			Timestamp: now,
		})
	})
	if err != nil {
		return CloseOutcome{}, err
	}

	delete(b.positions, asset)

	b.publish(ctx, "position_closed", map[string]any{
		"asset":        asset,
		"close_price":  price,
		"realized_pnl": realizedPnL,
		"status":       string(status),
	})

	b.logger.InfoContext(ctx, "position closed",
		slog.String("asset", asset),
		slog.String("status", string(status)),
		slog.Float64("realized_pnl", realizedPnL),
	)

	return CloseOutcome{Position: pos, RealizedPnL: realizedPnL}, nil
}

// Annotate records a reconciliation result on a position. Only the
// reconciliation engine calls this; size and price are never touched.
func (b *Book) Annotate(ctx context.Context, asset string, status domain.ReconStatus, venuePositionID string, reconciledAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[asset]
	if !ok {
		return fmt.Errorf("ledger: annotate %s: %w", asset, domain.ErrPositionNotFound)
	}

	pos.ReconStatus = status
	if status == domain.ReconStatusSynced {
		t := reconciledAt
		pos.LastReconciledAt = &t
	}
	if venuePositionID != "" {
		pos.VenuePositionID = venuePositionID
	}

	err := b.store.WithTx(ctx, func(tx domain.PositionTx) error {
		return tx.Put(ctx, pos)
	})
	if err != nil {
		return err
	}

	b.positions[asset] = pos
	return nil
}

// Get returns a copy of the active position for asset.
func (b *Book) Get(asset string) (domain.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[asset]
	return pos, ok
}

// Active returns copies of all active positions.
func (b *Book) Active() []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, pos)
	}
	return out
}

// AtRisk returns active positions within thresholdPct of liquidation.
func (b *Book) AtRisk(thresholdPct float64) []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []domain.Position
	for _, pos := range b.positions {
		if pos.AtRisk(thresholdPct) {
			out = append(out, pos)
		}
	}
	return out
}

// Summarize aggregates the active ledger.
func (b *Book) Summarize() Summary {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Summary{Assets: make([]string, 0, len(b.positions))}
	for _, pos := range b.positions {
		s.TotalPositions++
		s.TotalUnrealizedPnL += pos.UnrealizedPnL()
		s.TotalNotional += pos.Notional()
		if pos.AtRisk(domain.DefaultRiskThresholdPct) {
			s.PositionsAtRisk++
		}
		s.Assets = append(s.Assets, pos.Asset)
	}
	return s
}

// History returns the most recent history rows for asset, newest first.
func (b *Book) History(ctx context.Context, asset string, limit int) ([]domain.HistoryEntry, error) {
	return b.store.History(ctx, asset, limit)
}

func (b *Book) publish(ctx context.Context, event string, fields map[string]any) {
	if b.bus == nil {
		return
	}
	fields["event"] = event
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	if err := b.bus.Publish(ctx, "positions", payload); err != nil {
		b.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
	if err := b.bus.StreamAppend(ctx, "positions:log", payload); err != nil {
		b.logger.WarnContext(ctx, "stream append failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func validateOpen(params OpenParams) error {
	switch {
	case params.Asset == "":
		return fmt.Errorf("ledger: open: asset is required")
	case params.EntryPrice <= 0:
		return fmt.Errorf("ledger: open %s: entry price must be positive", params.Asset)
	case params.Size == 0:
		return fmt.Errorf("ledger: open %s: size must be non-zero", params.Asset)
	case params.Leverage <= 0:
		return fmt.Errorf("ledger: open %s: leverage must be positive", params.Asset)
	case params.Venue == "":
		return fmt.Errorf("ledger: open %s: venue is required", params.Asset)
	}
	return nil
}

// positionValues flattens a position into a history document.
func positionValues(p domain.Position) map[string]any {
	values := map[string]any{
		"asset":         p.Asset,
		"entry_price":   p.EntryPrice,
		"current_price": p.CurrentPrice,
		"size":          p.Size,
		"leverage":      p.Leverage,
		"venue":         p.Venue,
		"status":        string(p.Status),
	}
	if p.LiquidationPrice != nil {
		values["liquidation_price"] = *p.LiquidationPrice
	}
	return values
}
