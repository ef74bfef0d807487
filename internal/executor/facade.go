// Package executor orchestrates order placement across venues and applies
// the resulting ledger transitions. Economic state only moves on a confirmed
// fill; a close in flight carries the CLOSING status and is reverted when the
// order fails, so a venue failure or rejection never loses a position.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/rrrcapital/ledgerd/internal/allocation"
	"github.com/rrrcapital/ledgerd/internal/domain"
	"github.com/rrrcapital/ledgerd/internal/ledger"
)

// OpenRequest describes a position to open. Venue is optional; when empty
// the allocation manager selects one.
type OpenRequest struct {
	Asset      string
	Size       float64 // signed: positive long, negative short
	Leverage   float64
	Venue      string
	LimitPrice float64 // 0 places a market order
}

// Facade is the single entry point for position mutations that touch a
// venue. Read-only queries go straight to the ledger.
type Facade struct {
	book   *ledger.Book
	alloc  *allocation.Manager
	venues map[string]domain.VenueClient
	logger *slog.Logger
}

// New creates a Facade over the given venue clients, keyed by Name().
func New(book *ledger.Book, alloc *allocation.Manager, venues []domain.VenueClient, logger *slog.Logger) *Facade {
	byName := make(map[string]domain.VenueClient, len(venues))
	for _, v := range venues {
		byName[v.Name()] = v
	}
	return &Facade{
		book:   book,
		alloc:  alloc,
		venues: byName,
		logger: logger.With(slog.String("component", "executor")),
	}
}

// OpenPosition places an opening order and records the position on fill.
// An active position for the asset fails with ErrDuplicateAsset before any
// venue call.
func (f *Facade) OpenPosition(ctx context.Context, req OpenRequest) (domain.Position, error) {
	if req.Asset == "" {
		return domain.Position{}, fmt.Errorf("executor: open: asset is required")
	}
	if req.Size == 0 {
		return domain.Position{}, fmt.Errorf("executor: open %s: size must be non-zero", req.Asset)
	}
	if _, exists := f.book.Get(req.Asset); exists {
		return domain.Position{}, fmt.Errorf("executor: open %s: %w", req.Asset, domain.ErrDuplicateAsset)
	}

	venueName := req.Venue
	if venueName == "" {
		venueName = f.alloc.SelectVenue(ctx)
	}
	venue, ok := f.venues[venueName]
	if !ok {
		return domain.Position{}, fmt.Errorf("executor: open %s: venue %q: %w", req.Asset, venueName, domain.ErrVenueUnavailable)
	}

	execID := uuid.New().String()
	log := f.logger.With(
		slog.String("exec_id", execID),
		slog.String("asset", req.Asset),
		slog.String("venue", venueName),
	)

	order := domain.OrderRequest{
		Asset: req.Asset,
		Side:  sideFor(req.Size),
		Size:  math.Abs(req.Size),
		Type:  domain.OrderTypeMarket,
	}
	if req.LimitPrice > 0 {
		order.Type = domain.OrderTypeLimit
		order.LimitPrice = req.LimitPrice
	}

	result, err := venue.PlaceOrder(ctx, order)
	if err != nil {
		log.WarnContext(ctx, "open order failed", slog.String("error", err.Error()))
		return domain.Position{}, fmt.Errorf("executor: open %s on %s: %w", req.Asset, venueName, err)
	}
	if result.Status != domain.OrderStatusFilled {
		log.WarnContext(ctx, "open order not filled",
			slog.String("order_id", result.OrderID),
			slog.String("status", string(result.Status)),
		)
		return domain.Position{}, fmt.Errorf("executor: open %s on %s: order %s %s", req.Asset, venueName, result.OrderID, result.Status)
	}

	entryPrice, err := f.fillPrice(ctx, venue, req.Asset, result)
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: open %s on %s: %w", req.Asset, venueName, err)
	}

	filledSize := result.FilledSize
	if filledSize == 0 {
		filledSize = math.Abs(req.Size)
	}
	if req.Size < 0 {
		filledSize = -filledSize
	}

	leverage := req.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	pos, err := f.book.Open(ctx, ledger.OpenParams{
		Asset:      req.Asset,
		EntryPrice: entryPrice,
		Size:       filledSize,
		Leverage:   leverage,
		Venue:      venueName,
	})
	if err != nil {
		// The venue holds a position the ledger failed to record; surface
		// loudly so the operator or the next reconciliation pass catches it.
		log.ErrorContext(ctx, "fill confirmed but ledger open failed",
			slog.String("order_id", result.OrderID),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, err
	}

	log.InfoContext(ctx, "position opened",
		slog.String("order_id", result.OrderID),
		slog.Float64("entry_price", entryPrice),
		slog.Float64("size", filledSize),
	)
	return pos, nil
}

// ClosePosition flags the position CLOSING, places a reduce-only order for
// the full size, and closes the ledger entry on fill. A failed or unfilled
// order reverts the flag. Unknown assets fail with ErrPositionNotFound
// without touching any venue.
func (f *Facade) ClosePosition(ctx context.Context, asset string) (ledger.CloseOutcome, error) {
	pos, ok := f.book.Get(asset)
	if !ok {
		return ledger.CloseOutcome{}, fmt.Errorf("executor: close %s: %w", asset, domain.ErrPositionNotFound)
	}

	venue, okV := f.venues[pos.Venue]
	if !okV {
		return ledger.CloseOutcome{}, fmt.Errorf("executor: close %s: venue %q: %w", asset, pos.Venue, domain.ErrVenueUnavailable)
	}

	prevStatus, err := f.book.MarkClosing(ctx, asset)
	if err != nil {
		return ledger.CloseOutcome{}, err
	}

	result, err := venue.PlaceOrder(ctx, domain.OrderRequest{
		Asset:      asset,
		Side:       sideFor(-pos.Size),
		Size:       math.Abs(pos.Size),
		Type:       domain.OrderTypeMarket,
		ReduceOnly: true,
	})
	if err != nil {
		f.revertClosing(ctx, asset, prevStatus)
		f.logger.WarnContext(ctx, "close order failed",
			slog.String("asset", asset),
			slog.String("venue", pos.Venue),
			slog.String("error", err.Error()),
		)
		return ledger.CloseOutcome{}, fmt.Errorf("executor: close %s on %s: %w", asset, pos.Venue, err)
	}
	if result.Status != domain.OrderStatusFilled {
		f.revertClosing(ctx, asset, prevStatus)
		return ledger.CloseOutcome{}, fmt.Errorf("executor: close %s on %s: order %s %s", asset, pos.Venue, result.OrderID, result.Status)
	}

	closePrice := result.AvgPrice
	if closePrice <= 0 {
		closePrice = pos.CurrentPrice
	}

	return f.book.Close(ctx, asset, closePrice)
}

// ReducePosition places a reduce-only order for amount (a magnitude, clamped
// to the position's size) and applies the reduction on fill.
func (f *Facade) ReducePosition(ctx context.Context, asset string, amount float64) (ledger.ReduceOutcome, error) {
	if amount <= 0 {
		return ledger.ReduceOutcome{}, fmt.Errorf("executor: reduce %s: amount must be positive", asset)
	}

	pos, ok := f.book.Get(asset)
	if !ok {
		return ledger.ReduceOutcome{}, fmt.Errorf("executor: reduce %s: %w", asset, domain.ErrPositionNotFound)
	}

	venue, okV := f.venues[pos.Venue]
	if !okV {
		return ledger.ReduceOutcome{}, fmt.Errorf("executor: reduce %s: venue %q: %w", asset, pos.Venue, domain.ErrVenueUnavailable)
	}

	if abs := math.Abs(pos.Size); amount > abs {
		amount = abs
	}

	result, err := venue.PlaceOrder(ctx, domain.OrderRequest{
		Asset:      asset,
		Side:       sideFor(-pos.Size),
		Size:       amount,
		Type:       domain.OrderTypeMarket,
		ReduceOnly: true,
	})
	if err != nil {
		f.logger.WarnContext(ctx, "reduce order failed",
			slog.String("asset", asset),
			slog.String("venue", pos.Venue),
			slog.String("error", err.Error()),
		)
		return ledger.ReduceOutcome{}, fmt.Errorf("executor: reduce %s on %s: %w", asset, pos.Venue, err)
	}
	if result.Status != domain.OrderStatusFilled {
		return ledger.ReduceOutcome{}, fmt.Errorf("executor: reduce %s on %s: order %s %s", asset, pos.Venue, result.OrderID, result.Status)
	}

	reducePrice := result.AvgPrice
	if reducePrice <= 0 {
		reducePrice = pos.CurrentPrice
	}
	filled := result.FilledSize
	if filled <= 0 {
		filled = amount
	}

	return f.book.Reduce(ctx, asset, filled, reducePrice)
}

// revertClosing restores the pre-close status after a failed close order.
func (f *Facade) revertClosing(ctx context.Context, asset string, prev domain.PositionStatus) {
	if err := f.book.RevertClosing(ctx, asset, prev); err != nil {
		f.logger.WarnContext(ctx, "failed to revert closing status",
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
	}
}

// fillPrice resolves the entry price for a fill: the venue's reported
// average first, its live price as a fallback.
func (f *Facade) fillPrice(ctx context.Context, venue domain.VenueClient, asset string, result domain.OrderResult) (float64, error) {
	if result.AvgPrice > 0 {
		return result.AvgPrice, nil
	}
	price, err := venue.Price(ctx, asset)
	if err != nil {
		return 0, fmt.Errorf("resolve fill price: %w", err)
	}
	return price, nil
}

// sideFor maps a signed size delta to an order side: buying increases
// exposure, selling decreases it.
func sideFor(sizeDelta float64) domain.OrderSide {
	if sizeDelta < 0 {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}
