package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rrrcapital/ledgerd/internal/domain"
	"github.com/rrrcapital/ledgerd/internal/executor"
	"github.com/rrrcapital/ledgerd/internal/ledger"
)

// LedgerReader is the read side of the position ledger.
type LedgerReader interface {
	Get(asset string) (domain.Position, bool)
	Active() []domain.Position
	AtRisk(thresholdPct float64) []domain.Position
	Summarize() ledger.Summary
	History(ctx context.Context, asset string, limit int) ([]domain.HistoryEntry, error)
}

// PositionExecutor mutates positions through the venue execution path.
type PositionExecutor interface {
	OpenPosition(ctx context.Context, req executor.OpenRequest) (domain.Position, error)
	ClosePosition(ctx context.Context, asset string) (ledger.CloseOutcome, error)
	ReducePosition(ctx context.Context, asset string, amount float64) (ledger.ReduceOutcome, error)
}

// PositionHandler serves the position query and mutation endpoints.
type PositionHandler struct {
	book   LedgerReader
	exec   PositionExecutor
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(book LedgerReader, exec PositionExecutor, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		book:   book,
		exec:   exec,
		logger: logHandler(logger, "position"),
	}
}

// ListPositions returns every active position.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.book.Active()
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetSummary returns ledger-wide aggregates.
// GET /api/positions/summary
func (h *PositionHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.book.Summarize())
}

// ListAtRisk returns positions within the given percentage distance of their
// liquidation price. The threshold query parameter overrides the default.
// GET /api/positions/at-risk?threshold=5
func (h *PositionHandler) ListAtRisk(w http.ResponseWriter, r *http.Request) {
	threshold := parseFloat(r, "threshold", domain.DefaultRiskThresholdPct)
	if threshold <= 0 {
		writeError(w, http.StatusBadRequest, "threshold must be positive")
		return
	}

	positions := h.book.AtRisk(threshold)
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition returns a single active position by asset.
// GET /api/positions/{asset}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	asset := pathParam(r, "asset")
	pos, ok := h.book.Get(asset)
	if !ok {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetHistory returns the audit trail for an asset, newest first.
// GET /api/positions/{asset}/history?limit=50
func (h *PositionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	asset := pathParam(r, "asset")
	limit := parseLimit(r, 50)

	entries, err := h.book.History(r.Context(), asset, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "history query failed",
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// openRequest is the JSON body for OpenPosition.
type openRequest struct {
	Asset      string  `json:"asset"`
	Size       float64 `json:"size"`
	Leverage   float64 `json:"leverage"`
	Venue      string  `json:"venue"`
	LimitPrice float64 `json:"limit_price"`
}

// OpenPosition places an opening order and records the resulting position.
// POST /api/positions/open
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Asset == "" {
		writeError(w, http.StatusBadRequest, "asset is required")
		return
	}
	if req.Size == 0 {
		writeError(w, http.StatusBadRequest, "size must be non-zero")
		return
	}

	pos, err := h.exec.OpenPosition(r.Context(), executor.OpenRequest{
		Asset:      req.Asset,
		Size:       req.Size,
		Leverage:   req.Leverage,
		Venue:      req.Venue,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		h.writeExecError(w, r, "open", req.Asset, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ClosePosition closes the full position for an asset.
// POST /api/positions/{asset}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	asset := pathParam(r, "asset")

	outcome, err := h.exec.ClosePosition(r.Context(), asset)
	if err != nil {
		h.writeExecError(w, r, "close", asset, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"position":     outcome.Position,
		"realized_pnl": outcome.RealizedPnL,
	})
}

// reduceRequest is the JSON body for ReducePosition.
type reduceRequest struct {
	Amount float64 `json:"amount"`
}

// ReducePosition reduces a position by an unsigned amount.
// POST /api/positions/{asset}/reduce
func (h *PositionHandler) ReducePosition(w http.ResponseWriter, r *http.Request) {
	asset := pathParam(r, "asset")

	var req reduceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	outcome, err := h.exec.ReducePosition(r.Context(), asset, req.Amount)
	if err != nil {
		h.writeExecError(w, r, "reduce", asset, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"position":       outcome.Position,
		"reduced_amount": outcome.ReducedAmount,
		"partial_pnl":    outcome.PartialPnL,
		"closed":         outcome.Closed,
	})
}

// writeExecError maps execution-path errors onto HTTP status codes.
func (h *PositionHandler) writeExecError(w http.ResponseWriter, r *http.Request, op, asset string, err error) {
	h.logger.ErrorContext(r.Context(), op+" failed",
		slog.String("asset", asset),
		slog.String("error", err.Error()),
	)

	switch {
	case errors.Is(err, domain.ErrDuplicateAsset):
		writeError(w, http.StatusConflict, "position already exists for asset")
	case errors.Is(err, domain.ErrPositionNotFound):
		writeError(w, http.StatusNotFound, "position not found")
	case errors.Is(err, domain.ErrVenueUnavailable):
		writeError(w, http.StatusBadGateway, "venue unavailable")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusServiceUnavailable, "venue rate limited, retry later")
	default:
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}
