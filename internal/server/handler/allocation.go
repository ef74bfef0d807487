package handler

import (
	"log/slog"
	"net/http"

	"github.com/rrrcapital/ledgerd/internal/allocation"
	"github.com/rrrcapital/ledgerd/internal/domain"
)

// Allocator exposes the allocation manager to the HTTP layer.
type Allocator interface {
	Status() allocation.Status
	DriftHistory() []domain.DriftEvent
}

// AllocationHandler serves the allocation status endpoint.
type AllocationHandler struct {
	manager Allocator
	logger  *slog.Logger
}

// NewAllocationHandler creates an AllocationHandler.
func NewAllocationHandler(manager Allocator, logger *slog.Logger) *AllocationHandler {
	return &AllocationHandler{
		manager: manager,
		logger:  logHandler(logger, "allocation"),
	}
}

// GetStatus returns per-venue allocation against targets, with the recent
// drift events appended for dashboard timelines.
// GET /api/allocation
func (h *AllocationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.manager.Status()

	history := h.manager.DriftHistory()
	if history == nil {
		history = []domain.DriftEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_notional_value": status.TotalNotional,
		"allocations":          status.Allocations,
		"within_tolerance":     status.WithinTolerance,
		"timestamp":            status.Timestamp,
		"drift_events":         history,
	})
}
