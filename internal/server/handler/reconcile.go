package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rrrcapital/ledgerd/internal/reconcile"
)

// Reconciler exposes the reconciliation engine to the HTTP layer.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (*reconcile.Report, error)
	LastReport() *reconcile.Report
	DriftHistory() []reconcile.Result
	Interval() time.Duration
}

// ReconcileHandler serves the reconciliation endpoints.
type ReconcileHandler struct {
	engine Reconciler
	logger *slog.Logger
}

// NewReconcileHandler creates a ReconcileHandler.
func NewReconcileHandler(engine Reconciler, logger *slog.Logger) *ReconcileHandler {
	return &ReconcileHandler{
		engine: engine,
		logger: logHandler(logger, "reconcile"),
	}
}

// GetStatus summarises the engine's cadence and most recent pass.
// GET /api/reconciliation/status
func (h *ReconcileHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"interval_seconds": int(h.engine.Interval().Seconds()),
	}

	if last := h.engine.LastReport(); last != nil {
		status["last_run"] = last.StartedAt
		status["checked"] = last.Checked
		status["synced"] = last.Synced
		status["drifted"] = last.Drifted
		status["failed"] = last.Failed
		status["degraded_venues"] = last.Degraded
	}

	writeJSON(w, http.StatusOK, status)
}

// GetLastReport returns the full report from the most recent pass.
// GET /api/reconciliation/last
func (h *ReconcileHandler) GetLastReport(w http.ResponseWriter, r *http.Request) {
	report := h.engine.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "no reconciliation pass has run yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// TriggerSync runs a reconciliation pass immediately and returns its report.
// Concurrent triggers coalesce into a single pass.
// POST /api/reconciliation/sync
func (h *ReconcileHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.ReconcileAll(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "manual reconciliation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetDriftHistory returns recently recorded drift results, newest last.
// GET /api/reconciliation/drift-history
func (h *ReconcileHandler) GetDriftHistory(w http.ResponseWriter, r *http.Request) {
	history := h.engine.DriftHistory()
	if history == nil {
		history = []reconcile.Result{}
	}
	writeJSON(w, http.StatusOK, history)
}
