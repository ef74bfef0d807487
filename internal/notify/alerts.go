package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rrrcapital/ledgerd/internal/allocation"
	"github.com/rrrcapital/ledgerd/internal/domain"
	"github.com/rrrcapital/ledgerd/internal/reconcile"
)

// Event types the alert sink emits. Operators filter on these via the
// notifier's allowed-events config.
const (
	EventDrift           = "drift"
	EventLiquidation     = "liquidation"
	EventAllocationDrift = "allocation_drift"
)

// AlertSink turns ledger events into operator notifications. It implements
// reconcile.Notifier.
type AlertSink struct {
	notifier *Notifier
	logger   *slog.Logger
}

// NewAlertSink creates an AlertSink over the given notifier.
func NewAlertSink(notifier *Notifier, logger *slog.Logger) *AlertSink {
	return &AlertSink{
		notifier: notifier,
		logger:   logger.With(slog.String("component", "alerts")),
	}
}

// NotifyDrift reports a reconciliation drift. When every venue is degraded
// the "drift" is indistinguishable from an outage, so the alert is
// suppressed; the degraded venues already surface in the report.
func (a *AlertSink) NotifyDrift(ctx context.Context, result reconcile.Result, allDegraded bool) {
	if allDegraded {
		a.logger.WarnContext(ctx, "drift alert suppressed, all venues degraded",
			slog.String("asset", result.Asset),
		)
		return
	}

	title := fmt.Sprintf("Position drift: %s on %s", result.Asset, result.Venue)
	message := fmt.Sprintf(
		"Reason: %s\nLocal size: %g @ %g\nVenue size: %g @ %g",
		result.Reason,
		result.LocalSize, result.LocalPrice,
		result.VenueSize, result.VenuePrice,
	)

	if err := a.notifier.Notify(ctx, EventDrift, title, message); err != nil {
		a.logger.WarnContext(ctx, "drift alert delivery failed",
			slog.String("asset", result.Asset),
			slog.String("error", err.Error()),
		)
	}
}

// NotifyLiquidation reports a forced close.
func (a *AlertSink) NotifyLiquidation(ctx context.Context, pos domain.Position, realizedPnL float64) {
	title := fmt.Sprintf("LIQUIDATED: %s on %s", pos.Asset, pos.Venue)
	message := fmt.Sprintf(
		"Size: %g @ entry %g\nRealized PnL: %.2f",
		pos.Size, pos.EntryPrice, realizedPnL,
	)

	if err := a.notifier.Notify(ctx, EventLiquidation, title, message); err != nil {
		a.logger.WarnContext(ctx, "liquidation alert delivery failed",
			slog.String("asset", pos.Asset),
			slog.String("error", err.Error()),
		)
	}
}

// NotifyAllocation reports venue shares outside tolerance.
func (a *AlertSink) NotifyAllocation(ctx context.Context, status allocation.Status) {
	message := fmt.Sprintf("Total notional: %.2f\n", status.TotalNotional)
	for _, alloc := range status.Allocations {
		message += fmt.Sprintf("%s: %.1f%% (target %.1f%%, drift %+.1f%%)\n",
			alloc.Venue, alloc.Actual*100, alloc.Target*100, alloc.Drift*100)
	}

	if err := a.notifier.Notify(ctx, EventAllocationDrift, "Allocation drift", message); err != nil {
		a.logger.WarnContext(ctx, "allocation alert delivery failed",
			slog.String("error", err.Error()),
		)
	}
}

// Compile-time interface check.
var _ reconcile.Notifier = (*AlertSink)(nil)
