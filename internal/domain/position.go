// Package domain defines the core entities of the position ledger and the
// interfaces its storage, cache, and venue layers implement.
package domain

import "time"

// PositionStatus tracks a position through its lifecycle.
type PositionStatus string

const (
	PositionStatusOpening    PositionStatus = "opening"    // order submitted, fill not yet confirmed
	PositionStatusOpen       PositionStatus = "open"       // position established and active
	PositionStatusReduced    PositionStatus = "reduced"    // partially closed
	PositionStatusClosing    PositionStatus = "closing"    // close order in flight
	PositionStatusClosed     PositionStatus = "closed"     // fully closed
	PositionStatusLiquidated PositionStatus = "liquidated" // forcibly closed by the venue
)

// Terminal reports whether the status removes the position from the active
// ledger. Terminal rows are excluded from startup recovery.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusLiquidated
}

// ReconStatus is the result of the last reconciliation pass for a position.
// Only the reconciliation engine writes this field.
type ReconStatus string

const (
	ReconStatusPending    ReconStatus = "pending" // awaiting first sync attempt
	ReconStatusSynced     ReconStatus = "synced"  // matches the venue within tolerance
	ReconStatusDrift      ReconStatus = "drift"   // venue disagrees with the ledger
	ReconStatusSyncFailed ReconStatus = "failed"  // owning venue unreachable during the pass
)

// Tolerances for comparing a ledger position against a venue snapshot.
const (
	SizeTolerance  = 0.0001
	PriceTolerance = 0.01
)

// noLiquidationDistance is returned when a venue does not report a
// liquidation price (e.g. unleveraged spot venues).
const noLiquidationDistance = 999.0

// DefaultRiskThresholdPct is the liquidation-distance threshold used when a
// caller does not supply one.
const DefaultRiskThresholdPct = 5.0

// Position is a single leveraged position. At most one active position
// exists per asset across all venues.
type Position struct {
	Asset            string         `json:"asset"`
	EntryPrice       float64        `json:"entry_price"`
	CurrentPrice     float64        `json:"current_price"`
	Size             float64        `json:"size"` // signed: positive long, negative short
	Leverage         float64        `json:"leverage"`
	Venue            string         `json:"venue"`
	Status           PositionStatus `json:"status"`
	LiquidationPrice *float64       `json:"liquidation_price,omitempty"`
	OpenedAt         time.Time      `json:"opened_at"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
	LastReconciledAt *time.Time     `json:"last_reconciled_at,omitempty"`
	ReconStatus      ReconStatus    `json:"reconciliation_status"`
	VenuePositionID  string         `json:"exchange_position_id,omitempty"`
}

// UnrealizedPnL is the mark-to-market profit of the position.
func (p Position) UnrealizedPnL() float64 {
	return (p.CurrentPrice - p.EntryPrice) * p.Size
}

// UnrealizedPnLPercent is the unrealized PnL as a percentage of entry price.
// Returns 0 when the entry price is zero.
func (p Position) UnrealizedPnLPercent() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (p.CurrentPrice - p.EntryPrice) / p.EntryPrice * 100
}

// LiquidationDistance is the distance to the liquidation price as a
// percentage of the current price. Positions without a liquidation price
// report a large sentinel distance.
func (p Position) LiquidationDistance() float64 {
	if p.LiquidationPrice == nil || p.CurrentPrice == 0 {
		return noLiquidationDistance
	}
	return (p.CurrentPrice - *p.LiquidationPrice) / p.CurrentPrice * 100
}

// AtRisk reports whether the position is within thresholdPct of liquidation.
func (p Position) AtRisk(thresholdPct float64) bool {
	return p.LiquidationDistance() < thresholdPct
}

// MarginRatio is the fraction of current price remaining before liquidation.
func (p Position) MarginRatio() float64 {
	if p.LiquidationPrice == nil || p.CurrentPrice == 0 {
		return 0
	}
	return (p.CurrentPrice - *p.LiquidationPrice) / p.CurrentPrice
}

// Notional is the absolute dollar exposure of the position.
func (p Position) Notional() float64 {
	size := p.Size
	if size < 0 {
		size = -size
	}
	return size * p.CurrentPrice
}

// HistoryEventType identifies the kind of position mutation recorded in the
// history log.
type HistoryEventType string

const (
	HistoryEventOpened  HistoryEventType = "opened"
	HistoryEventUpdated HistoryEventType = "updated"
	HistoryEventReduced HistoryEventType = "reduced"
	HistoryEventClosed  HistoryEventType = "closed"
)

// HistoryEntry is one immutable row of the append-only position history.
// OldValues and NewValues are free-form JSON documents describing the state
// before and after the mutation.
type HistoryEntry struct {
	ID        int64            `json:"id"`
	Asset     string           `json:"asset"`
	EventType HistoryEventType `json:"event_type"`
	OldValues map[string]any   `json:"old_values,omitempty"`
	NewValues map[string]any   `json:"new_values"`
	Timestamp time.Time        `json:"timestamp"`
}

// VenueAllocation is one venue's slice of an allocation status report.
type VenueAllocation struct {
	Venue           string  `json:"venue"`
	Target          float64 `json:"target"`
	Actual          float64 `json:"actual"`
	Drift           float64 `json:"drift"`
	Notional        float64 `json:"notional_value"`
	WithinTolerance bool    `json:"within_tolerance"`
}

// DriftEvent is a snapshot of a reconciliation pass in which at least one
// venue's actual allocation share deviated from target beyond tolerance.
type DriftEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	Allocations []VenueAllocation `json:"allocations"`
}
