// Package allocation tracks how notional exposure is split across venues
// against fixed target shares and routes new positions toward the venue
// furthest below its target.
package allocation

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rrrcapital/ledgerd/internal/domain"
	"github.com/rrrcapital/ledgerd/internal/ledger"
)

// DefaultTolerance is the allocation drift threshold as an absolute share.
const DefaultTolerance = 0.05

// VenueTarget is one venue's target share. Declaration order breaks
// selection ties.
type VenueTarget struct {
	Venue  string
	Target float64
}

// Status is a point-in-time allocation report.
type Status struct {
	TotalNotional   float64                  `json:"total_notional_value"`
	Allocations     []domain.VenueAllocation `json:"allocations"`
	WithinTolerance bool                     `json:"within_tolerance"`
	Timestamp       time.Time                `json:"timestamp"`
}

// Manager computes allocation status from the active ledger and selects
// venues for new positions.
type Manager struct {
	book         *ledger.Book
	targets      []VenueTarget
	tolerance    float64
	defaultVenue string
	logger       *slog.Logger

	mu           sync.Mutex
	driftHistory []domain.DriftEvent
	historyMax   int
}

// New creates a Manager. Targets must sum to 1.0 (validated at config load).
// tolerance <= 0 uses DefaultTolerance; defaultVenue is the fallback when no
// targets are configured.
func New(book *ledger.Book, targets []VenueTarget, tolerance float64, defaultVenue string, logger *slog.Logger) *Manager {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Manager{
		book:         book,
		targets:      targets,
		tolerance:    tolerance,
		defaultVenue: defaultVenue,
		logger:       logger.With(slog.String("component", "allocation")),
		historyMax:   100,
	}
}

// Status computes each venue's actual notional share against its target.
// With zero total notional every actual share is zero.
func (m *Manager) Status() Status {
	byVenue := make(map[string]float64, len(m.targets))
	var total float64
	for _, pos := range m.book.Active() {
		notional := pos.Notional()
		byVenue[pos.Venue] += notional
		total += notional
	}

	status := Status{
		TotalNotional:   total,
		WithinTolerance: true,
		Timestamp:       time.Now().UTC(),
	}
	for _, target := range m.targets {
		actual := 0.0
		if total > 0 {
			actual = byVenue[target.Venue] / total
		}
		drift := actual - target.Target
		within := math.Abs(drift) < m.tolerance
		if !within {
			status.WithinTolerance = false
		}
		status.Allocations = append(status.Allocations, domain.VenueAllocation{
			Venue:           target.Venue,
			Target:          target.Target,
			Actual:          actual,
			Drift:           drift,
			Notional:        byVenue[target.Venue],
			WithinTolerance: within,
		})
	}
	return status
}

// SelectVenue returns the venue furthest below its target share. Ties go to
// the earliest declared venue. With no targets configured it falls back to
// the default venue.
func (m *Manager) SelectVenue(ctx context.Context) string {
	if len(m.targets) == 0 {
		m.logger.WarnContext(ctx, "no allocation targets, using default venue",
			slog.String("venue", m.defaultVenue),
		)
		return m.defaultVenue
	}

	status := m.Status()

	selected := status.Allocations[0]
	for _, a := range status.Allocations[1:] {
		if a.Drift < selected.Drift {
			selected = a
		}
	}

	m.logger.InfoContext(ctx, "venue selected",
		slog.String("venue", selected.Venue),
		slog.Float64("target", selected.Target),
		slog.Float64("actual", selected.Actual),
	)
	return selected.Venue
}

// CheckDrift evaluates the current allocation and records a drift event when
// any venue is outside tolerance. Returns the status and whether drift was
// recorded.
func (m *Manager) CheckDrift(ctx context.Context) (Status, bool) {
	status := m.Status()
	if status.WithinTolerance || status.TotalNotional == 0 {
		return status, false
	}

	m.mu.Lock()
	m.driftHistory = append(m.driftHistory, domain.DriftEvent{
		Timestamp:   status.Timestamp,
		Allocations: status.Allocations,
	})
	if excess := len(m.driftHistory) - m.historyMax; excess > 0 {
		m.driftHistory = append(m.driftHistory[:0], m.driftHistory[excess:]...)
	}
	m.mu.Unlock()

	m.logger.WarnContext(ctx, "allocation drift",
		slog.Float64("total_notional", status.TotalNotional),
	)
	return status, true
}

// DriftHistory returns recorded allocation drift events, oldest first.
func (m *Manager) DriftHistory() []domain.DriftEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DriftEvent, len(m.driftHistory))
	copy(out, m.driftHistory)
	return out
}

// Tolerance exposes the configured drift tolerance.
func (m *Manager) Tolerance() float64 {
	return m.tolerance
}
