// Package reconcile periodically compares the ledger against live venue
// snapshots and annotates each position with the result. It reports, it
// never repairs: position size and price are off limits here.
package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rrrcapital/ledgerd/internal/domain"
	"github.com/rrrcapital/ledgerd/internal/ledger"
)

// DriftReason classifies why a position was flagged.
type DriftReason string

const (
	DriftReasonMissingOnVenue DriftReason = "missing_on_venue"
	DriftReasonSizeMismatch   DriftReason = "size_mismatch"
	DriftReasonPriceMismatch  DriftReason = "price_mismatch"
)

// Result is the reconciliation outcome for a single position.
type Result struct {
	Asset       string             `json:"asset"`
	Venue       string             `json:"venue"`
	Status      domain.ReconStatus `json:"status"`
	Reason      DriftReason        `json:"reason,omitempty"`
	LocalSize   float64            `json:"local_size"`
	VenueSize   float64            `json:"venue_size"`
	LocalPrice  float64            `json:"local_current_price"`
	VenuePrice  float64            `json:"venue_current_price"`
	LocalEntry  float64            `json:"local_entry_price"`
	VenueEntry  float64            `json:"venue_entry_price"`
	VenuePosID  string             `json:"venue_position_id,omitempty"`
	AnnotateErr string             `json:"annotate_error,omitempty"`
}

// Orphan is a venue position with no ledger entry. Reported, never adopted.
type Orphan struct {
	Asset string  `json:"asset"`
	Venue string  `json:"venue"`
	Size  float64 `json:"size"`
}

// Report is the outcome of one full reconciliation pass.
type Report struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Checked        int           `json:"checked"`
	Synced         int           `json:"synced"`
	Drifted        int           `json:"drifted"`
	Failed         int           `json:"failed"`
	Results        []Result      `json:"results"`
	MissingLocally []Orphan      `json:"missing_locally"`
	Degraded       []string      `json:"degraded_venues,omitempty"`
}

// Notifier receives drift alerts. Implementations must be safe for
// concurrent use.
type Notifier interface {
	NotifyDrift(ctx context.Context, result Result, allDegraded bool)
}

// Config tunes the engine.
type Config struct {
	Interval        time.Duration // background loop period; <=0 defaults to 60s
	VenueTimeout    time.Duration // per-venue snapshot deadline; <=0 defaults to 10s
	DriftHistoryMax int           // bounded drift record buffer; <=0 defaults to 100
}

const (
	defaultInterval        = 60 * time.Second
	defaultVenueTimeout    = 10 * time.Second
	defaultDriftHistoryMax = 100
)

// Engine drives reconciliation passes. Safe for concurrent use; overlapping
// ReconcileAll calls collapse into a single in-flight pass.
type Engine struct {
	book     *ledger.Book
	venues   []domain.VenueClient
	bus      domain.EventBus // optional
	notifier Notifier        // optional
	logger   *slog.Logger

	interval        time.Duration
	venueTimeout    time.Duration
	driftHistoryMax int

	sf singleflight.Group

	mu           sync.RWMutex
	lastReport   *Report
	driftHistory []Result
}

// New creates an Engine over the given venue clients. Venue order is the
// order snapshots are requested and reported in.
func New(book *ledger.Book, venues []domain.VenueClient, bus domain.EventBus, notifier Notifier, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.VenueTimeout <= 0 {
		cfg.VenueTimeout = defaultVenueTimeout
	}
	if cfg.DriftHistoryMax <= 0 {
		cfg.DriftHistoryMax = defaultDriftHistoryMax
	}
	return &Engine{
		book:            book,
		venues:          venues,
		bus:             bus,
		notifier:        notifier,
		logger:          logger.With(slog.String("component", "reconcile")),
		interval:        cfg.Interval,
		venueTimeout:    cfg.VenueTimeout,
		driftHistoryMax: cfg.DriftHistoryMax,
	}
}

// Run executes reconciliation passes on a fixed interval until ctx is
// cancelled. One pass runs immediately on entry.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "reconciliation loop started",
		slog.Duration("interval", e.interval),
	)

	if _, err := e.ReconcileAll(ctx); err != nil {
		e.logger.WarnContext(ctx, "initial reconciliation failed",
			slog.String("error", err.Error()),
		)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "reconciliation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.ReconcileAll(ctx); err != nil {
				e.logger.WarnContext(ctx, "reconciliation pass failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// ReconcileAll snapshots every venue, compares each active ledger position
// against its owning venue, and annotates the outcome. Concurrent calls share
// one in-flight pass.
func (e *Engine) ReconcileAll(ctx context.Context) (*Report, error) {
	v, err, _ := e.sf.Do("reconcile", func() (any, error) {
		return e.reconcile(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (e *Engine) reconcile(ctx context.Context) (*Report, error) {
	started := time.Now().UTC()

	snapshots, degraded := e.snapshotVenues(ctx)

	report := &Report{
		StartedAt: started,
		Degraded:  degraded,
	}
	degradedSet := make(map[string]bool, len(degraded))
	for _, name := range degraded {
		degradedSet[name] = true
	}
	allDegraded := len(e.venues) > 0 && len(degraded) == len(e.venues)

	local := e.book.Active()
	localAssets := make(map[string]bool, len(local))
	for _, pos := range local {
		localAssets[pos.Asset] = true
	}

	for _, pos := range local {
		report.Checked++

		result := e.classify(pos, snapshots, degradedSet)

		reconciledAt := started
		if err := e.book.Annotate(ctx, pos.Asset, result.Status, result.VenuePosID, reconciledAt); err != nil {
			result.AnnotateErr = err.Error()
			e.logger.WarnContext(ctx, "annotate failed",
				slog.String("asset", pos.Asset),
				slog.String("error", err.Error()),
			)
		}

		switch result.Status {
		case domain.ReconStatusSynced:
			report.Synced++
		case domain.ReconStatusDrift:
			report.Drifted++
			e.recordDrift(result)
			e.logger.WarnContext(ctx, "drift detected",
				slog.String("asset", result.Asset),
				slog.String("venue", result.Venue),
				slog.String("reason", string(result.Reason)),
				slog.Float64("local_size", result.LocalSize),
				slog.Float64("venue_size", result.VenueSize),
			)
			if e.notifier != nil {
				e.notifier.NotifyDrift(ctx, result, allDegraded)
			}
			e.publishDrift(ctx, result)
		case domain.ReconStatusSyncFailed:
			report.Failed++
		}

		report.Results = append(report.Results, result)
	}

	// Missing locally is asset-level: a venue reporting an asset the ledger
	// tracks elsewhere is not an orphan.
	for venueName, positions := range snapshots {
		for asset, vp := range positions {
			if localAssets[asset] {
				continue
			}
			report.MissingLocally = append(report.MissingLocally, Orphan{
				Asset: asset,
				Venue: venueName,
				Size:  vp.Size,
			})
			e.logger.WarnContext(ctx, "venue position missing locally",
				slog.String("asset", asset),
				slog.String("venue", venueName),
				slog.Float64("size", vp.Size),
			)
		}
	}

	report.Duration = time.Since(started)

	e.mu.Lock()
	e.lastReport = report
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "reconciliation pass complete",
		slog.Int("checked", report.Checked),
		slog.Int("synced", report.Synced),
		slog.Int("drifted", report.Drifted),
		slog.Int("failed", report.Failed),
		slog.Int("missing_locally", len(report.MissingLocally)),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// snapshotVenues fetches all venue snapshots concurrently. A venue that
// errors or exceeds the per-venue timeout contributes an empty snapshot and
// is listed as degraded.
func (e *Engine) snapshotVenues(ctx context.Context) (map[string]map[string]domain.VenuePosition, []string) {
	type snapshot struct {
		venue     string
		positions []domain.VenuePosition
		err       error
	}

	results := make([]snapshot, len(e.venues))
	g, gctx := errgroup.WithContext(ctx)
	for i, venue := range e.venues {
		g.Go(func() error {
			vctx, cancel := context.WithTimeout(gctx, e.venueTimeout)
			defer cancel()

			positions, err := venue.OpenPositions(vctx)
			results[i] = snapshot{venue: venue.Name(), positions: positions, err: err}
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; failures ride in results

	snapshots := make(map[string]map[string]domain.VenuePosition, len(e.venues))
	var degraded []string
	for _, r := range results {
		if r.err != nil {
			e.logger.WarnContext(ctx, "venue snapshot failed",
				slog.String("venue", r.venue),
				slog.String("error", r.err.Error()),
			)
			degraded = append(degraded, r.venue)
			snapshots[r.venue] = map[string]domain.VenuePosition{}
			continue
		}
		byAsset := make(map[string]domain.VenuePosition, len(r.positions))
		for _, vp := range r.positions {
			byAsset[vp.Asset] = vp
		}
		snapshots[r.venue] = byAsset
	}
	return snapshots, degraded
}

// classify compares one ledger position against its owning venue's snapshot.
func (e *Engine) classify(pos domain.Position, snapshots map[string]map[string]domain.VenuePosition, degraded map[string]bool) Result {
	result := Result{
		Asset:      pos.Asset,
		Venue:      pos.Venue,
		LocalSize:  pos.Size,
		LocalPrice: pos.CurrentPrice,
		LocalEntry: pos.EntryPrice,
	}

	if degraded[pos.Venue] {
		result.Status = domain.ReconStatusSyncFailed
		return result
	}

	vp, ok := snapshots[pos.Venue][pos.Asset]
	if !ok {
		result.Status = domain.ReconStatusDrift
		result.Reason = DriftReasonMissingOnVenue
		return result
	}

	result.VenueSize = vp.Size
	result.VenuePrice = vp.CurrentPrice
	result.VenueEntry = vp.EntryPrice
	result.VenuePosID = vp.PositionID

	if math.Abs(pos.Size-vp.Size) > domain.SizeTolerance {
		result.Status = domain.ReconStatusDrift
		result.Reason = DriftReasonSizeMismatch
		return result
	}
	// Some venues cannot report a mark price (zero means unknown); only
	// compare when the venue actually has one.
	if vp.CurrentPrice > 0 && math.Abs(pos.CurrentPrice-vp.CurrentPrice) > domain.PriceTolerance {
		result.Status = domain.ReconStatusDrift
		result.Reason = DriftReasonPriceMismatch
		return result
	}

	result.Status = domain.ReconStatusSynced
	return result
}

// recordDrift appends to the bounded drift buffer, dropping the oldest
// records past capacity.
func (e *Engine) recordDrift(result Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.driftHistory = append(e.driftHistory, result)
	if excess := len(e.driftHistory) - e.driftHistoryMax; excess > 0 {
		e.driftHistory = append(e.driftHistory[:0], e.driftHistory[excess:]...)
	}
}

// LastReport returns the most recent pass report, or nil before the first
// pass completes.
func (e *Engine) LastReport() *Report {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastReport
}

// DriftHistory returns the bounded buffer of drift results, oldest first.
func (e *Engine) DriftHistory() []Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Result, len(e.driftHistory))
	copy(out, e.driftHistory)
	return out
}

// publishDrift fans a drift result out to the event bus. Failures log and
// never fail the pass.
func (e *Engine) publishDrift(ctx context.Context, result Result) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, "reconciliation", payload); err != nil {
		e.logger.WarnContext(ctx, "publish drift failed",
			slog.String("asset", result.Asset),
			slog.String("error", err.Error()),
		)
	}
	if err := e.bus.StreamAppend(ctx, "reconciliation:drift", payload); err != nil {
		e.logger.WarnContext(ctx, "stream drift failed",
			slog.String("asset", result.Asset),
			slog.String("error", err.Error()),
		)
	}
}

// Interval exposes the configured loop period for status endpoints.
func (e *Engine) Interval() time.Duration {
	return e.interval
}
