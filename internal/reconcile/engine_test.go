package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rrrcapital/ledgerd/internal/domain"
	"github.com/rrrcapital/ledgerd/internal/ledger"
)

// fakeVenue is a scripted domain.VenueClient for engine tests.
type fakeVenue struct {
	name      string
	positions []domain.VenuePosition
	err       error
	delay     time.Duration

	mu    sync.Mutex
	calls int
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) OpenPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()

	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if v.err != nil {
		return nil, v.err
	}
	return v.positions, nil
}

func (v *fakeVenue) Price(context.Context, string) (float64, error) {
	return 0, domain.ErrNotFound
}

func (v *fakeVenue) PlaceOrder(context.Context, domain.OrderRequest) (domain.OrderResult, error) {
	return domain.OrderResult{}, domain.ErrVenueUnavailable
}

func (v *fakeVenue) Balance(context.Context) (domain.Balance, error) {
	return domain.Balance{}, nil
}

var _ domain.VenueClient = (*fakeVenue)(nil)

type driftRecorder struct {
	mu          sync.Mutex
	results     []Result
	allDegraded []bool
}

func (r *driftRecorder) NotifyDrift(_ context.Context, result Result, allDegraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	r.allDegraded = append(r.allDegraded, allDegraded)
}

// memStore mirrors the ledger package's test store; only WithTx matters here.
type memStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

type memTx struct{ s *memStore }

func (t memTx) Put(_ context.Context, p domain.Position) error {
	t.s.positions[p.Asset] = p
	return nil
}

func (t memTx) AppendHistory(context.Context, domain.HistoryEntry) error { return nil }

func (s *memStore) WithTx(_ context.Context, fn func(tx domain.PositionTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(memTx{s})
}

func (s *memStore) Get(_ context.Context, asset string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[asset]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memStore) ListActive(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if !p.Status.Terminal() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) History(context.Context, string, int) ([]domain.HistoryEntry, error) {
	return nil, nil
}

func (s *memStore) ListTerminalBefore(context.Context, time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (s *memStore) PruneTerminalBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

var _ domain.PositionStore = (*memStore)(nil)

func testBook(t *testing.T, positions ...ledger.OpenParams) *ledger.Book {
	t.Helper()
	book := ledger.New(&memStore{positions: make(map[string]domain.Position)}, nil, slog.New(slog.DiscardHandler))
	for _, p := range positions {
		_, err := book.Open(context.Background(), p)
		require.NoError(t, err)
	}
	return book
}

func btcParams(size float64) ledger.OpenParams {
	return ledger.OpenParams{
		Asset: "BTC", EntryPrice: 50000, Size: size, Leverage: 5, Venue: "hyperliquid",
	}
}

func venuePos(asset string, size, entry float64, id string) domain.VenuePosition {
	return domain.VenuePosition{
		Asset: asset, Size: size, EntryPrice: entry, CurrentPrice: entry, PositionID: id,
	}
}

func newEngine(book *ledger.Book, notifier Notifier, venues ...domain.VenueClient) *Engine {
	return New(book, venues, nil, notifier, slog.New(slog.DiscardHandler), Config{
		VenueTimeout: 100 * time.Millisecond,
	})
}

func TestReconcileSynced(t *testing.T) {
	book := testBook(t, btcParams(0.5))
	hl := &fakeVenue{
		name:      "hyperliquid",
		positions: []domain.VenuePosition{venuePos("BTC", 0.5, 50000, "hl-1")},
	}

	engine := newEngine(book, nil, hl)
	report, err := engine.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Synced)
	assert.Zero(t, report.Drifted)
	assert.Empty(t, report.Degraded)
	assert.Empty(t, report.MissingLocally)

	pos, ok := book.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, domain.ReconStatusSynced, pos.ReconStatus)
	assert.Equal(t, "hl-1", pos.VenuePositionID)
	require.NotNil(t, pos.LastReconciledAt)
}

func TestReconcileWithinTolerance(t *testing.T) {
	book := testBook(t, btcParams(0.5))
	// Off by less than the size and price tolerances.
	hl := &fakeVenue{
		name:      "hyperliquid",
		positions: []domain.VenuePosition{venuePos("BTC", 0.50005, 50000.005, "hl-1")},
	}

	engine := newEngine(book, nil, hl)
	report, err := engine.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Zero(t, report.Drifted)
}

func TestReconcileSizeDrift(t *testing.T) {
	book := testBook(t, btcParams(0.5))
	hl := &fakeVenue{
		name:      "hyperliquid",
		positions: []domain.VenuePosition{venuePos("BTC", 0.4, 50000, "hl-1")},
	}

	recorder := &driftRecorder{}
	engine := newEngine(book, recorder, hl)
	report, err := engine.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Drifted)
	require.Len(t, report.Results, 1)
	assert.Equal(t, DriftReasonSizeMismatch, report.Results[0].Reason)
	assert.Equal(t, 0.5, report.Results[0].LocalSize)
	assert.Equal(t, 0.4, report.Results[0].VenueSize)

	// Drift annotates but never mutates economics.
	pos, _ := book.Get("BTC")
	assert.Equal(t, domain.ReconStatusDrift, pos.ReconStatus)
	assert.Equal(t, 0.5, pos.Size)
	assert.Equal(t, 50000.0, pos.EntryPrice)

	require.Len(t, recorder.results, 1)
	assert.False(t, recorder.allDegraded[0])

	history := engine.DriftHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "BTC", history[0].Asset)
}

func TestReconcileCurrentPriceDrift(t *testing.T) {
	// Size and entry agree; the venue's mark price has moved past tolerance.
	book := testBook(t, btcParams(0.5))
	hl := &fakeVenue{
		name: "hyperliquid",
		positions: []domain.VenuePosition{{
			Asset: "BTC", Size: 0.5, EntryPrice: 50000, CurrentPrice: 51234, PositionID: "hl-1",
		}},
	}

	engine := newEngine(book, nil, hl)
	report, err := engine.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Synced)
	assert.Equal(t, 1, report.Drifted)
	require.Len(t, report.Results, 1)
	assert.Equal(t, DriftReasonPriceMismatch, report.Results[0].Reason)
	assert.Equal(t, 50000.0, report.Results[0].LocalPrice)
	assert.Equal(t, 51234.0, report.Results[0].VenuePrice)

	// The remote price is reported, never written back.
	pos, _ := book.Get("BTC")
	assert.Equal(t, 50000.0, pos.CurrentPrice)
}

func TestReconcileVenueWithoutMarkPrice(t *testing.T) {
	// A venue that reports no mark price (zero) cannot drift on price.
	book := testBook(t, btcParams(0.5))
	hl := &fakeVenue{
		name:      "hyperliquid",
		positions: []domain.VenuePosition{{Asset: "BTC", Size: 0.5, PositionID: "cb-1"}},
	}

	engine := newEngine(book, nil, hl)
	report, err := engine.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Synced)
	assert.Zero(t, report.Drifted)
}

func TestReconcileMissingOnVenue(t *testing.T) {
	book := testBook(t, btcParams(0.5))
	hl := &fakeVenue{name: "hyperliquid"} // empty snapshot, healthy venue

	engine := newEngine(book, nil, hl)
	report, err := engine.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Drifted)
	assert.Equal(t, DriftReasonMissingOnVenue, report.Results[0].Reason)
}

func TestReconcileMissingLocally(t *testing.T) {
	book := testBook(t)
	hl := &fakeVenue{
		name:      "hyperliquid",
		positions: []domain.VenuePosition{venuePos("ETH", 2, 3000, "hl-9")},
	}

	engine := newEngine(book, nil, hl)
	report, err := engine.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Checked)
	require.Len(t, report.MissingLocally, 1)
	assert.Equal(t, "ETH", report.MissingLocally[0].Asset)
	assert.Equal(t, "hyperliquid", report.MissingLocally[0].Venue)

	// Orphans are reported, never adopted into the ledger.
	_, ok := book.Get("ETH")
	assert.False(t, ok)
}

func TestReconcileAssetOnAnotherVenueNotMissing(t *testing.T) {
	// The ledger holds BTC on hyperliquid; coinbase also reports BTC. The
	// asset is tracked, so nothing is missing locally.
	book := testBook(t, btcParams(0.5))
	hl := &fakeVenue{
		name:      "hyperliquid",
		positions: []domain.VenuePosition{venuePos("BTC", 0.5, 50000, "hl-1")},
	}
	cb := &fakeVenue{
		name:      "coinbase",
		positions: []domain.VenuePosition{venuePos("BTC", 0.1, 50000, "cb-1")},
	}

	engine := newEngine(book, nil, hl, cb)
	report, err := engine.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Synced)
	assert.Empty(t, report.MissingLocally)
}

func TestReconcileDegradedVenue(t *testing.T) {
	book := testBook(t, btcParams(0.5))
	hl := &fakeVenue{name: "hyperliquid", err: domain.ErrVenueUnavailable}
	cb := &fakeVenue{name: "coinbase"}

	recorder := &driftRecorder{}
	engine := newEngine(book, recorder, hl, cb)
	report, err := engine.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"hyperliquid"}, report.Degraded)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Drifted)

	// Outage reads as sync failure, not drift.
	pos, _ := book.Get("BTC")
	assert.Equal(t, domain.ReconStatusSyncFailed, pos.ReconStatus)
	assert.Nil(t, pos.LastReconciledAt)
	assert.Empty(t, recorder.results)
}

func TestReconcileVenueTimeout(t *testing.T) {
	book := testBook(t, btcParams(0.5))
	hl := &fakeVenue{
		name:      "hyperliquid",
		positions: []domain.VenuePosition{venuePos("BTC", 0.5, 50000, "hl-1")},
		delay:     500 * time.Millisecond, // past the 100ms test timeout
	}

	engine := newEngine(book, nil, hl)
	report, err := engine.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"hyperliquid"}, report.Degraded)
	assert.Equal(t, 1, report.Failed)
}

func TestReconcileIdempotent(t *testing.T) {
	book := testBook(t, btcParams(0.5))
	hl := &fakeVenue{
		name:      "hyperliquid",
		positions: []domain.VenuePosition{venuePos("BTC", 0.5, 50000, "hl-1")},
	}

	engine := newEngine(book, nil, hl)
	ctx := context.Background()

	first, err := engine.ReconcileAll(ctx)
	require.NoError(t, err)
	second, err := engine.ReconcileAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Synced, second.Synced)
	pos, _ := book.Get("BTC")
	assert.Equal(t, domain.ReconStatusSynced, pos.ReconStatus)
	assert.Equal(t, 0.5, pos.Size)
}

func TestLastReport(t *testing.T) {
	book := testBook(t)
	engine := newEngine(book, nil, &fakeVenue{name: "hyperliquid"})

	assert.Nil(t, engine.LastReport())

	_, err := engine.ReconcileAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, engine.LastReport())
}

func TestDriftHistoryBounded(t *testing.T) {
	book := testBook(t, btcParams(0.5))
	hl := &fakeVenue{
		name:      "hyperliquid",
		positions: []domain.VenuePosition{venuePos("BTC", 0.4, 50000, "hl-1")},
	}

	engine := New(book, []domain.VenueClient{hl}, nil, nil, slog.New(slog.DiscardHandler), Config{
		VenueTimeout:    100 * time.Millisecond,
		DriftHistoryMax: 3,
	})

	ctx := context.Background()
	for range 5 {
		_, err := engine.ReconcileAll(ctx)
		require.NoError(t, err)
	}

	assert.Len(t, engine.DriftHistory(), 3)
}

func TestAllVenuesDegradedFlagsNotifier(t *testing.T) {
	book := testBook(t, btcParams(0.5))
	hl := &fakeVenue{name: "hyperliquid", err: domain.ErrVenueUnavailable}
	cb := &fakeVenue{name: "coinbase", err: domain.ErrVenueUnavailable}

	recorder := &driftRecorder{}
	engine := newEngine(book, recorder, hl, cb)
	report, err := engine.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"hyperliquid", "coinbase"}, report.Degraded)
	// Owning venue degraded: sync failure, so no drift notification fires.
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, recorder.results)
}
