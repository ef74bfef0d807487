package allocation

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

var defaultTargets = []VenueTarget{
	{Venue: "hyperliquid", Target: 0.80},
	{Venue: "coinbase", Target: 0.20},
}

// open seeds a position with a given notional by using size = notional/price.
func open(t *testing.T, book *ledger.Book, asset, venue string, notional float64) {
	t.Helper()
	const price = 100.0
	_, err := book.Open(context.Background(), ledger.OpenParams{
		Asset:      asset,
		EntryPrice: price,
		Size:       notional / price,
		Leverage:   2,
		Venue:      venue,
	})
	require.NoError(t, err)
}

func testManager(t *testing.T, targets []VenueTarget) (*Manager, *ledger.Book) {
	t.Helper()
	book := ledger.New(&memStore{positions: make(map[string]domain.Position)}, nil, slog.New(slog.DiscardHandler))
	return New(book, targets, 0, "hyperliquid", slog.New(slog.DiscardHandler)), book
}

func TestStatusBalanced(t *testing.T) {
	m, book := testManager(t, defaultTargets)
	open(t, book, "BTC", "hyperliquid", 8000)
	open(t, book, "ETH", "coinbase", 2000)

	status := m.Status()
	assert.InDelta(t, 10000.0, status.TotalNotional, 1e-9)
	assert.True(t, status.WithinTolerance)

	require.Len(t, status.Allocations, 2)
	hl := status.Allocations[0]
	assert.Equal(t, "hyperliquid", hl.Venue)
	assert.InDelta(t, 0.80, hl.Actual, 1e-9)
	assert.InDelta(t, 0.0, hl.Drift, 1e-9)
	assert.True(t, hl.WithinTolerance)
}

func TestStatusDrifted(t *testing.T) {
	m, book := testManager(t, defaultTargets)
	open(t, book, "BTC", "hyperliquid", 9000)
	open(t, book, "ETH", "coinbase", 1000)

	status := m.Status()
	assert.False(t, status.WithinTolerance)

	hl := status.Allocations[0]
	assert.InDelta(t, 0.90, hl.Actual, 1e-9)
	assert.InDelta(t, 0.10, hl.Drift, 1e-9)
	assert.False(t, hl.WithinTolerance)

	cb := status.Allocations[1]
	assert.InDelta(t, -0.10, cb.Drift, 1e-9)
}

func TestStatusEmptyLedger(t *testing.T) {
	m, _ := testManager(t, defaultTargets)

	status := m.Status()
	assert.Zero(t, status.TotalNotional)
	// Zero exposure drifts each venue by its full target; both are reported
	// out of tolerance but CheckDrift ignores the empty ledger.
	assert.False(t, status.WithinTolerance)
	for _, a := range status.Allocations {
		assert.Zero(t, a.Actual)
	}
}

func TestSelectVenuePrefersUnderweight(t *testing.T) {
	m, book := testManager(t, defaultTargets)
	// hyperliquid at 90% vs 80% target, coinbase at 10% vs 20% target:
	// coinbase is furthest below.
	open(t, book, "BTC", "hyperliquid", 9000)
	open(t, book, "ETH", "coinbase", 1000)

	assert.Equal(t, "coinbase", m.SelectVenue(context.Background()))
}

func TestSelectVenueEmptyLedger(t *testing.T) {
	m, _ := testManager(t, defaultTargets)
	// Every share is zero, so the largest target is furthest below.
	assert.Equal(t, "hyperliquid", m.SelectVenue(context.Background()))
}

func TestSelectVenueTieBreaksByDeclarationOrder(t *testing.T) {
	m, book := testManager(t, []VenueTarget{
		{Venue: "hyperliquid", Target: 0.50},
		{Venue: "coinbase", Target: 0.50},
	})
	open(t, book, "BTC", "hyperliquid", 5000)
	open(t, book, "ETH", "coinbase", 5000)

	assert.Equal(t, "hyperliquid", m.SelectVenue(context.Background()))
}

func TestSelectVenueNoTargets(t *testing.T) {
	m, _ := testManager(t, nil)
	assert.Equal(t, "hyperliquid", m.SelectVenue(context.Background()))
}

func TestCheckDrift(t *testing.T) {
	m, book := testManager(t, defaultTargets)
	ctx := context.Background()

	// Empty ledger never records drift.
	_, drifted := m.CheckDrift(ctx)
	assert.False(t, drifted)
	assert.Empty(t, m.DriftHistory())

	open(t, book, "BTC", "hyperliquid", 9000)
	open(t, book, "ETH", "coinbase", 1000)

	status, drifted := m.CheckDrift(ctx)
	assert.True(t, drifted)
	assert.False(t, status.WithinTolerance)

	history := m.DriftHistory()
	require.Len(t, history, 1)
	assert.Len(t, history[0].Allocations, 2)
}

func TestCheckDriftBalanced(t *testing.T) {
	m, book := testManager(t, defaultTargets)
	open(t, book, "BTC", "hyperliquid", 8000)
	open(t, book, "ETH", "coinbase", 2000)

	_, drifted := m.CheckDrift(context.Background())
	assert.False(t, drifted)
	assert.Empty(t, m.DriftHistory())
}
