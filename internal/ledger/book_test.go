package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rrrcapital/ledgerd/internal/domain"
)

// memStore is an in-memory domain.PositionStore for tests. Writes go through
// the same transactional callback shape as the real store; failErr forces the
// next transaction to fail without committing.
type memStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	history   []domain.HistoryEntry
	failErr   error
}

func newMemStore() *memStore {
	return &memStore{positions: make(map[string]domain.Position)}
}

type memTx struct {
	positions map[string]domain.Position
	history   []domain.HistoryEntry
}

func (t *memTx) Put(_ context.Context, p domain.Position) error {
	t.positions[p.Asset] = p
	return nil
}

func (t *memTx) AppendHistory(_ context.Context, e domain.HistoryEntry) error {
	t.history = append(t.history, e)
	return nil
}

func (s *memStore) WithTx(_ context.Context, fn func(tx domain.PositionTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return &domain.PersistenceError{Op: "write", Err: s.failErr}
	}

	tx := &memTx{positions: make(map[string]domain.Position)}
	if err := fn(tx); err != nil {
		return err
	}
	for asset, p := range tx.positions {
		s.positions[asset] = p
	}
	s.history = append(s.history, tx.history...)
	return nil
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

func (s *memStore) ListActive(_ context.Context) ([]domain.Position, error) {
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

func (s *memStore) History(_ context.Context, asset string, limit int) ([]domain.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Asset == asset {
			out = append(out, s.history[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) ListTerminalBefore(_ context.Context, cutoff time.Time) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status.Terminal() && p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) PruneTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for asset, p := range s.positions {
		if p.Status.Terminal() && p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			delete(s.positions, asset)
			n++
		}
	}
	return n, nil
}

func (s *memStore) historyByType(asset string, t domain.HistoryEventType) []domain.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HistoryEntry
	for _, e := range s.history {
		if e.Asset == asset && e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

var _ domain.PositionStore = (*memStore)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testBook(t *testing.T) (*Book, *memStore) {
	t.Helper()
	store := newMemStore()
	return New(store, nil, testLogger()), store
}

func openBTC(t *testing.T, book *Book, size float64) domain.Position {
	t.Helper()
	pos, err := book.Open(context.Background(), OpenParams{
		Asset:      "BTC",
		EntryPrice: 50000,
		Size:       size,
		Leverage:   5,
		Venue:      "hyperliquid",
	})
	require.NoError(t, err)
	return pos
}

func TestOpen(t *testing.T) {
	book, store := testBook(t)

	pos := openBTC(t, book, 0.5)

	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Equal(t, domain.ReconStatusPending, pos.ReconStatus)
	assert.Equal(t, 50000.0, pos.CurrentPrice)

	stored, err := store.Get(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, stored.Status)

	opened := store.historyByType("BTC", domain.HistoryEventOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, 0.5, opened[0].NewValues["size"])
}

func TestOpenDuplicateAsset(t *testing.T) {
	book, _ := testBook(t)
	openBTC(t, book, 0.5)

	_, err := book.Open(context.Background(), OpenParams{
		Asset:      "BTC",
		EntryPrice: 51000,
		Size:       1,
		Leverage:   3,
		Venue:      "coinbase",
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateAsset)
}

func TestOpenValidation(t *testing.T) {
	book, _ := testBook(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params OpenParams
	}{
		{"missing asset", OpenParams{EntryPrice: 100, Size: 1, Leverage: 2, Venue: "hyperliquid"}},
		{"zero entry price", OpenParams{Asset: "ETH", Size: 1, Leverage: 2, Venue: "hyperliquid"}},
		{"zero size", OpenParams{Asset: "ETH", EntryPrice: 100, Leverage: 2, Venue: "hyperliquid"}},
		{"zero leverage", OpenParams{Asset: "ETH", EntryPrice: 100, Size: 1, Venue: "hyperliquid"}},
		{"missing venue", OpenParams{Asset: "ETH", EntryPrice: 100, Size: 1, Leverage: 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := book.Open(ctx, tc.params)
			assert.Error(t, err)
		})
	}
}

func TestOpenPersistFailureLeavesLedgerEmpty(t *testing.T) {
	book, store := testBook(t)
	store.failErr = errors.New("connection reset")

	_, err := book.Open(context.Background(), OpenParams{
		Asset:      "BTC",
		EntryPrice: 50000,
		Size:       0.5,
		Leverage:   5,
		Venue:      "hyperliquid",
	})
	require.Error(t, err)
	assert.True(t, domain.IsPersistence(err))

	_, ok := book.Get("BTC")
	assert.False(t, ok)
}

func TestApplyPriceUpdates(t *testing.T) {
	book, _ := testBook(t)
	openBTC(t, book, 0.5)

	applied, err := book.ApplyPriceUpdates(context.Background(), map[string]float64{
		"BTC":  55000,
		"DOGE": 0.1, // not in the ledger, skipped
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	pos, ok := book.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, 55000.0, pos.CurrentPrice)
	assert.InDelta(t, 2500.0, pos.UnrealizedPnL(), 1e-9)

	_, ok = book.Get("DOGE")
	assert.False(t, ok)
}

func TestApplyPriceUpdatesPartialFailure(t *testing.T) {
	book, store := testBook(t)
	openBTC(t, book, 0.5)

	store.failErr = errors.New("disk full")
	applied, err := book.ApplyPriceUpdates(context.Background(), map[string]float64{"BTC": 60000})
	assert.Error(t, err)
	assert.Equal(t, 0, applied)

	// In-memory state must not advance past the durable state.
	pos, ok := book.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, 50000.0, pos.CurrentPrice)
}

func TestReducePartial(t *testing.T) {
	book, store := testBook(t)
	openBTC(t, book, 1.0)

	out, err := book.Reduce(context.Background(), "BTC", 0.4, 52000)
	require.NoError(t, err)

	assert.False(t, out.Closed)
	assert.Equal(t, 0.4, out.ReducedAmount)
	assert.InDelta(t, 800.0, out.PartialPnL, 1e-9) // (52000-50000)*0.4
	assert.InDelta(t, 0.6, out.Position.Size, 1e-9)
	assert.Equal(t, domain.PositionStatusReduced, out.Position.Status)

	reduced := store.historyByType("BTC", domain.HistoryEventReduced)
	require.Len(t, reduced, 1)
	assert.InDelta(t, 800.0, reduced[0].NewValues["partial_pnl"].(float64), 1e-9)
}

func TestReduceClampsToSize(t *testing.T) {
	book, _ := testBook(t)
	openBTC(t, book, 0.5)

	out, err := book.Reduce(context.Background(), "BTC", 2.0, 52000)
	require.NoError(t, err)

	assert.True(t, out.Closed)
	assert.Equal(t, 0.5, out.ReducedAmount)
	assert.Equal(t, domain.PositionStatusClosed, out.Position.Status)
	require.NotNil(t, out.Position.ClosedAt)

	_, ok := book.Get("BTC")
	assert.False(t, ok)
}

func TestReduceShortPosition(t *testing.T) {
	book, _ := testBook(t)
	pos, err := book.Open(context.Background(), OpenParams{
		Asset:      "ETH",
		EntryPrice: 3000,
		Size:       -2.0,
		Leverage:   3,
		Venue:      "hyperliquid",
	})
	require.NoError(t, err)
	assert.Equal(t, -2.0, pos.Size)

	// Short profits when price falls.
	out, err := book.Reduce(context.Background(), "ETH", 0.5, 2800)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, out.PartialPnL, 1e-9) // (2800-3000)*(-0.5)
	assert.InDelta(t, -1.5, out.Position.Size, 1e-9)
}

func TestReduceUnknownAsset(t *testing.T) {
	book, _ := testBook(t)
	_, err := book.Reduce(context.Background(), "DOGE", 1, 0.1)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestClose(t *testing.T) {
	book, store := testBook(t)
	openBTC(t, book, 0.5)

	out, err := book.Close(context.Background(), "BTC", 56000)
	require.NoError(t, err)
	assert.InDelta(t, 3000.0, out.RealizedPnL, 1e-9)
	assert.Equal(t, domain.PositionStatusClosed, out.Position.Status)

	_, ok := book.Get("BTC")
	assert.False(t, ok)

	// Terminal row survives in the store for history and retention.
	stored, err := store.Get(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
	require.NotNil(t, stored.ClosedAt)
}

func TestPartialPnLSumsMatchSingleClose(t *testing.T) {
	ctx := context.Background()

	reduceBook, _ := testBook(t)
	openBTC(t, reduceBook, 1.0)
	first, err := reduceBook.Reduce(ctx, "BTC", 0.3, 52000)
	require.NoError(t, err)
	second, err := reduceBook.Reduce(ctx, "BTC", 0.7, 56000)
	require.NoError(t, err)
	require.True(t, second.Closed)

	closeBook, _ := testBook(t)
	openBTC(t, closeBook, 0.3)
	firstClose := (52000.0 - 50000.0) * 0.3
	out, err := closeBook.Close(ctx, "BTC", 56000)
	require.NoError(t, err)
	_ = out

	assert.InDelta(t, firstClose, first.PartialPnL, 1e-9)
	assert.InDelta(t, (56000.0-50000.0)*0.7, second.PartialPnL, 1e-9)
}

func TestLiquidate(t *testing.T) {
	book, store := testBook(t)
	openBTC(t, book, 0.5)

	out, err := book.Liquidate(context.Background(), "BTC", 40000)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusLiquidated, out.Position.Status)
	assert.InDelta(t, -5000.0, out.RealizedPnL, 1e-9)

	_, ok := book.Get("BTC")
	assert.False(t, ok)

	stored, err := store.Get(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusLiquidated, stored.Status)
}

func TestMarkClosingAndRevert(t *testing.T) {
	book, store := testBook(t)
	openBTC(t, book, 0.5)
	ctx := context.Background()

	prev, err := book.MarkClosing(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, prev)

	pos, ok := book.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusClosing, pos.Status)

	stored, err := store.Get(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosing, stored.Status)

	require.NoError(t, book.RevertClosing(ctx, "BTC", prev))
	pos, _ = book.Get("BTC")
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
}

func TestMarkClosingUnknownAsset(t *testing.T) {
	book, _ := testBook(t)
	_, err := book.MarkClosing(context.Background(), "BTC")
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestRevertClosingAfterCloseIsNoOp(t *testing.T) {
	book, _ := testBook(t)
	openBTC(t, book, 0.5)
	ctx := context.Background()

	prev, err := book.MarkClosing(ctx, "BTC")
	require.NoError(t, err)
	_, err = book.Close(ctx, "BTC", 51000)
	require.NoError(t, err)

	require.NoError(t, book.RevertClosing(ctx, "BTC", prev))
	_, ok := book.Get("BTC")
	assert.False(t, ok)
}

func TestAnnotate(t *testing.T) {
	book, store := testBook(t)
	openBTC(t, book, 0.5)

	now := time.Now().UTC()
	err := book.Annotate(context.Background(), "BTC", domain.ReconStatusSynced, "hl-123", now)
	require.NoError(t, err)

	pos, ok := book.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, domain.ReconStatusSynced, pos.ReconStatus)
	assert.Equal(t, "hl-123", pos.VenuePositionID)
	require.NotNil(t, pos.LastReconciledAt)
	assert.Equal(t, now, *pos.LastReconciledAt)
	// Reconciliation never mutates position economics.
	assert.Equal(t, 0.5, pos.Size)
	assert.Equal(t, 50000.0, pos.CurrentPrice)

	stored, err := store.Get(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, domain.ReconStatusSynced, stored.ReconStatus)
}

func TestAnnotateDriftKeepsLastReconciledAt(t *testing.T) {
	book, _ := testBook(t)
	openBTC(t, book, 0.5)

	err := book.Annotate(context.Background(), "BTC", domain.ReconStatusDrift, "", time.Now().UTC())
	require.NoError(t, err)

	pos, _ := book.Get("BTC")
	assert.Equal(t, domain.ReconStatusDrift, pos.ReconStatus)
	assert.Nil(t, pos.LastReconciledAt)
}

func TestRecover(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	seed := New(store, nil, testLogger())
	openBTC(t, seed, 0.5)
	_, err := seed.Open(ctx, OpenParams{
		Asset: "ETH", EntryPrice: 3000, Size: -1, Leverage: 3, Venue: "coinbase",
	})
	require.NoError(t, err)
	_, err = seed.Close(ctx, "ETH", 2900)
	require.NoError(t, err)

	book := New(store, nil, testLogger())
	require.NoError(t, book.Recover(ctx))

	// Only the non-terminal position comes back.
	assert.Len(t, book.Active(), 1)
	pos, ok := book.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, 0.5, pos.Size)
	_, ok = book.Get("ETH")
	assert.False(t, ok)
}

func TestAtRiskAndSummary(t *testing.T) {
	book, _ := testBook(t)
	ctx := context.Background()

	liq := 49000.0
	_, err := book.Open(ctx, OpenParams{
		Asset: "BTC", EntryPrice: 50000, Size: 1, Leverage: 10,
		Venue: "hyperliquid", LiquidationPrice: &liq,
	})
	require.NoError(t, err)
	_, err = book.Open(ctx, OpenParams{
		Asset: "ETH", EntryPrice: 3000, Size: 10, Leverage: 2, Venue: "coinbase",
	})
	require.NoError(t, err)

	// BTC at 50000 with liq 49000 is 2% away: at risk at the 5% default.
	atRisk := book.AtRisk(domain.DefaultRiskThresholdPct)
	require.Len(t, atRisk, 1)
	assert.Equal(t, "BTC", atRisk[0].Asset)

	s := book.Summarize()
	assert.Equal(t, 2, s.TotalPositions)
	assert.Equal(t, 1, s.PositionsAtRisk)
	assert.InDelta(t, 80000.0, s.TotalNotional, 1e-9) // 1*50000 + 10*3000
	assert.InDelta(t, 0.0, s.TotalUnrealizedPnL, 1e-9)
	assert.ElementsMatch(t, []string{"BTC", "ETH"}, s.Assets)
}
