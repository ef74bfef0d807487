package notify

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rrrcapital/ledgerd/internal/allocation"
	"github.com/rrrcapital/ledgerd/internal/domain"
	"github.com/rrrcapital/ledgerd/internal/reconcile"
)

type recordingSender struct {
	mu       sync.Mutex
	titles   []string
	messages []string
}

func (s *recordingSender) Send(_ context.Context, title, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.titles)
}

func testSink(events []string) (*AlertSink, *recordingSender) {
	sender := &recordingSender{}
	logger := slog.New(slog.DiscardHandler)
	return NewAlertSink(NewNotifier([]Sender{sender}, events, logger), logger), sender
}

func driftResult() reconcile.Result {
	return reconcile.Result{
		Asset:      "BTC",
		Venue:      "hyperliquid",
		Status:     domain.ReconStatusDrift,
		Reason:     reconcile.DriftReasonSizeMismatch,
		LocalSize:  0.5,
		VenueSize:  0.4,
		LocalPrice: 50000,
		VenuePrice: 50000,
	}
}

func TestNotifyDrift(t *testing.T) {
	sink, sender := testSink(nil)

	sink.NotifyDrift(context.Background(), driftResult(), false)

	assert.Equal(t, 1, sender.count())
	assert.Contains(t, sender.titles[0], "BTC")
	assert.Contains(t, sender.messages[0], "size_mismatch")
}

func TestNotifyDriftSuppressedWhenAllDegraded(t *testing.T) {
	sink, sender := testSink(nil)

	sink.NotifyDrift(context.Background(), driftResult(), true)

	assert.Zero(t, sender.count())
}

func TestNotifyDriftFilteredByEventList(t *testing.T) {
	// Only liquidation alerts are allowed through.
	sink, sender := testSink([]string{EventLiquidation})

	sink.NotifyDrift(context.Background(), driftResult(), false)
	assert.Zero(t, sender.count())

	sink.NotifyLiquidation(context.Background(), domain.Position{
		Asset: "BTC", Venue: "hyperliquid", Size: 0.5, EntryPrice: 50000,
	}, -5000)
	assert.Equal(t, 1, sender.count())
	assert.Contains(t, sender.titles[0], "LIQUIDATED")
}

func TestNotifyAllocation(t *testing.T) {
	sink, sender := testSink(nil)

	sink.NotifyAllocation(context.Background(), allocation.Status{
		TotalNotional: 10000,
		Allocations: []domain.VenueAllocation{
			{Venue: "hyperliquid", Target: 0.8, Actual: 0.9, Drift: 0.1},
			{Venue: "coinbase", Target: 0.2, Actual: 0.1, Drift: -0.1},
		},
	})

	assert.Equal(t, 1, sender.count())
	assert.Contains(t, sender.messages[0], "hyperliquid")
	assert.Contains(t, sender.messages[0], "coinbase")
}
