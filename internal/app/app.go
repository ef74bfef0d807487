// Package app provides the top-level application lifecycle for the position
// ledger daemon. It wires together all dependencies (store, caches, venue
// clients, ledger, reconciliation, allocation, execution, notifications) and
// supervises the background tasks.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rrrcapital/ledgerd/internal/config"
	"github.com/rrrcapital/ledgerd/internal/domain"
)

// shutdownGrace is how long in-flight HTTP requests get to finish.
const shutdownGrace = 10 * time.Second

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, recovers the
// ledger from the store, starts the background tasks, and blocks until the
// context is cancelled or a task fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	// Rebuild the active ledger from durable storage before anything reads
	// or mutates it.
	if err := deps.Book.Recover(ctx); err != nil {
		return fmt.Errorf("app: recover ledger: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Reconciliation loop.
	g.Go(func() error {
		return deps.Engine.Run(ctx)
	})

	// Price feed: stream venue mid prices into the cache and the ledger.
	if deps.PriceFeed != nil {
		deps.PriceFeed.OnMids(func(mids map[string]float64) {
			a.applyPrices(ctx, deps, mids)
		})
		g.Go(func() error {
			if err := deps.PriceFeed.Connect(ctx); err != nil {
				return fmt.Errorf("app: price feed: %w", err)
			}
			<-ctx.Done()
			return ctx.Err()
		})
	}

	// Allocation drift check.
	g.Go(func() error {
		return a.allocationLoop(ctx, deps)
	})

	// Retention archiver.
	if deps.Archiver != nil {
		retention := time.Duration(a.cfg.Retention.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.Retention.CheckInterval.Duration, retention)
		})
	}

	// HTTP API.
	if deps.Server != nil {
		g.Go(func() error {
			return deps.Server.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return deps.Server.Shutdown(shutdownCtx)
		})
	}

	return runResult(g.Wait())
}

// runResult maps a task-group outcome to Run's return: cancellation, wrapped
// or not, is a clean shutdown.
func runResult(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("app: %w", err)
}

// applyPrices pushes a mid-price snapshot into the price cache and the
// ledger, then sweeps for positions the venue would have liquidated.
func (a *App) applyPrices(ctx context.Context, deps *Dependencies, mids map[string]float64) {
	// Only track assets the ledger holds; the feed covers every listed coin.
	active := deps.Book.Active()
	if len(active) == 0 {
		return
	}

	now := time.Now().UTC()
	prices := make(map[string]float64, len(active))
	for _, pos := range active {
		price, ok := mids[pos.Asset]
		if !ok || price <= 0 {
			continue
		}
		prices[pos.Asset] = price
		if err := deps.PriceCache.SetPrice(ctx, pos.Asset, price, now); err != nil {
			a.logger.WarnContext(ctx, "price cache write failed",
				slog.String("asset", pos.Asset),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(prices) == 0 {
		return
	}

	if _, err := deps.Book.ApplyPriceUpdates(ctx, prices); err != nil {
		a.logger.WarnContext(ctx, "price updates partially failed",
			slog.String("error", err.Error()),
		)
	}

	a.sweepLiquidations(ctx, deps)
}

// sweepLiquidations force-closes positions whose mark price has crossed the
// venue's liquidation price. The venue has already seized the position at
// that point; the ledger records the terminal state.
func (a *App) sweepLiquidations(ctx context.Context, deps *Dependencies) {
	for _, pos := range deps.Book.Active() {
		if !liquidated(pos) {
			continue
		}
		outcome, err := deps.Book.Liquidate(ctx, pos.Asset, *pos.LiquidationPrice)
		if err != nil {
			a.logger.ErrorContext(ctx, "failed to record liquidation",
				slog.String("asset", pos.Asset),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.logger.WarnContext(ctx, "position liquidated",
			slog.String("asset", pos.Asset),
			slog.String("venue", pos.Venue),
			slog.Float64("realized_pnl", outcome.RealizedPnL),
		)
		deps.Alerts.NotifyLiquidation(ctx, outcome.Position, outcome.RealizedPnL)
	}
}

// liquidated reports whether the mark price has crossed the liquidation
// price: below it for longs, above it for shorts.
func liquidated(pos domain.Position) bool {
	if pos.LiquidationPrice == nil || pos.CurrentPrice <= 0 {
		return false
	}
	if pos.Size > 0 {
		return pos.CurrentPrice <= *pos.LiquidationPrice
	}
	return pos.CurrentPrice >= *pos.LiquidationPrice
}

// allocationLoop periodically checks venue allocation against targets and
// alerts when outside tolerance.
func (a *App) allocationLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Allocation.CheckInterval.Duration
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if status, drifted := deps.Alloc.CheckDrift(ctx); drifted {
				deps.Alerts.NotifyAllocation(ctx, status)
			}
		}
	}
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
