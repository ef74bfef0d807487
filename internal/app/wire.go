package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rrrcapital/ledgerd/internal/allocation"
	s3blob "github.com/rrrcapital/ledgerd/internal/blob/s3"
	"github.com/rrrcapital/ledgerd/internal/cache/redis"
	"github.com/rrrcapital/ledgerd/internal/config"
	"github.com/rrrcapital/ledgerd/internal/crypto"
	"github.com/rrrcapital/ledgerd/internal/domain"
	"github.com/rrrcapital/ledgerd/internal/executor"
	"github.com/rrrcapital/ledgerd/internal/ledger"
	"github.com/rrrcapital/ledgerd/internal/notify"
	"github.com/rrrcapital/ledgerd/internal/reconcile"
	"github.com/rrrcapital/ledgerd/internal/server"
	"github.com/rrrcapital/ledgerd/internal/server/handler"
	"github.com/rrrcapital/ledgerd/internal/store/postgres"
	"github.com/rrrcapital/ledgerd/internal/venue/coinbase"
	"github.com/rrrcapital/ledgerd/internal/venue/hyperliquid"
)

// Dependencies bundles everything the application lifecycle needs to operate.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Store       domain.PositionStore
	PriceCache  domain.PriceCache
	Bus         domain.EventBus
	RateLimiter domain.RateLimiter

	Book   *ledger.Book
	Engine *reconcile.Engine
	Alloc  *allocation.Manager
	Exec   *executor.Facade

	Venues []domain.VenueClient

	// PriceFeed streams Hyperliquid mid prices; nil when the venue is
	// disabled.
	PriceFeed *hyperliquid.WSClient

	// Archiver is nil when retention is disabled.
	Archiver *s3blob.Archiver

	Alerts *notify.AlertSink

	// Server is nil when the HTTP API is disabled.
	Server *server.Server
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	deps.Store = postgres.NewPositionStore(pgClient.Pool())

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
	deps.Bus = redis.NewEventBus(redisClient, int64(cfg.Redis.StreamMaxLen))
	deps.RateLimiter = redis.NewRateLimiter(redisClient)

	// --- Venue clients ---
	if cfg.Hyperliquid.Enabled {
		key, err := crypto.LoadKey(crypto.KeySource{
			RawPrivateKey:    cfg.Signer.PrivateKey,
			EncryptedKeyPath: cfg.Signer.EncryptedKeyPath,
			KeyPassword:      cfg.Signer.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signing key: %w", err)
		}
		signer, err := crypto.NewSigner(key, cfg.Signer.Source)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signer: %w", err)
		}
		deps.Venues = append(deps.Venues, hyperliquid.New(cfg.Hyperliquid.BaseURL, signer))
		deps.PriceFeed = hyperliquid.NewWSClient(cfg.Hyperliquid.WSURL)
		closers = append(closers, func() { _ = deps.PriceFeed.Close() })
	}
	if cfg.Coinbase.Enabled {
		auth := &crypto.HMACAuth{
			Key:    cfg.Coinbase.APIKey,
			Secret: cfg.Coinbase.APISecret,
		}
		deps.Venues = append(deps.Venues, coinbase.New(cfg.Coinbase.BaseURL, auth))
	}

	// --- Ledger + managers ---
	deps.Book = ledger.New(deps.Store, deps.Bus, logger)

	deps.Alloc = allocation.New(
		deps.Book,
		allocationTargets(cfg.Allocation.Targets),
		cfg.Allocation.Tolerance,
		cfg.Allocation.DefaultVenue,
		logger,
	)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Alerts = notify.NewAlertSink(notify.NewNotifier(senders, cfg.Notify.Events, logger), logger)

	// --- Reconciliation ---
	deps.Engine = reconcile.New(deps.Book, deps.Venues, deps.Bus, deps.Alerts, logger, reconcile.Config{
		Interval:        cfg.Reconcile.Interval.Duration,
		VenueTimeout:    cfg.Reconcile.VenueTimeout.Duration,
		DriftHistoryMax: cfg.Reconcile.DriftHistoryMax,
	})

	// --- Execution ---
	deps.Exec = executor.New(deps.Book, deps.Alloc, deps.Venues, logger)

	// --- Retention archiver ---
	if cfg.Retention.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Store, logger)
	}

	// --- HTTP server ---
	if cfg.Server.Enabled {
		handlers := server.Handlers{
			Health: handler.NewHealthHandler(map[string]handler.Pinger{
				"postgres": pgClient,
				"redis":    redisClient,
			}, logger),
			Positions:  handler.NewPositionHandler(deps.Book, deps.Exec, logger),
			Reconcile:  handler.NewReconcileHandler(deps.Engine, logger),
			Allocation: handler.NewAllocationHandler(deps.Alloc, logger),
		}
		deps.Server = server.NewServer(server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
			RateLimit:   cfg.Server.RateLimit,
			RateWindow:  cfg.Server.RateWindow.Duration,
		}, handlers, deps.RateLimiter, logger)
	}

	return deps, cleanup, nil
}

// allocationTargets converts the config map into the ordered slice the
// allocation manager expects. Order decides tie-breaks in venue selection, so
// sort by descending target (then name) to keep it deterministic.
func allocationTargets(targets map[string]float64) []allocation.VenueTarget {
	out := make([]allocation.VenueTarget, 0, len(targets))
	for venue, target := range targets {
		out = append(out, allocation.VenueTarget{Venue: venue, Target: target})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target > out[j].Target
		}
		return out[i].Venue < out[j].Venue
	})
	return out
}
