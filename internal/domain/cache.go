package domain

import (
	"context"
	"time"
)

// PriceCache holds the latest observed price per asset. Fed by venue price
// streams, read by the ledger price-update loop and the allocation manager.
type PriceCache interface {
	SetPrice(ctx context.Context, asset string, price float64, ts time.Time) error
	// GetPrice returns ErrNotFound when no price has been observed.
	GetPrice(ctx context.Context, asset string) (float64, time.Time, error)
	// GetPrices returns the subset of assets with a cached price; assets
	// without one are omitted, not errors.
	GetPrices(ctx context.Context, assets []string) (map[string]float64, error)
}

// RateLimiter provides distributed rate limiting for the API surface.
type RateLimiter interface {
	// Allow reports whether a request for key is permitted under a sliding
	// window of limit requests per window. Allowed requests are counted.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// EventBus publishes ledger lifecycle and reconciliation events for
// downstream consumers (dashboard, alerting).
type EventBus interface {
	// Publish sends an ephemeral event to the named channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// StreamAppend appends an event to a durable, length-capped stream.
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}
