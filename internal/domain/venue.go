package domain

import (
	"context"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the venue-reported state of a placed order.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusCanceled OrderStatus = "canceled"
)

// OrderRequest describes an order to be placed on a venue.
type OrderRequest struct {
	Asset      string
	Side       OrderSide
	Size       float64 // magnitude, always positive
	Type       OrderType
	LimitPrice float64 // only for OrderTypeLimit
	ReduceOnly bool
}

// OrderResult is the venue's response to a placed order.
type OrderResult struct {
	OrderID    string
	Status     OrderStatus
	FilledSize float64
	AvgPrice   float64 // 0 when the venue did not report a fill price
}

// VenuePosition is one position as reported by a venue snapshot.
type VenuePosition struct {
	Asset            string
	Size             float64
	EntryPrice       float64
	CurrentPrice     float64
	Leverage         float64
	LiquidationPrice *float64
	UnrealizedPnL    float64
	PositionID       string
	Timestamp        time.Time
}

// Balance is a venue account balance.
type Balance struct {
	Total     float64
	Available float64
}

// VenueClient is the per-venue capability the ledger core consumes. All
// operations may fail or time out; callers treat failure as missing data for
// reconciliation and as a hard error for order placement. Implementations
// return errors wrapping ErrVenueUnavailable for transport failures.
type VenueClient interface {
	// Name is the venue identifier used in Position.Venue.
	Name() string
	// OpenPositions fetches the venue's current position snapshot.
	OpenPositions(ctx context.Context) ([]VenuePosition, error)
	// Price returns the current price for asset, or ErrNotFound when the
	// venue does not list it.
	Price(ctx context.Context, asset string) (float64, error)
	// PlaceOrder submits an order and returns the venue's fill report.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// Balance fetches the account balance.
	Balance(ctx context.Context) (Balance, error)
}
