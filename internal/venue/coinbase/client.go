// Package coinbase implements the domain venue client for the Coinbase
// Advanced Trade API. Coinbase is a spot venue here: holdings map to
// unleveraged positions with no liquidation price, and market orders are
// immediate-or-cancel.
package coinbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rrrcapital/ledgerd/internal/crypto"
	"github.com/rrrcapital/ledgerd/internal/domain"
)

// Name is the venue identifier used in Position.Venue.
const Name = "coinbase"

// quoteCurrency is the quote leg for all traded products.
const quoteCurrency = "USD"

// Client is the Advanced Trade REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
}

// New creates a Client.
//
// baseURL is the API root, e.g. "https://api.coinbase.com".
func New(baseURL string, auth *crypto.HMACAuth) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		auth: auth,
	}
}

// Name implements domain.VenueClient.
func (c *Client) Name() string { return Name }

// accountsResponse is the GET /api/v3/brokerage/accounts reply.
type accountsResponse struct {
	Accounts []account `json:"accounts"`
}

type account struct {
	UUID             string       `json:"uuid"`
	Currency         string       `json:"currency"`
	Type             string       `json:"type"`
	AvailableBalance moneyAmount  `json:"available_balance"`
	Hold             *moneyAmount `json:"hold,omitempty"`
}

type moneyAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

func (m moneyAmount) float() float64 {
	f, err := strconv.ParseFloat(m.Value, 64)
	if err != nil {
		return 0
	}
	return f
}

// OpenPositions maps non-zero crypto holdings to venue positions. Spot
// accounts carry no entry price or liquidation price; entry is reported as
// zero, meaning unknown.
func (c *Client) OpenPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	var resp accountsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/brokerage/accounts", nil, &resp); err != nil {
		return nil, fmt.Errorf("coinbase: open positions: %w", err)
	}

	now := time.Now().UTC()
	var positions []domain.VenuePosition
	for _, acct := range resp.Accounts {
		if acct.Type != "ACCOUNT_TYPE_CRYPTO" {
			continue
		}
		size := acct.AvailableBalance.float()
		if acct.Hold != nil {
			size += acct.Hold.float()
		}
		if size == 0 {
			continue
		}
		positions = append(positions, domain.VenuePosition{
			Asset:      acct.Currency,
			Size:       size,
			Leverage:   1,
			PositionID: acct.UUID,
			Timestamp:  now,
		})
	}
	return positions, nil
}

// productResponse is the GET /api/v3/brokerage/products/{id} reply, trimmed
// to what we read.
type productResponse struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
}

// Price returns the current spot price for asset against USD.
func (c *Client) Price(ctx context.Context, asset string) (float64, error) {
	path := "/api/v3/brokerage/products/" + asset + "-" + quoteCurrency

	var resp productResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, fmt.Errorf("coinbase: price %s: %w", asset, err)
	}

	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("coinbase: price %s: parse %q: %w", asset, resp.Price, err)
	}
	return price, nil
}

// orderRequest is the POST /api/v3/brokerage/orders body.
type orderRequest struct {
	ClientOrderID      string             `json:"client_order_id"`
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"` // "BUY" or "SELL"
	OrderConfiguration orderConfiguration `json:"order_configuration"`
}

type orderConfiguration struct {
	MarketIOC *marketIOC `json:"market_market_ioc,omitempty"`
	LimitGTC  *limitGTC  `json:"limit_limit_gtc,omitempty"`
}

type marketIOC struct {
	BaseSize string `json:"base_size"`
}

type limitGTC struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
}

// orderResponse is the POST /api/v3/brokerage/orders reply.
type orderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID string `json:"order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	} `json:"error_response"`
}

// PlaceOrder submits an order. The API does not return fill details inline,
// so a successful market order reports the requested size and no average
// price; callers resolve the fill price from Price.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	side := "BUY"
	if req.Side == domain.OrderSideSell {
		side = "SELL"
	}

	body := orderRequest{
		ClientOrderID: uuid.New().String(),
		ProductID:     req.Asset + "-" + quoteCurrency,
		Side:          side,
	}
	size := strconv.FormatFloat(req.Size, 'f', -1, 64)
	if req.Type == domain.OrderTypeLimit {
		body.OrderConfiguration.LimitGTC = &limitGTC{
			BaseSize:   size,
			LimitPrice: strconv.FormatFloat(req.LimitPrice, 'f', -1, 64),
		}
	} else {
		body.OrderConfiguration.MarketIOC = &marketIOC{BaseSize: size}
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/brokerage/orders", body, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("coinbase: place order %s: %w", req.Asset, err)
	}

	if !resp.Success {
		return domain.OrderResult{
			Status: domain.OrderStatusRejected,
		}, fmt.Errorf("coinbase: order rejected: %s: %s", resp.ErrorResponse.Error, resp.ErrorResponse.Message)
	}

	status := domain.OrderStatusFilled
	if req.Type == domain.OrderTypeLimit {
		status = domain.OrderStatusPending
	}
	return domain.OrderResult{
		OrderID:    resp.SuccessResponse.OrderID,
		Status:     status,
		FilledSize: req.Size,
	}, nil
}

// Balance sums the USD account.
func (c *Client) Balance(ctx context.Context) (domain.Balance, error) {
	var resp accountsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/brokerage/accounts", nil, &resp); err != nil {
		return domain.Balance{}, fmt.Errorf("coinbase: balance: %w", err)
	}

	var bal domain.Balance
	for _, acct := range resp.Accounts {
		if acct.Currency != quoteCurrency {
			continue
		}
		available := acct.AvailableBalance.float()
		bal.Available += available
		bal.Total += available
		if acct.Hold != nil {
			bal.Total += acct.Hold.float()
		}
	}
	return bal, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do builds, signs, and sends a request, decoding the JSON response into
// out. Transport failures wrap ErrVenueUnavailable.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.auth != nil {
		for k, v := range c.auth.Headers(method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrVenueUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrVenueUnavailable, err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrVenueUnavailable, statusCode, bodyStr)
	}
}

// Compile-time interface check.
var _ domain.VenueClient = (*Client)(nil)
