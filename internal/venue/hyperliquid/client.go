// Package hyperliquid implements the domain venue client for the
// Hyperliquid perp DEX: REST /info for state, signed /exchange actions for
// orders, and a websocket price feed.
package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rrrcapital/ledgerd/internal/crypto"
	"github.com/rrrcapital/ledgerd/internal/domain"
)

// Name is the venue identifier used in Position.Venue.
const Name = "hyperliquid"

// marketSlippage pads the limit price of IOC orders so they cross the book
// like a market order.
const marketSlippage = 0.01

// Client is the Hyperliquid REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	address    string

	// coin -> universe index, lazily fetched from /info meta.
	assetMu    sync.Mutex
	assetIndex map[string]int
}

// New creates a Client. signer may be nil for read-only use; order placement
// then fails.
//
// baseURL is the API root, e.g. "https://api.hyperliquid.xyz".
func New(baseURL string, signer *crypto.Signer) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer: signer,
	}
	if signer != nil {
		c.address = signer.Address().Hex()
	}
	return c
}

// Name implements domain.VenueClient.
func (c *Client) Name() string { return Name }

// OpenPositions fetches the clearinghouse state and returns every non-zero
// perp position.
func (c *Client) OpenPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	if c.address == "" {
		return nil, fmt.Errorf("hyperliquid: open positions: no signer configured")
	}

	var state clearinghouseState
	if err := c.postInfo(ctx, infoRequest{Type: "clearinghouseState", User: c.address}, &state); err != nil {
		return nil, fmt.Errorf("hyperliquid: open positions: %w", err)
	}

	now := time.Now().UTC()
	positions := make([]domain.VenuePosition, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		vp := ap.Position.toDomainPosition(now)
		if vp.Size == 0 {
			continue
		}
		positions = append(positions, vp)
	}
	return positions, nil
}

// Price returns the current mid for asset from the allMids snapshot.
func (c *Client) Price(ctx context.Context, asset string) (float64, error) {
	mids, err := c.AllMids(ctx)
	if err != nil {
		return 0, err
	}
	price, ok := mids[asset]
	if !ok {
		return 0, fmt.Errorf("hyperliquid: price %s: %w", asset, domain.ErrNotFound)
	}
	return price, nil
}

// AllMids fetches the mid price of every listed asset.
func (c *Client) AllMids(ctx context.Context) (map[string]float64, error) {
	var raw map[string]string
	if err := c.postInfo(ctx, infoRequest{Type: "allMids"}, &raw); err != nil {
		return nil, fmt.Errorf("hyperliquid: all mids: %w", err)
	}

	mids := make(map[string]float64, len(raw))
	for coin, px := range raw {
		mids[coin] = parseFloat(px)
	}
	return mids, nil
}

// PlaceOrder submits a signed IOC order through /exchange. Market orders are
// expressed as aggressive IOC limits around the current mid.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if c.signer == nil {
		return domain.OrderResult{}, fmt.Errorf("hyperliquid: place order: no signer configured")
	}

	assetIdx, err := c.resolveAsset(ctx, req.Asset)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("hyperliquid: place order %s: %w", req.Asset, err)
	}

	limitPx := req.LimitPrice
	tif := "Gtc"
	if req.Type == domain.OrderTypeMarket {
		mid, err := c.Price(ctx, req.Asset)
		if err != nil {
			return domain.OrderResult{}, fmt.Errorf("hyperliquid: place order %s: %w", req.Asset, err)
		}
		if req.Side == domain.OrderSideBuy {
			limitPx = mid * (1 + marketSlippage)
		} else {
			limitPx = mid * (1 - marketSlippage)
		}
		tif = "Ioc"
	}

	action := orderAction{
		Type: "order",
		Orders: []wireOrder{{
			Asset:      assetIdx,
			IsBuy:      req.Side == domain.OrderSideBuy,
			LimitPx:    formatPx(limitPx),
			Size:       formatSz(req.Size),
			ReduceOnly: req.ReduceOnly,
			OrderType:  wireOrderType{Limit: wireLimit{Tif: tif}},
		}},
		Grouping: "na",
	}

	nonce := time.Now().UnixMilli()
	sig, err := c.signer.SignAction(action, nonce)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("hyperliquid: place order %s: %w", req.Asset, err)
	}

	var resp exchangeResponse
	if err := c.post(ctx, "/exchange", exchangeRequest{
		Action:    action,
		Nonce:     nonce,
		Signature: sig,
	}, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("hyperliquid: place order %s: %w", req.Asset, err)
	}

	if resp.Status != "ok" {
		return domain.OrderResult{
			Status: domain.OrderStatusRejected,
		}, fmt.Errorf("hyperliquid: place order %s: status %q", req.Asset, resp.Status)
	}
	if len(resp.Response.Data.Statuses) == 0 {
		return domain.OrderResult{}, fmt.Errorf("hyperliquid: place order %s: empty status", req.Asset)
	}

	status := resp.Response.Data.Statuses[0]
	switch {
	case status.Error != "":
		return domain.OrderResult{
			Status: domain.OrderStatusRejected,
		}, fmt.Errorf("hyperliquid: order rejected: %s", status.Error)
	case status.Filled != nil:
		return domain.OrderResult{
			OrderID:    strconv.FormatInt(status.Filled.Oid, 10),
			Status:     domain.OrderStatusFilled,
			FilledSize: parseFloat(status.Filled.TotalSz),
			AvgPrice:   parseFloat(status.Filled.AvgPx),
		}, nil
	case status.Resting != nil:
		return domain.OrderResult{
			OrderID: strconv.FormatInt(status.Resting.Oid, 10),
			Status:  domain.OrderStatusPending,
		}, nil
	default:
		return domain.OrderResult{}, fmt.Errorf("hyperliquid: place order %s: unrecognized status", req.Asset)
	}
}

// Balance fetches the account value and withdrawable margin.
func (c *Client) Balance(ctx context.Context) (domain.Balance, error) {
	if c.address == "" {
		return domain.Balance{}, fmt.Errorf("hyperliquid: balance: no signer configured")
	}

	var state clearinghouseState
	if err := c.postInfo(ctx, infoRequest{Type: "clearinghouseState", User: c.address}, &state); err != nil {
		return domain.Balance{}, fmt.Errorf("hyperliquid: balance: %w", err)
	}

	return domain.Balance{
		Total:     parseFloat(state.MarginSummary.AccountValue),
		Available: parseFloat(state.Withdrawable),
	}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// resolveAsset maps a coin name to its universe index, fetching and caching
// the meta listing on first use.
func (c *Client) resolveAsset(ctx context.Context, coin string) (int, error) {
	c.assetMu.Lock()
	defer c.assetMu.Unlock()

	if c.assetIndex == nil {
		var meta metaResponse
		if err := c.postInfo(ctx, infoRequest{Type: "meta"}, &meta); err != nil {
			return 0, fmt.Errorf("fetch meta: %w", err)
		}
		c.assetIndex = make(map[string]int, len(meta.Universe))
		for i, a := range meta.Universe {
			c.assetIndex[a.Name] = i
		}
	}

	idx, ok := c.assetIndex[coin]
	if !ok {
		return 0, fmt.Errorf("unknown asset %q: %w", coin, domain.ErrNotFound)
	}
	return idx, nil
}

func (c *Client) postInfo(ctx context.Context, req infoRequest, out any) error {
	return c.post(ctx, "/info", req, out)
}

// post sends a JSON POST and decodes the response into out. Transport
// failures wrap ErrVenueUnavailable so reconciliation can degrade cleanly.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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

func formatPx(px float64) string {
	return strconv.FormatFloat(px, 'f', -1, 64)
}

func formatSz(sz float64) string {
	return strconv.FormatFloat(sz, 'f', -1, 64)
}

// Compile-time interface check.
var _ domain.VenueClient = (*Client)(nil)
