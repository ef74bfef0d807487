package hyperliquid

import (
	"strconv"
	"time"

	"github.com/rrrcapital/ledgerd/internal/domain"
)

// ----------------------------------------------------------------------------
// /info payloads
// ----------------------------------------------------------------------------

// infoRequest is the body of every POST /info call.
type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

// clearinghouseState is the account snapshot returned for
// {"type":"clearinghouseState"}.
type clearinghouseState struct {
	AssetPositions []assetPosition `json:"assetPositions"`
	MarginSummary  marginSummary   `json:"marginSummary"`
	Withdrawable   string          `json:"withdrawable"`
}

type marginSummary struct {
	AccountValue string `json:"accountValue"`
	TotalNtlPos  string `json:"totalNtlPos"`
}

type assetPosition struct {
	Position rawPosition `json:"position"`
}

// rawPosition is one perp position as the API reports it. Numeric fields
// arrive as strings.
type rawPosition struct {
	Coin           string      `json:"coin"`
	Szi            string      `json:"szi"` // signed size
	EntryPx        string      `json:"entryPx"`
	PositionValue  string      `json:"positionValue"`
	UnrealizedPnl  string      `json:"unrealizedPnl"`
	LiquidationPx  *string     `json:"liquidationPx"`
	Leverage       rawLeverage `json:"leverage"`
	MaxTradeSzs    []string    `json:"maxTradeSzs,omitempty"`
	ReturnOnEquity string      `json:"returnOnEquity"`
}

type rawLeverage struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// metaResponse is the perp universe returned for {"type":"meta"}.
type metaResponse struct {
	Universe []metaAsset `json:"universe"`
}

type metaAsset struct {
	Name       string `json:"name"`
	SzDecimals int    `json:"szDecimals"`
}

// ----------------------------------------------------------------------------
// /exchange payloads
// ----------------------------------------------------------------------------

// orderAction is the order-placement action signed and posted to /exchange.
// Field names and order follow the wire format; the signature covers the
// serialized form.
type orderAction struct {
	Type     string      `json:"type"`
	Orders   []wireOrder `json:"orders"`
	Grouping string      `json:"grouping"`
}

type wireOrder struct {
	Asset      int           `json:"a"`
	IsBuy      bool          `json:"b"`
	LimitPx    string        `json:"p"`
	Size       string        `json:"s"`
	ReduceOnly bool          `json:"r"`
	OrderType  wireOrderType `json:"t"`
}

type wireOrderType struct {
	Limit wireLimit `json:"limit"`
}

type wireLimit struct {
	Tif string `json:"tif"` // "Ioc" for immediate-or-cancel, "Gtc" for resting
}

// exchangeRequest wraps a signed action.
type exchangeRequest struct {
	Action    any    `json:"action"`
	Nonce     int64  `json:"nonce"`
	Signature any    `json:"signature"`
	VaultAddr string `json:"vaultAddress,omitempty"`
}

// exchangeResponse is the /exchange reply envelope.
type exchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []orderStatus `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

// orderStatus carries exactly one of its fields per order.
type orderStatus struct {
	Filled  *fillDetail `json:"filled,omitempty"`
	Resting *restDetail `json:"resting,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type fillDetail struct {
	TotalSz string `json:"totalSz"`
	AvgPx   string `json:"avgPx"`
	Oid     int64  `json:"oid"`
}

type restDetail struct {
	Oid int64 `json:"oid"`
}

// ----------------------------------------------------------------------------
// Conversions
// ----------------------------------------------------------------------------

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// toDomainPosition maps a raw API position to the domain snapshot type.
func (p rawPosition) toDomainPosition(now time.Time) domain.VenuePosition {
	vp := domain.VenuePosition{
		Asset:         p.Coin,
		Size:          parseFloat(p.Szi),
		EntryPrice:    parseFloat(p.EntryPx),
		Leverage:      p.Leverage.Value,
		UnrealizedPnL: parseFloat(p.UnrealizedPnl),
		PositionID:    p.Coin, // perps are keyed by coin, not order id
		Timestamp:     now,
	}
	if p.LiquidationPx != nil && *p.LiquidationPx != "" {
		liq := parseFloat(*p.LiquidationPx)
		vp.LiquidationPrice = &liq
	}
	// The API reports positionValue = |szi| * mark; back out the mark price.
	if size := vp.Size; size != 0 {
		abs := size
		if abs < 0 {
			abs = -abs
		}
		vp.CurrentPrice = parseFloat(p.PositionValue) / abs
	}
	return vp
}
