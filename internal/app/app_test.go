package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rrrcapital/ledgerd/internal/domain"
)

func TestRunResult(t *testing.T) {
	assert.NoError(t, runResult(nil))
	assert.NoError(t, runResult(context.Canceled))
	// errgroup tasks return cancellation wrapped; still a clean shutdown.
	assert.NoError(t, runResult(fmt.Errorf("app: price feed: %w", context.Canceled)))

	err := runResult(fmt.Errorf("listen tcp: address in use"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "app:")
}

func TestLiquidated(t *testing.T) {
	liq := func(p float64) *float64 { return &p }

	cases := []struct {
		name string
		pos  domain.Position
		want bool
	}{
		{"long above liquidation", domain.Position{Size: 1, CurrentPrice: 50000, LiquidationPrice: liq(40000)}, false},
		{"long crossed", domain.Position{Size: 1, CurrentPrice: 39999, LiquidationPrice: liq(40000)}, true},
		{"short below liquidation", domain.Position{Size: -1, CurrentPrice: 50000, LiquidationPrice: liq(60000)}, false},
		{"short crossed", domain.Position{Size: -1, CurrentPrice: 60001, LiquidationPrice: liq(60000)}, true},
		{"no liquidation price", domain.Position{Size: 1, CurrentPrice: 50000}, false},
		{"no mark price yet", domain.Position{Size: 1, LiquidationPrice: liq(40000)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, liquidated(tc.pos))
		})
	}
}
