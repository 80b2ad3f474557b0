package exchange

import (
	"math/big"
	"testing"

	"github.com/jaboofin/polyclaudev3/pkg/types"
)

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		price   float64
		size    float64
		side    types.OrderSide
		wantMkr int64 // expected makerAmount (6 decimal USDC)
		wantTkr int64 // expected takerAmount (6 decimal USDC)
	}{
		{
			name:    "BUY at 0.50, size 100",
			price:   0.50,
			size:    100.0,
			side:    types.BUY,
			wantMkr: 50_000_000,  // 100 * 0.50 = 50 USDC
			wantTkr: 100_000_000, // 100 tokens
		},
		{
			name:    "SELL at 0.50, size 100",
			price:   0.50,
			size:    100.0,
			side:    types.SELL,
			wantMkr: 100_000_000, // 100 tokens
			wantTkr: 50_000_000,  // 100 * 0.50 = 50 USDC
		},
		{
			name:    "BUY at 0.75, size 10",
			price:   0.75,
			size:    10.0,
			side:    types.BUY,
			wantMkr: 7_500_000,  // 10 * 0.75 = 7.5 USDC
			wantTkr: 10_000_000, // 10 tokens
		},
		{
			name:    "BUY small size truncated",
			price:   0.55,
			size:    1.999, // truncated to 1.99
			side:    types.BUY,
			wantMkr: 1_094_500, // 1.99 * 0.55 = 1.0945 USDC exactly
			wantTkr: 1_990_000, // 1.99 tokens
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mkr, tkr := PriceToAmounts(tt.price, tt.size, tt.side)

			if mkr.Cmp(big.NewInt(tt.wantMkr)) != 0 {
				t.Errorf("makerAmount = %s, want %d", mkr.String(), tt.wantMkr)
			}
			if tkr.Cmp(big.NewInt(tt.wantTkr)) != 0 {
				t.Errorf("takerAmount = %s, want %d", tkr.String(), tt.wantTkr)
			}
		})
	}
}

func TestPriceToAmountsSellMirrorsBuy(t *testing.T) {
	t.Parallel()

	// For the same price/size, BUY's maker == SELL's taker (USDC)
	// and BUY's taker == SELL's maker (tokens).
	buyMkr, buyTkr := PriceToAmounts(0.60, 50.0, types.BUY)
	sellMkr, sellTkr := PriceToAmounts(0.60, 50.0, types.SELL)

	if buyMkr.Cmp(sellTkr) != 0 {
		t.Errorf("BUY maker (%s) != SELL taker (%s)", buyMkr, sellTkr)
	}
	if buyTkr.Cmp(sellMkr) != 0 {
		t.Errorf("BUY taker (%s) != SELL maker (%s)", buyTkr, sellMkr)
	}
}

func TestPriceToAmountsBinaryComplement(t *testing.T) {
	t.Parallel()

	// 0.55 is awkward in binary floating point; decimal math must still
	// produce the exact USDC amount.
	mkr, tkr := PriceToAmounts(0.55, 100.0, types.BUY)
	if mkr.Cmp(big.NewInt(55_000_000)) != 0 {
		t.Errorf("makerAmount = %s, want 55000000", mkr.String())
	}
	if tkr.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("takerAmount = %s, want 100000000", tkr.String())
	}
}
