package derived

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-indexer/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestApplyBuyAveragesCost(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var pos types.UserMarketPosition
	pos = ApplyBuy(pos, d("100"), d("40"), at)
	pos = ApplyBuy(pos, d("100"), d("60"), at.Add(time.Minute))

	if !pos.TotalSharesBought.Equal(d("200")) {
		t.Errorf("TotalSharesBought = %s, want 200", pos.TotalSharesBought)
	}
	if !pos.CurrentShares.Equal(d("200")) {
		t.Errorf("CurrentShares = %s, want 200", pos.CurrentShares)
	}
	if !pos.AverageBuyPrice.Equal(d("0.5")) {
		t.Errorf("AverageBuyPrice = %s, want 0.5", pos.AverageBuyPrice)
	}
	if !pos.FirstTradeAt.Equal(at) {
		t.Errorf("FirstTradeAt = %v, want %v", pos.FirstTradeAt, at)
	}
	if !pos.LastTradeAt.Equal(at.Add(time.Minute)) {
		t.Errorf("LastTradeAt = %v, want %v", pos.LastTradeAt, at.Add(time.Minute))
	}
}

func TestApplySellLocksRealizedPnL(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Buy 100 at 0.40, sell 20 at 0.80: realized = 20 * (0.80 - 0.40) = 8.
	var pos types.UserMarketPosition
	pos = ApplyBuy(pos, d("100"), d("40"), at)
	pos = ApplySell(pos, d("20"), d("16"), at.Add(time.Hour))

	if !pos.RealizedPnL.Equal(d("8")) {
		t.Errorf("RealizedPnL = %s, want 8", pos.RealizedPnL)
	}
	if !pos.CurrentShares.Equal(d("80")) {
		t.Errorf("CurrentShares = %s, want 80", pos.CurrentShares)
	}
	if !pos.AverageBuyPrice.Equal(d("0.4")) {
		t.Errorf("AverageBuyPrice = %s, want 0.4 (sells must not move it)", pos.AverageBuyPrice)
	}
	if !pos.TotalProceeds.Equal(d("16")) {
		t.Errorf("TotalProceeds = %s, want 16", pos.TotalProceeds)
	}
}

func TestApplyTradeSellWithoutPositionIsSkipped(t *testing.T) {
	t.Parallel()
	// No position row exists: the sell must not create one.
	var pos types.UserMarketPosition
	got, write := ApplyTrade(pos, false, false, d("50"), d("25"), time.Now())

	if write {
		t.Fatal("sell without a position must not be written")
	}
	if !got.CurrentShares.IsZero() || !got.TotalProceeds.IsZero() || !got.RealizedPnL.IsZero() {
		t.Errorf("position mutated: shares=%s proceeds=%s pnl=%s",
			got.CurrentShares, got.TotalProceeds, got.RealizedPnL)
	}
}

func TestApplyTradeRoutesBuysAndSells(t *testing.T) {
	t.Parallel()
	at := time.Now()

	// A buy on a fresh position always applies.
	pos, write := ApplyTrade(types.UserMarketPosition{}, false, true, d("100"), d("40"), at)
	if !write {
		t.Fatal("buy must always be written")
	}
	if !pos.CurrentShares.Equal(d("100")) {
		t.Errorf("CurrentShares = %s, want 100", pos.CurrentShares)
	}

	// A sell against an existing position realizes PnL as usual.
	pos, write = ApplyTrade(pos, true, false, d("20"), d("16"), at.Add(time.Hour))
	if !write {
		t.Fatal("sell against an existing position must be written")
	}
	if !pos.RealizedPnL.Equal(d("8")) {
		t.Errorf("RealizedPnL = %s, want 8", pos.RealizedPnL)
	}
	if !pos.CurrentShares.Equal(d("80")) {
		t.Errorf("CurrentShares = %s, want 80", pos.CurrentShares)
	}
}

func TestBuySellBuyKeepsInvariants(t *testing.T) {
	t.Parallel()
	at := time.Now()

	var pos types.UserMarketPosition
	pos = ApplyBuy(pos, d("100"), d("40"), at)
	pos = ApplySell(pos, d("50"), d("30"), at)
	pos = ApplyBuy(pos, d("100"), d("70"), at)

	wantShares := pos.TotalSharesBought.Sub(pos.TotalSharesSold)
	if !pos.CurrentShares.Equal(wantShares) {
		t.Errorf("CurrentShares = %s, want bought-sold = %s", pos.CurrentShares, wantShares)
	}
	// avg = (40 + 70) / 200 = 0.55
	if !pos.AverageBuyPrice.Equal(d("0.55")) {
		t.Errorf("AverageBuyPrice = %s, want 0.55", pos.AverageBuyPrice)
	}
}

func TestUnrealizedPnL(t *testing.T) {
	t.Parallel()
	pos := types.UserMarketPosition{
		CurrentShares:   d("80"),
		AverageBuyPrice: d("0.4"),
	}
	if got := UnrealizedPnL(pos, d("0.6")); !got.Equal(d("16")) {
		t.Errorf("UnrealizedPnL = %s, want 16", got)
	}

	flat := types.UserMarketPosition{CurrentShares: decimal.Zero, AverageBuyPrice: d("0.4")}
	if got := UnrealizedPnL(flat, d("0.9")); !got.IsZero() {
		t.Errorf("UnrealizedPnL on flat position = %s, want 0", got)
	}
}

func TestTradePrice(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		maker string
		taker string
		want  string
	}{
		{"normal", "100", "40", "0.4"},
		{"zero maker falls back to midpoint", "0", "40", "0.5"},
		{"clamped above one", "100", "150", "1"},
		{"exact one", "100", "100", "1"},
		{"zero taker", "100", "0", "0"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := TradePrice(d(tc.maker), d(tc.taker))
			if !got.Equal(d(tc.want)) {
				t.Errorf("TradePrice(%s, %s) = %s, want %s", tc.maker, tc.taker, got, tc.want)
			}
		})
	}
}
