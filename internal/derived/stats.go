package derived

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// TradePoint is one trade as seen by the statistics layer: price, volume
// and when it happened. Slices passed to the functions below are ordered
// newest-first, matching the store's recent-trades query.
type TradePoint struct {
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

// PriceAt returns the price of the oldest trade inside the window ending at
// now, or the current (newest) price when no trade falls inside it.
func PriceAt(trades []TradePoint, window time.Duration, now time.Time) decimal.Decimal {
	if len(trades) == 0 {
		return decimal.Zero
	}
	cutoff := now.Add(-window)
	oldest := trades[0].Price
	found := false
	for _, t := range trades {
		if t.Timestamp.After(cutoff) {
			oldest = t.Price
			found = true
		}
	}
	if !found {
		return trades[0].Price
	}
	return oldest
}

// PercentChange is (now - then) / then * 100, zero when then is not positive.
func PercentChange(now, then decimal.Decimal) decimal.Decimal {
	if !then.IsPositive() {
		return decimal.Zero
	}
	return now.Sub(then).Div(then).Mul(decimal.NewFromInt(100))
}

// PriceMomentum is the fractional change from the oldest to the newest
// trade in the slice: (last - first) / first.
func PriceMomentum(trades []TradePoint) decimal.Decimal {
	if len(trades) < 2 {
		return decimal.Zero
	}
	first := trades[len(trades)-1].Price
	last := trades[0].Price
	if !first.IsPositive() {
		return decimal.Zero
	}
	return last.Sub(first).Div(first)
}

// VolumeMomentum compares the recent half of the slice against the older
// half: (V_recent - V_older) / V_older, zero when the older half traded
// nothing. With fewer than two trades there are no halves to compare.
func VolumeMomentum(trades []TradePoint) decimal.Decimal {
	if len(trades) < 2 {
		return decimal.Zero
	}
	mid := len(trades) / 2
	recent := decimal.Zero
	for _, t := range trades[:mid] {
		recent = recent.Add(t.Volume)
	}
	older := decimal.Zero
	for _, t := range trades[mid:] {
		older = older.Add(t.Volume)
	}
	if !older.IsPositive() {
		return decimal.Zero
	}
	return recent.Sub(older).Div(older)
}

// TurnoverRatio is volume24h / liquidity, zero when liquidity is not
// positive.
func TurnoverRatio(volume24h, liquidity decimal.Decimal) decimal.Decimal {
	if !liquidity.IsPositive() {
		return decimal.Zero
	}
	return volume24h.Div(liquidity)
}

// Volatility is the population standard deviation of the trade prices,
// zero with fewer than two samples. Computed in float64; the bounded error
// is acceptable for a dispersion measure.
func Volatility(trades []TradePoint) decimal.Decimal {
	if len(trades) < 2 {
		return decimal.Zero
	}
	prices := make([]float64, len(trades))
	var sum float64
	for i, t := range trades {
		p, _ := t.Price.Float64()
		prices[i] = p
		sum += p
	}
	mean := sum / float64(len(prices))
	var variance float64
	for _, p := range prices {
		d := p - mean
		variance += d * d
	}
	variance /= float64(len(prices))
	return decimal.NewFromFloat(math.Sqrt(variance))
}
