// Package derived holds the pure parts of the derived-state engine:
// position accounting and window statistics. Functions here take values and
// return values; the store decides when to read and persist them. Money and
// share amounts stay in decimal arithmetic; float64 appears only in the
// statistics layer where bounded error is acceptable.
package derived

import (
	"time"

	"github.com/shopspring/decimal"

	"polymarket-indexer/pkg/types"
)

// ApplyBuy folds a buy of shares at cost into a position. The average buy
// price is recomputed from the running cost basis.
func ApplyBuy(pos types.UserMarketPosition, shares, cost decimal.Decimal, at time.Time) types.UserMarketPosition {
	pos.TotalSharesBought = pos.TotalSharesBought.Add(shares)
	pos.CurrentShares = pos.CurrentShares.Add(shares)
	pos.TotalCostBasis = pos.TotalCostBasis.Add(cost)
	if pos.TotalSharesBought.IsPositive() {
		pos.AverageBuyPrice = pos.TotalCostBasis.Div(pos.TotalSharesBought)
	}
	if pos.FirstTradeAt.IsZero() {
		pos.FirstTradeAt = at
	}
	pos.LastTradeAt = at
	return pos
}

// ApplySell folds a sell of shares for proceeds into a position. Realized
// PnL grows by proceeds minus the average cost of the shares sold; the
// average buy price itself is unchanged by sells.
func ApplySell(pos types.UserMarketPosition, shares, proceeds decimal.Decimal, at time.Time) types.UserMarketPosition {
	pos.TotalSharesSold = pos.TotalSharesSold.Add(shares)
	pos.CurrentShares = pos.CurrentShares.Sub(shares)
	pos.TotalProceeds = pos.TotalProceeds.Add(proceeds)
	if pos.AverageBuyPrice.IsPositive() {
		costOfSold := pos.AverageBuyPrice.Mul(shares)
		pos.RealizedPnL = pos.RealizedPnL.Add(proceeds.Sub(costOfSold))
	}
	pos.LastTradeAt = at
	return pos
}

// ApplyTrade folds one fill into a position. Buys always apply. A sell
// against a position that does not exist yet has no cost basis to realize
// against, so it is skipped: the returned position is unchanged and write
// is false. exists reports whether the position was loaded from storage.
func ApplyTrade(pos types.UserMarketPosition, exists, isBuy bool, shares, amount decimal.Decimal, at time.Time) (result types.UserMarketPosition, write bool) {
	if isBuy {
		return ApplyBuy(pos, shares, amount, at), true
	}
	if !exists {
		return pos, false
	}
	return ApplySell(pos, shares, amount, at), true
}

// UnrealizedPnL values the still-open shares at the current market price.
func UnrealizedPnL(pos types.UserMarketPosition, currentPrice decimal.Decimal) decimal.Decimal {
	if !pos.CurrentShares.IsPositive() {
		return decimal.Zero
	}
	return pos.CurrentShares.Mul(currentPrice.Sub(pos.AverageBuyPrice))
}

// TradePrice derives the fill price from maker and taker amounts: taker
// collateral per maker share, clamped to [0,1]. A zero maker amount has no
// meaningful price; 0.5 is recorded as the uninformative midpoint.
func TradePrice(makerAmount, takerAmount decimal.Decimal) decimal.Decimal {
	if !makerAmount.IsPositive() {
		return decimal.NewFromFloat(0.5)
	}
	price := takerAmount.Div(makerAmount)
	if price.IsNegative() {
		return decimal.Zero
	}
	if price.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return price
}
