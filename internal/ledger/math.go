// Package ledger implements the trade ledger: position sizing, margin
// accounting, PnL and equity math, and the user-facing open and close
// operations. All money math runs on decimals; balances round to 2 places,
// quantities to 8.
package ledger

import (
	"github.com/shopspring/decimal"

	"prop-trading-engine/internal/database"
)

var (
	hundred = decimal.NewFromInt(100)
)

// RoundMoney quantizes a balance or PnL amount.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// RoundQty quantizes a position quantity.
func RoundQty(d decimal.Decimal) decimal.Decimal { return d.Round(8) }

// UnrealizedPnl values an open position at the mark price:
// qty * (mark - entry) * direction. Leverage does not scale PnL; it only
// reduces the margin reserved.
func UnrealizedPnl(p *database.Position, mark decimal.Decimal) decimal.Decimal {
	return p.Qty.Mul(mark.Sub(p.EntryPrice)).Mul(p.Direction())
}

// MarginRequired is the collateral reserved for a position:
// qty * entry / leverage.
func MarginRequired(qty, entry decimal.Decimal, leverage int) decimal.Decimal {
	return qty.Mul(entry).Div(decimal.NewFromInt(int64(leverage)))
}

// QtyFromRisk sizes a position so that the stop loss being hit costs
// balance * riskPct percent: qty = (balance * riskPct / 100) / |entry - stop|.
func QtyFromRisk(balance, riskPct, entry, stop decimal.Decimal) (decimal.Decimal, bool) {
	dist := entry.Sub(stop).Abs()
	if dist.IsZero() {
		return decimal.Decimal{}, false
	}
	return RoundQty(balance.Mul(riskPct).Div(hundred).Div(dist)), true
}

// MarkFunc resolves the last known price for a symbol. ok is false only when
// no price was ever observed; stale prices still value equity.
type MarkFunc func(symbol string) (decimal.Decimal, bool)

// Equity is the live account value: balance plus, for every open position,
// its reserved margin and unrealized PnL. Positions with no known price
// contribute their margin at zero PnL.
func Equity(balance decimal.Decimal, open []*database.Position, mark MarkFunc) decimal.Decimal {
	equity := balance
	for _, p := range open {
		equity = equity.Add(p.MarginUsed)
		if price, ok := mark(p.Symbol); ok {
			equity = equity.Add(UnrealizedPnl(p, price))
		}
	}
	return equity
}

// ValidateTpSl checks that take profit and stop loss sit on the profitable
// and losing side of entry for the position's direction.
func ValidateTpSl(side string, entry decimal.Decimal, tp, sl decimal.NullDecimal) bool {
	if side == database.SideLong {
		if tp.Valid && !tp.Decimal.GreaterThan(entry) {
			return false
		}
		if sl.Valid && !sl.Decimal.LessThan(entry) {
			return false
		}
		return true
	}
	if tp.Valid && !tp.Decimal.LessThan(entry) {
		return false
	}
	if sl.Valid && !sl.Decimal.GreaterThan(entry) {
		return false
	}
	return true
}

// HitStopLoss reports whether the mark price reached the stop for the side.
func HitStopLoss(p *database.Position, mark decimal.Decimal) bool {
	if !p.StopLoss.Valid {
		return false
	}
	if p.Side == database.SideLong {
		return mark.LessThanOrEqual(p.StopLoss.Decimal)
	}
	return mark.GreaterThanOrEqual(p.StopLoss.Decimal)
}

// HitTakeProfit reports whether the mark price reached the target for the side.
func HitTakeProfit(p *database.Position, mark decimal.Decimal) bool {
	if !p.TakeProfit.Valid {
		return false
	}
	if p.Side == database.SideLong {
		return mark.GreaterThanOrEqual(p.TakeProfit.Decimal)
	}
	return mark.LessThanOrEqual(p.TakeProfit.Decimal)
}

// DailyLossFloor is the equity level below which the daily drawdown rule
// trips: anchor * (1 - maxDailyLossPct / 100).
func DailyLossFloor(anchor, maxDailyLossPct decimal.Decimal) decimal.Decimal {
	return anchor.Mul(decimal.NewFromInt(1).Sub(maxDailyLossPct.Div(hundred)))
}

// DrawdownBase is the equity baseline for the total drawdown rule: the peak
// equity high-water mark for trailing plans, the account size for static
// ones. A scaled funded account can briefly carry a size above its peak; the
// baseline caps at the peak then, so a scaling step is never an instant
// breach.
func DrawdownBase(c *database.Challenge, t *database.ChallengeType) decimal.Decimal {
	if t.DrawdownType == database.DrawdownTrailing {
		return c.PeakEquity
	}
	if c.PeakEquity.LessThan(c.InitialBalance) {
		return c.PeakEquity
	}
	return c.InitialBalance
}

// TrailingFloor is the equity level below which the total drawdown rule
// trips.
func TrailingFloor(c *database.Challenge, t *database.ChallengeType) decimal.Decimal {
	return DrawdownBase(c, t).Mul(decimal.NewFromInt(1).Sub(t.MaxTotalLossPct.Div(hundred)))
}
