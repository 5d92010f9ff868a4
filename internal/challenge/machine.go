// Package challenge owns the evaluation lifecycle: the phase state machine,
// the funded scaling rule, the plan catalog, and challenge purchase.
package challenge

import (
	"time"

	"github.com/shopspring/decimal"

	"prop-trading-engine/internal/database"
)

var (
	hundred = decimal.NewFromInt(100)

	// scalingThreshold is the realized profit fraction that earns a size
	// increase; scalingFactor the multiplier; scalingCap the hard ceiling.
	scalingThreshold = decimal.NewFromFloat(0.10)
	scalingFactor    = decimal.NewFromFloat(1.25)
	scalingCap       = decimal.NewFromInt(2_000_000)
)

// targetPct returns the profit target for the challenge's current phase.
// ok is false for phases with no advancement target.
func targetPct(c *database.Challenge, t *database.ChallengeType) (decimal.Decimal, bool) {
	switch c.Status {
	case database.StatusPhase1:
		return t.ProfitTargetP1, true
	case database.StatusPhase2:
		return t.ProfitTargetP2, true
	}
	return decimal.Decimal{}, false
}

// Target returns the realized profit required to pass the current phase.
// ok is false for phases with no advancement target.
func Target(c *database.Challenge, t *database.ChallengeType) (decimal.Decimal, bool) {
	pct, ok := targetPct(c, t)
	if !ok {
		return decimal.Decimal{}, false
	}
	return c.InitialBalance.Mul(pct).Div(hundred), true
}

// NextStatus returns the phase a passing challenge advances into.
func NextStatus(c *database.Challenge, t *database.ChallengeType) string {
	if c.Status == database.StatusPhase1 && !t.IsOnePhase {
		return database.StatusPhase2
	}
	return database.StatusFunded
}

// CanAdvance checks the advancement predicate: realized profit has reached
// the phase target, the minimum trading days are served (unless the plan is
// instant), and every position is closed. Profit earned but still open does
// not count; the gate waits for the close.
func CanAdvance(c *database.Challenge, t *database.ChallengeType, openPositions int) bool {
	target, ok := targetPct(c, t)
	if !ok {
		return false
	}
	if openPositions > 0 {
		return false
	}
	if !t.IsInstant && c.TradingDaysCount < t.MinTradingDays {
		return false
	}

	required := c.InitialBalance.Mul(target).Div(hundred)
	return c.TotalPnlRealized.GreaterThanOrEqual(required)
}

// Advance applies the transition for a passing challenge and returns the
// role the owner should be promoted to ("" when none). The balance carries
// over; profit counters and drawdown baselines reset so the next phase is
// judged from where the trader actually stands. Account size only changes
// through scaling.
func Advance(c *database.Challenge, t *database.ChallengeType, now time.Time) (promoteRole string) {
	next := NextStatus(c, t)

	c.Status = next
	c.DailyPnlRealized = decimal.Zero
	c.TotalPnlRealized = decimal.Zero
	c.TradingDaysCount = 0
	c.PeakEquity = c.CurrentBalance
	c.DailyAnchorEquity = c.CurrentBalance
	c.TransitionedAt = &now

	if next == database.StatusFunded {
		// The funded account size is the balance the trader carried in;
		// scaling and payout math both measure against it.
		c.AccountMode = database.ModeFunded
		c.InitialBalance = c.CurrentBalance
		return database.RoleFundedTrader
	}
	return ""
}

// Fail freezes a challenge after a drawdown breach. Terminal: no field of a
// failed challenge changes afterwards.
func Fail(c *database.Challenge, reason string, now time.Time) {
	c.Status = database.StatusFailed
	c.FailedReason = &reason
	c.FailedAt = &now
}

// ScalingDue checks the funded scaling rule. Profit since the last scaling
// step is measured on the realized balance (margins counted back, unrealized
// PnL excluded) against the current account size.
func ScalingDue(c *database.Challenge, openMargin decimal.Decimal) bool {
	if c.Status != database.StatusFunded {
		return false
	}
	if c.InitialBalance.GreaterThanOrEqual(scalingCap) {
		return false
	}

	realized := c.CurrentBalance.Add(openMargin)
	required := c.InitialBalance.Mul(decimal.NewFromInt(1).Add(scalingThreshold))
	return realized.GreaterThanOrEqual(required)
}

// ApplyScaling grows the account size by the scaling factor, capped, and
// re-anchors the drawdown baselines at the current equity.
func ApplyScaling(c *database.Challenge, equity decimal.Decimal) {
	size := c.InitialBalance.Mul(scalingFactor)
	if size.GreaterThan(scalingCap) {
		size = scalingCap
	}

	c.InitialBalance = size
	c.ScalingStep++
	c.PeakEquity = equity
	c.DailyAnchorEquity = equity
}
