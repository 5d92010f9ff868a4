package risk

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"prop-trading-engine/internal/challenge"
	"prop-trading-engine/internal/database"
	"prop-trading-engine/internal/events"
	"prop-trading-engine/internal/ledger"
)

var (
	hundred      = decimal.NewFromInt(100)
	warnFraction = decimal.NewFromFloat(0.8)
)

// markedPosition pairs an open position with its tick-time price reading.
type markedPosition struct {
	pos   *database.Position
	mark  decimal.Decimal
	known bool // a price was observed at some point
	stale bool // last price is older than the staleness threshold
}

// evaluateOnce runs the tick body under the challenge lock. All durable
// changes batch into a single mutation; the returned events are for the
// caller to publish once the lock is released.
func (e *Evaluator) evaluateOnce(ctx context.Context, challengeID int64, now time.Time) ([]events.Event, error) {
	c, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !c.IsActive() {
		return nil, nil
	}

	t, err := e.challengeType(ctx, c.TypeID)
	if err != nil {
		return nil, err
	}

	open, err := e.store.ListOpenPositions(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	marked := e.markPositions(open)
	mutation := &database.ChallengeMutation{Challenge: c}
	var pending []events.Event

	// Day boundary first: the anchor for today's drawdown must be in place
	// before today's triggers are judged.
	if rolled, err := e.rollDay(ctx, c, marked, now, mutation); err != nil {
		return nil, err
	} else if rolled {
		e.logger.Debug().Int64("challenge_id", challengeID).Msg("daily anchor rolled")
	}

	equity := equityOf(c, marked)
	if equity.GreaterThan(c.PeakEquity) {
		c.PeakEquity = equity
	}

	// Stops before targets; on a gap through both, the stop wins.
	var closed []*database.Position
	remaining := make([]*markedPosition, 0, len(marked))
	for _, m := range marked {
		if !m.known || m.stale {
			remaining = append(remaining, m)
			continue
		}
		switch {
		case ledger.HitStopLoss(m.pos, m.mark):
			ledger.SettleClose(c, m.pos, m.pos.StopLoss.Decimal, database.CloseStopLoss, now)
			closed = append(closed, m.pos)
		case ledger.HitTakeProfit(m.pos, m.mark):
			ledger.SettleClose(c, m.pos, m.pos.TakeProfit.Decimal, database.CloseTakeProfit, now)
			closed = append(closed, m.pos)
		default:
			remaining = append(remaining, m)
		}
	}
	equity = equityOf(c, remaining)

	dailyDD := drawdownPct(c.DailyAnchorEquity, equity)
	trailingDD := drawdownPct(ledger.DrawdownBase(c, t), equity)

	// Daily breach outranks trailing when both cross in the same tick.
	switch {
	case dailyDD.GreaterThanOrEqual(t.MaxDailyLossPct):
		closed = append(closed, e.forceCloseAll(c, remaining, database.CloseDailyDrawdown, now)...)
		remaining = remaining[:0]
		challenge.Fail(c, database.FailDailyDrawdown, now)
		mutation.Violation = &database.Violation{
			ChallengeID: challengeID,
			Rule:        database.FailDailyDrawdown,
			Detail:      breachDetail(dailyDD, t.MaxDailyLossPct, equity),
		}
	case trailingDD.GreaterThanOrEqual(t.MaxTotalLossPct):
		closed = append(closed, e.forceCloseAll(c, remaining, database.CloseTrailingDrawdown, now)...)
		remaining = remaining[:0]
		challenge.Fail(c, database.FailTrailingDrawdown, now)
		mutation.Violation = &database.Violation{
			ChallengeID: challengeID,
			Rule:        database.FailTrailingDrawdown,
			Detail:      breachDetail(trailingDD, t.MaxTotalLossPct, equity),
		}
	}
	if c.Status == database.StatusFailed {
		equity = equityOf(c, nil)
	}

	for _, p := range closed {
		pending = append(pending, events.Event{
			Type:        events.EventPositionClosed,
			ChallengeID: challengeID,
			Data: map[string]interface{}{
				"position": p,
				"pnl":      p.RealizedPnl.Decimal,
				"reason":   *p.CloseReason,
			},
		})
	}

	if c.Status == database.StatusFailed {
		pending = append(pending, events.Event{
			Type:        events.EventChallengeFailed,
			ChallengeID: challengeID,
			Data: map[string]interface{}{
				"reason": *c.FailedReason,
				"equity": equity,
			},
		})
	} else {
		pending = append(pending, e.warnIfNear(challengeID, database.FailDailyDrawdown, dailyDD, t.MaxDailyLossPct, now)...)
		pending = append(pending, e.warnIfNear(challengeID, database.FailTrailingDrawdown, trailingDD, t.MaxTotalLossPct, now)...)

		// A symbol still marked stale blocks advancement even when every
		// position is closed this tick.
		anyStale := false
		for _, m := range marked {
			if m.stale || !m.known {
				anyStale = true
				break
			}
		}
		if !anyStale && challenge.CanAdvance(c, t, len(remaining)) {
			from := c.Status
			promote := challenge.Advance(c, t, now)
			mutation.PromoteUserRole = promote
			equity = equityOf(c, remaining)

			eventType := events.EventPhaseTransition
			if c.Status == database.StatusFunded {
				eventType = events.EventFundedSuccess
			}
			pending = append(pending, events.Event{
				Type:        eventType,
				ChallengeID: challengeID,
				Data: map[string]interface{}{
					"from":   from,
					"to":     c.Status,
					"equity": equity,
				},
			})
		}

		if challenge.ScalingDue(c, openMargin(remaining)) {
			challenge.ApplyScaling(c, equity)
			e.logger.Info().Int64("challenge_id", challengeID).
				Int("scaling_step", c.ScalingStep).
				Str("account_size", c.InitialBalance.String()).
				Msg("funded account scaled")
		}
	}

	if len(closed) > 0 {
		var realized decimal.Decimal
		for _, p := range closed {
			realized = realized.Add(p.RealizedPnl.Decimal)
		}
		mutation.ClosedPositions = closed
		mutation.DailyCounter = &database.DailyCounter{
			ChallengeID:        challengeID,
			Day:                utcDay(now),
			RealizedPnl:        realized,
			WorstEquityDropPct: decimal.Max(dailyDD, decimal.Zero),
		}
	}

	if err := e.store.ApplyChallengeMutation(ctx, mutation); err != nil {
		return nil, err
	}

	pending = append(pending, events.Event{
		Type:        events.EventBalanceUpdate,
		ChallengeID: challengeID,
		Data: map[string]interface{}{
			"balance":        c.CurrentBalance,
			"equity":         equity,
			"phase":          c.Status,
			"open_positions": len(remaining),
			"scaling_step":   c.ScalingStep,
		},
	})
	return pending, nil
}

// openMargin sums the margin reserved by positions still open this tick.
func openMargin(remaining []*markedPosition) decimal.Decimal {
	var total decimal.Decimal
	for _, m := range remaining {
		total = total.Add(m.pos.MarginUsed)
	}
	return total
}

// markPositions reads the tick-time price for every open position.
func (e *Evaluator) markPositions(open []*database.Position) []*markedPosition {
	staleAfter := e.prices.StaleAfter()
	marked := make([]*markedPosition, 0, len(open))
	for _, p := range open {
		price, staleness, ok := e.prices.Latest(p.Symbol)
		marked = append(marked, &markedPosition{
			pos:   p,
			mark:  price,
			known: ok,
			stale: ok && staleness > staleAfter,
		})
	}
	return marked
}

// rollDay applies the UTC day boundary: snapshot yesterday, count it as a
// trading day if anything happened, and re-anchor today's drawdown at the
// current equity.
func (e *Evaluator) rollDay(ctx context.Context, c *database.Challenge, marked []*markedPosition,
	now time.Time, mutation *database.ChallengeMutation) (bool, error) {
	today := utcDay(now)
	if c.DailyAnchorDate != nil && c.DailyAnchorDate.Equal(today) {
		return false, nil
	}

	equity := equityOf(c, marked)

	if c.DailyAnchorDate != nil {
		prev := *c.DailyAnchorDate
		counter, err := e.store.GetDailyCounter(ctx, c.ID, prev)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return false, err
		}
		if counter != nil && (counter.TradesOpened > 0 || !counter.RealizedPnl.IsZero()) {
			c.TradingDaysCount++
		}
		mutation.DailySnapshot = &database.DailySnapshot{
			ChallengeID:  c.ID,
			Day:          prev,
			Equity:       equity,
			Balance:      c.CurrentBalance,
			TradesClosed: c.TotalTrades,
		}
	}

	c.DailyAnchorEquity = equity
	c.DailyAnchorDate = &today
	c.DailyPnlRealized = decimal.Zero
	return true, nil
}

// forceCloseAll settles every remaining position at its last known mark.
// Stale positions close at the last observed price; a breach cannot wait for
// the feed to recover.
func (e *Evaluator) forceCloseAll(c *database.Challenge, remaining []*markedPosition,
	reason string, now time.Time) []*database.Position {
	var closed []*database.Position
	for _, m := range remaining {
		mark := m.mark
		if !m.known {
			mark = m.pos.EntryPrice
		}
		ledger.SettleClose(c, m.pos, mark, reason, now)
		closed = append(closed, m.pos)
	}
	return closed
}

// warnIfNear emits a one-shot drawdown warning per challenge, rule, and UTC
// day once usage crosses 80% of the limit.
func (e *Evaluator) warnIfNear(challengeID int64, rule string, dd, limit decimal.Decimal, now time.Time) []events.Event {
	if limit.IsZero() || dd.LessThan(limit.Mul(warnFraction)) {
		return nil
	}

	key := warnKey{challengeID: challengeID, rule: rule, day: utcDay(now).Format("2006-01-02")}
	e.stateMu.Lock()
	already := e.warned[key]
	e.warned[key] = true
	e.stateMu.Unlock()
	if already {
		return nil
	}

	return []events.Event{{
		Type:        events.EventDrawdownWarning,
		ChallengeID: challengeID,
		Data: map[string]interface{}{
			"rule":         rule,
			"drawdown_pct": dd,
			"limit_pct":    limit,
		},
	}}
}

// equityOf values the challenge from marked positions: balance plus each
// position's margin and unrealized PnL at the last known price.
func equityOf(c *database.Challenge, marked []*markedPosition) decimal.Decimal {
	equity := c.CurrentBalance
	for _, m := range marked {
		equity = equity.Add(m.pos.MarginUsed)
		if m.known {
			equity = equity.Add(ledger.UnrealizedPnl(m.pos, m.mark))
		}
	}
	return equity
}

// drawdownPct is the percentage fall of equity below a baseline, positive
// when down.
func drawdownPct(base, equity decimal.Decimal) decimal.Decimal {
	if base.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return base.Sub(equity).Div(base).Mul(hundred)
}

func breachDetail(dd, limit, equity decimal.Decimal) string {
	return "drawdown " + dd.Round(4).String() + "% breached limit " +
		limit.String() + "% at equity " + equity.Round(2).String()
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
