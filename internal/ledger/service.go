package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"prop-trading-engine/internal/apperr"
	"prop-trading-engine/internal/database"
	"prop-trading-engine/internal/events"
)

// mutationRetries bounds optimistic-lock retries before giving up.
const mutationRetries = 3

// ErrRiskExceedsDailyLimit rejects an open whose stop loss, if hit, would
// already breach the daily loss floor.
var ErrRiskExceedsDailyLimit = apperr.PreconditionFailed(
	"risk_exceeds_daily_limit", "stop loss would breach the daily loss limit")

// Store is the persistence surface the ledger needs.
type Store interface {
	GetChallenge(ctx context.Context, id int64) (*database.Challenge, error)
	GetChallengeType(ctx context.Context, id int64) (*database.ChallengeType, error)
	GetPosition(ctx context.Context, id int64) (*database.Position, error)
	ListOpenPositions(ctx context.Context, challengeID int64) ([]*database.Position, error)
	ApplyChallengeMutation(ctx context.Context, m *database.ChallengeMutation) error
}

// Prices is the price feed surface the ledger needs.
type Prices interface {
	Fresh(symbol string) (decimal.Decimal, bool)
	Latest(symbol string) (price decimal.Decimal, staleness time.Duration, ok bool)
	Tracks(symbol string) bool
}

// Service executes user-initiated trades against the ledger.
type Service struct {
	store  Store
	prices Prices
	bus    *events.EventBus
	locks  *ChallengeLocks
	logger zerolog.Logger
}

// NewService builds the trade ledger service.
func NewService(store Store, prices Prices, bus *events.EventBus, locks *ChallengeLocks, logger zerolog.Logger) *Service {
	return &Service{store: store, prices: prices, bus: bus, locks: locks, logger: logger}
}

// Locks exposes the per-challenge lock table for the risk evaluator.
func (s *Service) Locks() *ChallengeLocks { return s.locks }

// OpenRequest describes a new position. Exactly one of Qty and RiskPct must
// be set; RiskPct sizing requires a stop loss.
type OpenRequest struct {
	Symbol     string              `json:"symbol"`
	Side       string              `json:"side"`
	Qty        decimal.NullDecimal `json:"qty"`
	RiskPct    decimal.NullDecimal `json:"risk_pct"`
	Leverage   int                 `json:"leverage"`
	TakeProfit decimal.NullDecimal `json:"take_profit"`
	StopLoss   decimal.NullDecimal `json:"stop_loss"`
}

// OpenPosition validates and opens a position, reserving its margin. The
// entry price is the current fresh mark; a stale or missing price rejects
// the order.
func (s *Service) OpenPosition(ctx context.Context, userID string, challengeID int64, req OpenRequest) (*database.Position, error) {
	if req.Side != database.SideLong && req.Side != database.SideShort {
		return nil, apperr.InvalidInput("invalid_side", "side must be long or short")
	}
	if !s.prices.Tracks(req.Symbol) {
		return nil, apperr.ErrSymbolUnknown
	}
	if req.Qty.Valid == req.RiskPct.Valid {
		return nil, apperr.InvalidInput("sizing_required", "exactly one of qty and risk_pct must be set")
	}
	if req.RiskPct.Valid && !req.StopLoss.Valid {
		return nil, apperr.InvalidInput("risk_requires_stop", "risk_pct sizing requires a stop loss")
	}

	s.locks.Lock(challengeID)
	defer s.locks.Unlock(challengeID)

	for attempt := 0; attempt < mutationRetries; attempt++ {
		position, err := s.openOnce(ctx, userID, challengeID, req)
		if errors.Is(err, database.ErrVersionConflict) {
			continue
		}
		return position, err
	}
	return nil, apperr.Conflict("challenge_busy", "challenge is being updated, retry")
}

func (s *Service) openOnce(ctx context.Context, userID string, challengeID int64, req OpenRequest) (*database.Position, error) {
	c, t, err := s.loadOwned(ctx, userID, challengeID)
	if err != nil {
		return nil, err
	}

	if req.Leverage < 1 || req.Leverage > t.MaxLeverage {
		return nil, apperr.ErrInvalidLeverage
	}

	entry, ok := s.prices.Fresh(req.Symbol)
	if !ok {
		return nil, apperr.ErrPriceUnavailable
	}

	qty := req.Qty.Decimal
	if req.RiskPct.Valid {
		if req.RiskPct.Decimal.LessThanOrEqual(decimal.Zero) {
			return nil, apperr.InvalidInput("invalid_risk_pct", "risk_pct must be positive")
		}
		qty, ok = QtyFromRisk(c.CurrentBalance, req.RiskPct.Decimal, entry, req.StopLoss.Decimal)
		if !ok {
			return nil, apperr.ErrInvalidTpSl
		}
	}
	qty = RoundQty(qty)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, apperr.InvalidInput("invalid_qty", "qty must be positive")
	}

	if !ValidateTpSl(req.Side, entry, req.TakeProfit, req.StopLoss) {
		return nil, apperr.ErrInvalidTpSl
	}

	margin := RoundMoney(MarginRequired(qty, entry, req.Leverage))
	if margin.LessThanOrEqual(decimal.Zero) || margin.GreaterThan(c.CurrentBalance) {
		return nil, apperr.ErrInsufficientMargin
	}

	open, err := s.store.ListOpenPositions(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	if req.StopLoss.Valid {
		potentialLoss := qty.Mul(entry.Sub(req.StopLoss.Decimal).Abs())
		equity := Equity(c.CurrentBalance, open, s.lastMark)
		floor := DailyLossFloor(c.DailyAnchorEquity, t.MaxDailyLossPct)
		if equity.Sub(potentialLoss).LessThan(floor) {
			return nil, ErrRiskExceedsDailyLimit
		}
	}

	position := &database.Position{
		ChallengeID: challengeID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Qty:         qty,
		Leverage:    req.Leverage,
		EntryPrice:  entry,
		TakeProfit:  req.TakeProfit,
		StopLoss:    req.StopLoss,
		MarginUsed:  margin,
	}

	c.CurrentBalance = c.CurrentBalance.Sub(margin)
	mutation := &database.ChallengeMutation{
		Challenge:   c,
		NewPosition: position,
		DailyCounter: &database.DailyCounter{
			ChallengeID:  challengeID,
			Day:          utcDay(time.Now()),
			TradesOpened: 1,
		},
	}
	if err := s.store.ApplyChallengeMutation(ctx, mutation); err != nil {
		return nil, err
	}

	s.publish(events.EventPositionOpened, challengeID, map[string]interface{}{
		"position": position,
	})
	s.publishBalance(c, append(open, position))

	s.logger.Info().Int64("challenge_id", challengeID).Int64("position_id", position.ID).
		Str("symbol", req.Symbol).Str("side", req.Side).
		Str("qty", qty.String()).Str("entry", entry.String()).
		Msg("position opened")
	return position, nil
}

// ClosePosition closes an open position at the current fresh mark, returning
// its margin plus realized PnL to the balance.
func (s *Service) ClosePosition(ctx context.Context, userID string, challengeID, positionID int64) (*database.Position, error) {
	s.locks.Lock(challengeID)
	defer s.locks.Unlock(challengeID)

	for attempt := 0; attempt < mutationRetries; attempt++ {
		position, err := s.closeOnce(ctx, userID, challengeID, positionID)
		if errors.Is(err, database.ErrVersionConflict) {
			continue
		}
		return position, err
	}
	return nil, apperr.Conflict("challenge_busy", "challenge is being updated, retry")
}

func (s *Service) closeOnce(ctx context.Context, userID string, challengeID, positionID int64) (*database.Position, error) {
	c, _, err := s.loadOwned(ctx, userID, challengeID)
	if err != nil {
		return nil, err
	}

	p, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.ChallengeID != challengeID {
		return nil, database.ErrNotFound
	}
	if !p.IsOpen() {
		return nil, apperr.Conflict("position_closed", "position is already closed")
	}

	mark, ok := s.prices.Fresh(p.Symbol)
	if !ok {
		return nil, apperr.ErrPriceUnavailable
	}

	SettleClose(c, p, mark, database.CloseManual, time.Now().UTC())

	open, err := s.store.ListOpenPositions(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	remaining := open[:0]
	for _, o := range open {
		if o.ID != p.ID {
			remaining = append(remaining, o)
		}
	}

	// A realized gain can push the high-water mark up immediately rather
	// than waiting for the next evaluator tick.
	equity := Equity(c.CurrentBalance, remaining, s.lastMark)
	if equity.GreaterThan(c.PeakEquity) {
		c.PeakEquity = equity
	}

	mutation := &database.ChallengeMutation{
		Challenge:       c,
		ClosedPositions: []*database.Position{p},
		DailyCounter: &database.DailyCounter{
			ChallengeID: challengeID,
			Day:         utcDay(time.Now()),
			RealizedPnl: p.RealizedPnl.Decimal,
		},
	}
	if err := s.store.ApplyChallengeMutation(ctx, mutation); err != nil {
		return nil, err
	}

	s.publish(events.EventPositionClosed, challengeID, map[string]interface{}{
		"position": p,
		"pnl":      p.RealizedPnl.Decimal,
		"reason":   database.CloseManual,
	})
	s.publishBalance(c, remaining)

	s.logger.Info().Int64("challenge_id", challengeID).Int64("position_id", p.ID).
		Str("pnl", p.RealizedPnl.Decimal.String()).Msg("position closed")
	return p, nil
}

// SettleClose applies the accounting of closing a position at the given
// price: margin plus PnL return to the balance, realized counters and the
// trade tally advance, and the position's close fields are filled. The risk
// evaluator reuses it for stop, target, and breach closes.
func SettleClose(c *database.Challenge, p *database.Position, mark decimal.Decimal, reason string, now time.Time) {
	pnl := RoundMoney(UnrealizedPnl(p, mark))

	c.CurrentBalance = RoundMoney(c.CurrentBalance.Add(p.MarginUsed).Add(pnl))
	c.DailyPnlRealized = c.DailyPnlRealized.Add(pnl)
	c.TotalPnlRealized = c.TotalPnlRealized.Add(pnl)
	c.TotalTrades++
	if pnl.GreaterThan(decimal.Zero) {
		c.WinningTrades++
	}

	closedAt := now
	p.ClosedAt = &closedAt
	p.ClosePrice = decimal.NullDecimal{Decimal: mark, Valid: true}
	p.RealizedPnl = decimal.NullDecimal{Decimal: pnl, Valid: true}
	p.CloseReason = &reason
}

// EquityNow values a challenge with its current open positions at the last
// known marks.
func (s *Service) EquityNow(ctx context.Context, c *database.Challenge) (decimal.Decimal, error) {
	open, err := s.store.ListOpenPositions(ctx, c.ID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return Equity(c.CurrentBalance, open, s.lastMark), nil
}

func (s *Service) loadOwned(ctx context.Context, userID string, challengeID int64) (*database.Challenge, *database.ChallengeType, error) {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, nil, err
	}
	if c.UserID != userID {
		return nil, nil, apperr.Forbidden("not_owner", "challenge belongs to another user")
	}
	if !c.IsActive() {
		return nil, nil, apperr.ErrChallengeTerminal
	}

	t, err := s.store.GetChallengeType(ctx, c.TypeID)
	if err != nil {
		return nil, nil, err
	}
	return c, t, nil
}

// lastMark adapts the price feed to the equity MarkFunc: stale prices still
// value open positions.
func (s *Service) lastMark(symbol string) (decimal.Decimal, bool) {
	price, _, ok := s.prices.Latest(symbol)
	return price, ok
}

func (s *Service) publish(t events.EventType, challengeID int64, data map[string]interface{}) {
	s.bus.Publish(events.Event{Type: t, ChallengeID: challengeID, Data: data})
}

func (s *Service) publishBalance(c *database.Challenge, open []*database.Position) {
	equity := Equity(c.CurrentBalance, open, s.lastMark)
	s.publish(events.EventBalanceUpdate, c.ID, map[string]interface{}{
		"balance": c.CurrentBalance,
		"equity":  equity,
	})
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
