package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"prop-trading-engine/internal/apperr"
	"prop-trading-engine/internal/auth"
	"prop-trading-engine/internal/challenge"
	"prop-trading-engine/internal/ledger"
)

type purchaseRequest struct {
	ChallengeTypeID int64 `json:"challenge_type_id" binding:"required"`
}

// handleCatalog lists purchasable plans. Public.
func (s *Server) handleCatalog(c *gin.Context) {
	types, err := s.deps.Challenges.Catalog(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, types)
}

// handlePurchase creates a new challenge in phase1.
func (s *Server) handlePurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidInput("invalid_body", "challenge_type_id is required"))
		return
	}

	ch, err := s.deps.Challenges.Purchase(c.Request.Context(), auth.GetUserID(c), req.ChallengeTypeID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, ch)
}

// handleMyChallenges lists the caller's challenges, optionally by status.
func (s *Server) handleMyChallenges(c *gin.Context) {
	list, err := s.deps.Challenges.ListForUser(c.Request.Context(), auth.GetUserID(c), c.Query("status"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, list)
}

// handleActiveChallenge returns the caller's single active challenge.
func (s *Server) handleActiveChallenge(c *gin.Context) {
	ch, err := s.deps.Challenges.Active(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, ch)
}

// handleGetChallenge returns one challenge; owner or admin only.
func (s *Server) handleGetChallenge(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	ch, err := s.deps.Challenges.Get(c.Request.Context(), auth.GetUserID(c), auth.IsAdmin(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, ch)
}

// handleChallengeRules reports current progress against the plan's limits:
// live equity, the two loss floors, the phase profit target, and any recorded
// violations.
func (s *Server) handleChallengeRules(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	ctx := c.Request.Context()

	ch, err := s.deps.Challenges.Get(ctx, auth.GetUserID(c), auth.IsAdmin(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	t, err := s.deps.Repo.GetChallengeType(ctx, ch.TypeID)
	if err != nil {
		fail(c, err)
		return
	}
	equity, err := s.deps.Trades.EquityNow(ctx, ch)
	if err != nil {
		fail(c, err)
		return
	}
	violations, err := s.deps.Repo.ListViolations(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}

	rules := gin.H{
		"status":             ch.Status,
		"equity":             equity,
		"current_balance":    ch.CurrentBalance,
		"peak_equity":        ch.PeakEquity,
		"daily_loss_floor":   ledger.DailyLossFloor(ch.DailyAnchorEquity, t.MaxDailyLossPct),
		"drawdown_floor":     ledger.TrailingFloor(ch, t),
		"drawdown_type":      t.DrawdownType,
		"max_daily_loss_pct": t.MaxDailyLossPct,
		"max_total_loss_pct": t.MaxTotalLossPct,
		"trading_days":       ch.TradingDaysCount,
		"min_trading_days":   t.MinTradingDays,
		"total_pnl_realized": ch.TotalPnlRealized,
		"violations":         violations,
	}
	if target, ok := challenge.Target(ch, t); ok {
		rules["profit_target"] = target
		rules["target_progress_pct"] = progressPct(ch.TotalPnlRealized, target)
	}

	respond(c, rules)
}

func progressPct(realized, target decimal.Decimal) decimal.Decimal {
	if target.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	pct := realized.Div(target).Mul(decimal.NewFromInt(100))
	if pct.IsNegative() {
		return decimal.Zero
	}
	return pct.Round(2)
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidInput("invalid_id", "id must be a positive integer")
	}
	return id, nil
}

func queryID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidInput("invalid_"+name, name+" must be a positive integer")
	}
	return id, nil
}
