package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"prop-trading-engine/internal/auth"
	"prop-trading-engine/internal/database"
	"prop-trading-engine/internal/ledger"
)

// handleDashboard returns the composite equity/risk snapshot the client
// dashboard renders from.
func (s *Server) handleDashboard(c *gin.Context) {
	challengeID, err := queryID(c, "challenge_id")
	if err != nil {
		fail(c, err)
		return
	}
	ctx := c.Request.Context()

	ch, err := s.deps.Challenges.Get(ctx, auth.GetUserID(c), auth.IsAdmin(c), challengeID)
	if err != nil {
		fail(c, err)
		return
	}
	t, err := s.deps.Repo.GetChallengeType(ctx, ch.TypeID)
	if err != nil {
		fail(c, err)
		return
	}
	open, err := s.deps.Repo.ListOpenPositions(ctx, challengeID)
	if err != nil {
		fail(c, err)
		return
	}
	equity, err := s.deps.Trades.EquityNow(ctx, ch)
	if err != nil {
		fail(c, err)
		return
	}

	today, err := s.deps.Repo.GetDailyCounter(ctx, challengeID, time.Now().UTC().Truncate(24*time.Hour))
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		fail(c, err)
		return
	}

	winRate := 0.0
	if ch.TotalTrades > 0 {
		winRate = float64(ch.WinningTrades) / float64(ch.TotalTrades) * 100
	}

	respond(c, gin.H{
		"challenge":        ch,
		"plan":             t,
		"equity":           equity,
		"open_positions":   open,
		"daily_loss_floor": ledger.DailyLossFloor(ch.DailyAnchorEquity, t.MaxDailyLossPct),
		"drawdown_floor":   ledger.TrailingFloor(ch, t),
		"today":            today,
		"win_rate":         winRate,
	})
}

// handleEquityCurve serves the daily snapshot series, oldest first.
func (s *Server) handleEquityCurve(c *gin.Context) {
	challengeID, err := queryID(c, "challenge_id")
	if err != nil {
		fail(c, err)
		return
	}
	ctx := c.Request.Context()

	if _, err := s.deps.Challenges.Get(ctx, auth.GetUserID(c), auth.IsAdmin(c), challengeID); err != nil {
		fail(c, err)
		return
	}

	snapshots, err := s.deps.Repo.ListDailySnapshots(ctx, challengeID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, snapshots)
}
