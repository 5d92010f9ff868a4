package api

import (
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"prop-trading-engine/internal/apperr"
	"prop-trading-engine/internal/auth"
)

type payoutRequestBody struct {
	ChallengeID   int64           `json:"challenge_id" binding:"required"`
	Amount        decimal.Decimal `json:"amount" binding:"required"`
	WalletAddress string          `json:"wallet_address" binding:"required"`
	Network       string          `json:"network" binding:"required"`
}

// handleListPayouts returns the caller's payout history, or one challenge's
// history when challenge_id is given.
func (s *Server) handleListPayouts(c *gin.Context) {
	ctx := c.Request.Context()

	if c.Query("challenge_id") != "" {
		challengeID, err := queryID(c, "challenge_id")
		if err != nil {
			fail(c, err)
			return
		}
		if _, err := s.deps.Challenges.Get(ctx, auth.GetUserID(c), auth.IsAdmin(c), challengeID); err != nil {
			fail(c, err)
			return
		}
		list, err := s.deps.Payouts.ListForChallenge(ctx, challengeID)
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, list)
		return
	}

	list, err := s.deps.Payouts.ListForUser(ctx, auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, list)
}

// handlePayoutAvailable reports the withdrawable split for a funded challenge.
func (s *Server) handlePayoutAvailable(c *gin.Context) {
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
	available, err := s.deps.Payouts.Available(ctx, challengeID)
	if err != nil {
		fail(c, err)
		return
	}

	respond(c, gin.H{
		"available_amount": available,
		"min_payout":       s.deps.Payouts.MinPayout(),
		"profit_split_pct": t.ProfitSplitPct,
	})
}

// handlePayoutRequest records a withdrawal request.
func (s *Server) handlePayoutRequest(c *gin.Context) {
	var req payoutRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidInput("invalid_body", "challenge_id, amount, wallet_address and network are required"))
		return
	}

	p, err := s.deps.Payouts.Request(c.Request.Context(), auth.GetUserID(c),
		req.ChallengeID, req.Amount, req.WalletAddress, req.Network)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, p)
}
