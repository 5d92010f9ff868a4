package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"prop-trading-engine/internal/apperr"
	"prop-trading-engine/internal/database"
)

type payoutSentBody struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

func pageParams(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit"))
	offset, _ = strconv.Atoi(c.Query("offset"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Server) handleAdminListUsers(c *gin.Context) {
	limit, offset := pageParams(c)

	users, err := s.deps.Repo.ListUsers(c.Request.Context(), limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, users)
}

// handleAdminSetBlocked blocks or unblocks a user. A blocked user keeps their
// data but cannot authenticate.
func (s *Server) handleAdminSetBlocked(blocked bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == "" {
			fail(c, apperr.InvalidInput("invalid_id", "user id is required"))
			return
		}

		if err := s.deps.Repo.SetUserBlocked(c.Request.Context(), id, blocked); err != nil {
			fail(c, err)
			return
		}
		respond(c, gin.H{"user_id": id, "is_blocked": blocked})
	}
}

func (s *Server) handleAdminListChallenges(c *gin.Context) {
	limit, offset := pageParams(c)

	list, err := s.deps.Repo.ListChallenges(c.Request.Context(), c.Query("status"), limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, list)
}

func (s *Server) handleAdminListPayouts(c *gin.Context) {
	limit, offset := pageParams(c)
	status := c.DefaultQuery("status", database.PayoutPending)

	list, err := s.deps.Payouts.ListByStatus(c.Request.Context(), status, limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, list)
}

func (s *Server) handleAdminPayoutApprove(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	p, err := s.deps.Payouts.Approve(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, p)
}

func (s *Server) handleAdminPayoutReject(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	p, err := s.deps.Payouts.Reject(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, p)
}

func (s *Server) handleAdminPayoutSent(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	var body payoutSentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apperr.InvalidInput("invalid_body", "tx_hash is required"))
		return
	}

	p, err := s.deps.Payouts.MarkSent(c.Request.Context(), id, body.TxHash)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, p)
}
