package api

import (
	"github.com/gin-gonic/gin"

	"prop-trading-engine/internal/apperr"
)

type telegramAuthRequest struct {
	InitData     string `json:"init_data" binding:"required"`
	ReferralCode string `json:"referral_code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// handleTelegramAuth verifies host initData and issues a token pair,
// creating the user on first contact.
func (s *Server) handleTelegramAuth(c *gin.Context) {
	var req telegramAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidInput("invalid_body", "init_data is required"))
		return
	}

	user, pair, isNew, err := s.deps.Auth.Login(c.Request.Context(), req.InitData, req.ReferralCode)
	if err != nil {
		fail(c, err)
		return
	}

	respond(c, gin.H{
		"user":   user,
		"tokens": pair,
		"is_new": isNew,
	})
}

// handleRefresh rotates a refresh token into a fresh pair.
func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidInput("invalid_body", "refresh_token is required"))
		return
	}

	user, pair, err := s.deps.Auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		fail(c, err)
		return
	}

	respond(c, gin.H{
		"user":   user,
		"tokens": pair,
	})
}

// handleLogout discards the refresh session. Idempotent.
func (s *Server) handleLogout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidInput("invalid_body", "refresh_token is required"))
		return
	}

	if err := s.deps.Auth.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"logged_out": true})
}
