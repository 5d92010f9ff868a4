package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"prop-trading-engine/internal/apperr"
	"prop-trading-engine/internal/auth"
	"prop-trading-engine/internal/database"
	"prop-trading-engine/internal/ledger"
)

type openOrderRequest struct {
	ChallengeID int64 `json:"challenge_id" binding:"required"`
	ledger.OpenRequest
}

// handleOpenPosition opens a position on the caller's challenge.
func (s *Server) handleOpenPosition(c *gin.Context) {
	var req openOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.InvalidInput("invalid_body", "challenge_id, symbol, side and sizing are required"))
		return
	}

	position, err := s.deps.Trades.OpenPosition(c.Request.Context(), auth.GetUserID(c), req.ChallengeID, req.OpenRequest)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, position)
}

// handleClosePosition closes one open position at the current mark.
func (s *Server) handleClosePosition(c *gin.Context) {
	positionID, err := pathID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	challengeID, err := queryID(c, "challenge_id")
	if err != nil {
		fail(c, err)
		return
	}

	position, err := s.deps.Trades.ClosePosition(c.Request.Context(), auth.GetUserID(c), challengeID, positionID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, position)
}

// handleOpenPositions lists the open positions of a challenge.
func (s *Server) handleOpenPositions(c *gin.Context) {
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

	positions, err := s.deps.Repo.ListOpenPositions(ctx, challengeID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, positions)
}

// handleCloseAllPositions manually closes every open position. Positions
// whose symbol has no fresh price are left open and reported back.
func (s *Server) handleCloseAllPositions(c *gin.Context) {
	challengeID, err := queryID(c, "challenge_id")
	if err != nil {
		fail(c, err)
		return
	}
	ctx := c.Request.Context()
	userID := auth.GetUserID(c)

	if _, err := s.deps.Challenges.Get(ctx, userID, auth.IsAdmin(c), challengeID); err != nil {
		fail(c, err)
		return
	}

	open, err := s.deps.Repo.ListOpenPositions(ctx, challengeID)
	if err != nil {
		fail(c, err)
		return
	}

	closed := make([]*database.Position, 0, len(open))
	var skipped []gin.H
	for _, p := range open {
		result, err := s.deps.Trades.ClosePosition(ctx, userID, challengeID, p.ID)
		if err != nil {
			skipped = append(skipped, gin.H{
				"position_id": p.ID,
				"reason":      apperr.From(err).Message,
			})
			continue
		}
		closed = append(closed, result)
	}

	respond(c, gin.H{
		"closed":  closed,
		"skipped": skipped,
	})
}

// handleTradeHistory pages through closed positions, newest first.
func (s *Server) handleTradeHistory(c *gin.Context) {
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

	cursor, _ := strconv.ParseInt(c.Query("cursor"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))

	page, err := s.deps.Repo.PositionHistory(ctx, challengeID, cursor, limit, database.HistoryFilter{
		Side:   c.Query("side"),
		Symbol: c.Query("symbol"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, page)
}

// handleKlines serves candle bars aggregated from the feed's rolling buffer.
func (s *Server) handleKlines(c *gin.Context) {
	symbol := c.Query("symbol")
	if !s.deps.Feed.Tracks(symbol) {
		fail(c, apperr.ErrSymbolUnknown)
		return
	}

	interval, err := parseInterval(c.DefaultQuery("interval", "1m"))
	if err != nil {
		fail(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	respond(c, s.deps.Feed.Klines(symbol, interval, limit))
}

// parseInterval accepts exchange-style intervals: 1m, 5m, 15m, 1h, 4h, 1d.
func parseInterval(raw string) (time.Duration, error) {
	var d time.Duration
	var err error

	if strings.HasSuffix(raw, "d") {
		days, convErr := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if convErr != nil {
			return 0, apperr.InvalidInput("invalid_interval", "unrecognized kline interval")
		}
		d = time.Duration(days) * 24 * time.Hour
	} else {
		d, err = time.ParseDuration(raw)
		if err != nil {
			return 0, apperr.InvalidInput("invalid_interval", "unrecognized kline interval")
		}
	}

	if d < time.Minute || d%time.Minute != 0 {
		return 0, apperr.InvalidInput("invalid_interval", "interval must be a whole number of minutes")
	}
	return d, nil
}
