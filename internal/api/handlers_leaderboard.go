package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// handleLeaderboard serves one board scope. Public; the service caches
// results so anonymous traffic does not hammer the aggregation queries.
func (s *Server) handleLeaderboard(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))

		rows, err := s.deps.Boards.Board(c.Request.Context(), scope, limit)
		if err != nil {
			fail(c, err)
			return
		}
		respond(c, rows)
	}
}
