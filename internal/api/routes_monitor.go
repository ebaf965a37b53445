package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
)

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Status())
}

// handleSessions returns the newest audit records, ?limit=N (1..500).
func (s *Server) handleSessions(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store disabled"})
		return
	}

	limit := defaultSessionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxSessionLimit)
	}

	records, err := s.audit.List(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list session records")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit store"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   len(records),
	})
}
