package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// handleWatch starts watching a room and remembers it as the startup room.
func (s *Server) handleWatch(c *gin.Context) {
	roomID, err := strconv.ParseInt(c.Param("room_id"), 10, 64)
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	if err := s.session.Start(roomID); err != nil {
		s.logger.Error().Err(err).Int64("room_id", roomID).Msg("API: failed to start watching")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.cfg.SetRoomID(roomID)
	if s.cfg.Path() != "" {
		if err := s.cfg.Save(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist watched room")
		}
	}

	s.logger.Info().Int64("room_id", roomID).Str("client_ip", c.ClientIP()).Msg("API: watching room")
	c.JSON(http.StatusOK, gin.H{
		"status":  "watching",
		"room_id": roomID,
	})
}

func (s *Server) handleStop(c *gin.Context) {
	s.session.Stop()
	s.logger.Info().Str("client_ip", c.ClientIP()).Msg("API: stopped watching")
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}
