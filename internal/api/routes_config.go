package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/livefeed-project/livefeed/internal/config"
)

// handleGetConfig returns the runtime configuration. MQTT key material paths
// are left out.
func (s *Server) handleGetConfig(c *gin.Context) {
	mqttCfg := s.cfg.GetMQTT()
	mqttCfg.CertFile, mqttCfg.KeyFile = "", ""

	c.JSON(http.StatusOK, gin.H{
		"relay":     s.cfg.GetRelay(),
		"reconnect": s.cfg.GetReconnect(),
		"api":       s.cfg.GetAPI(),
		"mqtt":      mqttCfg,
		"storage":   s.cfg.GetStorage(),
		"timers":    s.cfg.GetTimers(),
	})
}

// handleSetReconnect replaces the reconnect policy. It applies from the
// next reconnect decision on.
func (s *Server) handleSetReconnect(c *gin.Context) {
	var policy config.ReconnectConfig
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.ValidateReconnect(policy); !result.IsValid() {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Field+": "+e.Message)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reconnect policy", "details": msgs})
		return
	}

	s.cfg.SetReconnect(policy)
	if s.cfg.Path() != "" {
		if err := s.cfg.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
			return
		}
	}

	s.logger.Info().Interface("reconnect", policy).Msg("API: reconnect policy updated")
	c.JSON(http.StatusOK, gin.H{
		"status":    "updated",
		"reconnect": policy,
	})
}
