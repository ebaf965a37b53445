package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/livefeed-project/livefeed/internal/util"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "livefeed",
	})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "livefeed",
		"version": util.Version,
	})
}

// handleSystem returns host information and current resource usage.
func (s *Server) handleSystem(c *gin.Context) {
	resp := gin.H{"system": util.GetSystemInfo()}
	if usage, err := util.GetResourceUsage(); err == nil {
		resp["usage"] = usage
	} else {
		resp["usage_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
