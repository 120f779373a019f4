package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenKneaderCore/internal/types"
)

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	connected := s.deps.Hardware != nil && s.deps.Hardware.IsConnected()
	status := "ok"
	if !connected {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":             status,
		"hardware_connected": connected,
		"process_state":      s.deps.Controller.Status().ProcessState,
		"timestamp":          time.Now().Unix(),
	})
}

// GET /api/v1/runs?limit=N
func (s *Server) listRuns(c *gin.Context) {
	if s.deps.Runs == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeRunsUnavailable, "persistence not configured", nil))
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeRunsBadRequest, "limit must be between 1 and 1000", raw))
			return
		}
		limit = n
	}

	runs, err := s.deps.Runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeRunsInternal, "Failed to list runs", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.System.GetCurrentStatus())
}
