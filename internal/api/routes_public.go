package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicecraft-project/mccomm/internal/health"
	"github.com/voicecraft-project/mccomm/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "mccomm",
		"version": Version,
	})
}

// handleGetServerInfo returns basic server information.
func (s *Server) handleGetServerInfo(c *gin.Context) {
	mc := s.cfg.GetMCComm()
	sysInfo := util.GetSystemInfo()

	c.JSON(http.StatusOK, gin.H{
		"version":         Version,
		"listen_port":     mc.ListenPort,
		"session":         s.deps.Sessions.Status().State,
		"participants":    s.deps.Registry.Count(),
		"channels":        len(s.deps.Channels.List()),
		"legacy_bitmask":  mc.LegacyBitmask,
		"strict_binding":  mc.StrictBinding,
		"hostname":        sysInfo.Hostname,
		"os":              sysInfo.OS,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
	})
}

// handleHealth returns the latest health report. Critical maps to 503.
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusOK})
		return
	}
	report := s.deps.Health.Report()
	status := http.StatusOK
	if report.Status == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
