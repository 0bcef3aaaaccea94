package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/netplay64/netplay64/internal/protocol"
	"github.com/netplay64/netplay64/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "netplay64",
		"role":    s.opts.Role,
	})
}

// handleGetInfo describes this process and the machine it runs on.
func (s *Server) handleGetInfo(c *gin.Context) {
	netplay := s.opts.Config.GetNetplay()
	sysInfo := util.GetSystemInfo()

	c.JSON(http.StatusOK, gin.H{
		"role":            s.opts.Role,
		"netplay_version": protocol.NetplayVersion,
		"device_name":     netplay.DeviceName,
		"rom_md5":         netplay.RomMD5,
		"system":          sysInfo,
	})
}

// handleGetHealth returns the latest check results, 503 when any fails.
func (s *Server) handleGetHealth(c *gin.Context) {
	if s.opts.Health == nil {
		c.JSON(http.StatusOK, gin.H{"healthy": true, "checks": []interface{}{}})
		return
	}

	status := http.StatusOK
	healthy := s.opts.Health.Healthy()
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "checks": s.opts.Health.Results()})
}
