package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/netplay64/netplay64/internal/config"
	"github.com/netplay64/netplay64/internal/events"
)

// handleGetConfig returns the full current configuration.
func (s *Server) handleGetConfig(c *gin.Context) {
	cfg := s.opts.Config
	c.JSON(http.StatusOK, gin.H{
		"netplay":    cfg.GetNetplay(),
		"discovery":  cfg.GetDiscovery(),
		"rendezvous": cfg.GetRendezvous(),
		"nat":        cfg.GetNAT(),
		"api":        cfg.GetAPI(),
		"mqtt":       cfg.GetMQTT(),
		"logging":    cfg.GetLogging(),
	})
}

// handleSetNetplay replaces the netplay section. Changes apply to the next
// session.
func (s *Server) handleSetNetplay(c *gin.Context) {
	var netplay config.NetplayConfig
	if err := c.ShouldBindJSON(&netplay); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.ValidateNetplay(netplay); !result.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid netplay config",
			"errors": result.Errors,
		})
		return
	}

	s.opts.Config.SetNetplay(netplay)
	if err := s.opts.Config.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	events.Publish(c.Request.Context(), s.eventBus, "api", events.EventConfigChanged, events.ConfigChangedPayload{
		Section: "netplay",
	})
	s.logger.Info().Str("client_ip", c.ClientIP()).Msg("API: netplay config updated")

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"data":   s.opts.Config.GetNetplay(),
	})
}

// handleUpdateNetplayField sets one netplay field by its JSON key. The
// change is rolled back if it leaves the section invalid.
func (s *Server) handleUpdateNetplayField(c *gin.Context) {
	var body struct {
		Value interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := c.Param("key")
	previous := s.opts.Config.GetNetplay()
	if err := s.opts.Config.UpdateNetplayField(key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.ValidateNetplay(s.opts.Config.GetNetplay()); !result.IsValid() {
		s.opts.Config.SetNetplay(previous)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid netplay config",
			"errors": result.Errors,
		})
		return
	}

	if err := s.opts.Config.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	events.Publish(c.Request.Context(), s.eventBus, "api", events.EventConfigChanged, events.ConfigChangedPayload{
		Section: "netplay",
		Key:     key,
		Value:   body.Value,
	})

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"data":   s.opts.Config.GetNetplay(),
	})
}
