package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/netplay-project/netplay/internal/config"
	"github.com/netplay-project/netplay/internal/events"
)

type configUpdate struct {
	Section string      `json:"section" binding:"required"`
	Key     string      `json:"key" binding:"required"`
	Value   interface{} `json:"value"`
}

// handleGetConfig returns the configuration with the password redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	conn := s.cfg.GetConnection()
	if conn.Password != "" {
		conn.Password = "********"
	}

	c.JSON(http.StatusOK, gin.H{
		"connection": conn,
		"timers":     s.cfg.GetTimers(),
		"reconnect":  s.cfg.GetReconnect(),
		"inbox":      s.cfg.GetInbox(),
		"storage":    s.cfg.GetStorage(),
		"api":        s.cfg.GetAPI(),
		"mqtt":       s.cfg.GetMQTT(),
		"logging":    s.cfg.GetLogging(),
	})
}

// handleSetConfig validates a one-field change on a copy, then applies and
// saves it.
// Most settings apply on the next connect or restart.
func (s *Server) handleSetConfig(c *gin.Context) {
	var req configUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	candidate := s.cfg.Clone()
	if err := candidate.UpdateField(req.Section, req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := config.Validate(candidate)
	if !result.IsValid() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "configuration is invalid",
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
		return
	}

	if err := s.cfg.UpdateField(req.Section, req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: req.Section,
			Key:     req.Key,
			Value:   req.Value,
		},
	})

	log.Info().
		Str("component", "api").
		Str("section", req.Section).
		Str("key", req.Key).
		Msg("API: config updated")

	c.JSON(http.StatusOK, gin.H{
		"status":   "updated",
		"warnings": result.Warnings,
	})
}
