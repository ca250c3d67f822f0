package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/netplay-project/netplay/internal/connector"
)

type chatRequest struct {
	Text string `json:"text" binding:"required"`
}

type pickupRequest struct {
	MapID   int `json:"map_id" binding:"required"`
	EventID int `json:"event_id" binding:"required"`
}

// handleConnect asks the supervisor for a connect cycle. It returns at once;
// progress shows up in /api/status.
func (s *Server) handleConnect(c *gin.Context) {
	if s.client.IsConnected() {
		c.JSON(http.StatusConflict, gin.H{"error": "already connected"})
		return
	}
	if s.supervisor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconnect supervisor not running"})
		return
	}

	s.supervisor.Reconnect()
	log.Info().Str("component", "api").Msg("API: connect requested")

	c.JSON(http.StatusAccepted, gin.H{"status": "connecting"})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	if err := s.client.Disconnect(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("component", "api").Msg("API: disconnected")
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	if err := s.client.SendChat(req.Text); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, connector.ErrNotConnected) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// handlePickup reports an item pickup fact, as the game would.
func (s *Server) handlePickup(c *gin.Context) {
	if s.relay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "fact store not available"})
		return
	}

	var req pickupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome := s.relay.ReportItemPickup(req.MapID, req.EventID)
	c.JSON(http.StatusOK, gin.H{"outcome": outcome.String()})
}
