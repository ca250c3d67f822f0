package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "netplay",
		"version": s.version,
	})
}

// handleStatus returns the connection state, the reconnect policy and the
// fact counters.
func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"client": s.client.Status(),
	}
	if s.supervisor != nil {
		resp["reconnect"] = s.supervisor.Status()
	}
	if s.relay != nil {
		resp["facts"] = gin.H{
			"known":   s.relay.Store().Len(),
			"pending": len(s.relay.Outstanding()),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleFacts lists known and outstanding fact keys.
func (s *Server) handleFacts(c *gin.Context) {
	if s.relay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "fact store not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"known":   s.relay.Store().AllKeys(),
		"pending": s.relay.Outstanding(),
	})
}
