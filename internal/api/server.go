// Package api serves the client's local status and control API: session
// state, the fact store, connect/disconnect/chat controls, configuration
// and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/netplay-project/netplay/internal/config"
	"github.com/netplay-project/netplay/internal/connector"
	"github.com/netplay-project/netplay/internal/events"
	"github.com/netplay-project/netplay/internal/facts"
	intnet "github.com/netplay-project/netplay/internal/network"
	"github.com/netplay-project/netplay/internal/telemetry"
)

// Deps are the components the API reads and controls.
type Deps struct {
	Config     *config.Config
	Client     *connector.Client
	Supervisor *connector.Supervisor
	Relay      *facts.Relay
	Metrics    *telemetry.Metrics
	Version    string
}

// Server is the local REST API.
type Server struct {
	cfg        *config.Config
	client     *connector.Client
	supervisor *connector.Supervisor
	relay      *facts.Relay
	metrics    *telemetry.Metrics
	eventBus   *events.EventBus
	version    string

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server and its router.
func NewServer(deps Deps) *Server {
	if deps.Config.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:        deps.Config,
		client:     deps.Client,
		supervisor: deps.Supervisor,
		relay:      deps.Relay,
		metrics:    deps.Metrics,
		eventBus:   deps.Client.Bus(),
		version:    deps.Version,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()
	addr := net.JoinHostPort(apiCfg.ListenAddr, strconv.Itoa(apiCfg.Port))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("local API starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.GetAPI().AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/status", s.handleStatus)
		api.GET("/facts", s.handleFacts)

		api.POST("/connect", s.handleConnect)
		api.POST("/disconnect", s.handleDisconnect)
		api.POST("/chat", s.handleChat)
		api.POST("/pickup", s.handlePickup)

		api.GET("/config", s.handleGetConfig)
		api.POST("/config", s.handleSetConfig)
	}

	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
