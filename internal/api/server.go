package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voicecraft-project/mccomm/internal/channel"
	"github.com/voicecraft-project/mccomm/internal/config"
	"github.com/voicecraft-project/mccomm/internal/db"
	"github.com/voicecraft-project/mccomm/internal/events"
	"github.com/voicecraft-project/mccomm/internal/health"
	"github.com/voicecraft-project/mccomm/internal/network"
	"github.com/voicecraft-project/mccomm/internal/participant"
	"github.com/voicecraft-project/mccomm/internal/protocol"
	"github.com/voicecraft-project/mccomm/internal/session"
	"github.com/voicecraft-project/mccomm/internal/util"
)

// Version is reported by the ping and server info endpoints.
const Version = "1.0.0"

// Deps are the components the HTTP layer serves. Audit and Health may be
// nil.
type Deps struct {
	Sessions *session.Manager
	Registry *participant.Registry
	Channels *channel.Store
	Audit    *db.AuditLog
	Health   *health.Manager
}

// Server serves the MCComm endpoint on the listen port and the admin REST
// API on the api port.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	deps     Deps

	mccommServer *http.Server
	apiServer    *http.Server

	logger zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, deps Deps) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		eventBus: eventBus,
		deps:     deps,
		logger:   util.ComponentLogger("api"),
	}
}

// StartMCComm serves the MCComm endpoint until ctx is cancelled.
func (s *Server) StartMCComm(ctx context.Context) error {
	mc := s.cfg.GetMCComm()
	addr := net.JoinHostPort(mc.ListenAddress, fmt.Sprint(mc.ListenPort))

	s.mccommServer = &http.Server{
		Addr:              addr,
		Handler:           s.buildMCCommRouter(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("MCComm endpoint starting")
	return serve(ctx, s.mccommServer, addr, nil)
}

// Start serves the admin REST API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	app := s.cfg.GetApplicationData()
	addr := fmt.Sprintf(":%d", s.cfg.GetMCComm().APIPort)

	s.apiServer = &http.Server{
		Addr:         addr,
		Handler:      s.buildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var tlsCfg *tls.Config
	if app.Security.TLSEnabled {
		var err error
		tlsCfg, err = network.ServerTLSConfig(app.Security.TLSCertFile, app.Security.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("API server error: %w", err)
		}
		s.apiServer.TLSConfig = tlsCfg
	}

	log.Info().Str("addr", addr).Bool("tls", tlsCfg != nil).Msg("REST API server starting")
	return serve(ctx, s.apiServer, addr, tlsCfg)
}

// serve runs srv on a reuse-addr listener and shuts it down when ctx ends.
func serve(ctx context.Context, srv *http.Server, addr string, tlsCfg *tls.Config) error {
	ln, err := network.Listen(ctx, addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error on %s: %w", addr, err)
	}
	return nil
}

// buildMCCommRouter creates the router for the game-facing endpoint.
func (s *Server) buildMCCommRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(util.SampledLogger("mccomm_http", 10, time.Second)))

	router.POST("/", s.handleMCComm)
	router.POST("/mccomm", s.handleMCComm)
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})
	return router
}

// handleMCComm answers every MCComm request with HTTP 200 and a protocol
// envelope. Failures are reported in-band as Deny.
func (s *Server) handleMCComm(c *gin.Context) {
	body, err := protocol.ReadPacket(c.Request.Body)
	if err != nil {
		c.Data(http.StatusOK, "application/json", s.deps.Sessions.Reject(err))
		return
	}
	c.Data(http.StatusOK, "application/json",
		s.deps.Sessions.Handle(c.Request.Context(), c.ClientIP(), body))
}

// buildRouter creates the Gin router for the admin API.
func (s *Server) buildRouter() *gin.Engine {
	security := s.cfg.GetApplicationData().Security
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(SecurityHeaders())

	allowedOrigins := security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must stay false while AllowOrigins may be "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(security.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	auth := NewAuthMiddleware(s.cfg)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/get_server_info", s.handleGetServerInfo)
		public.GET("/health", s.handleHealth)
	}

	protected := router.Group("/api")
	protected.Use(auth.IPWhitelist())
	protected.Use(auth.RequireAuth())

	monitor := protected.Group("/monitor")
	monitor.Use(auth.RequirePermission(PermMonitor))
	{
		monitor.GET("/participants", s.handleGetParticipants)
		monitor.GET("/participants/:id", s.handleGetParticipant)
		monitor.GET("/channels", s.handleGetChannels)
		monitor.GET("/session", s.handleGetSession)
		monitor.GET("/audit", s.handleGetAudit)
		monitor.GET("/resources", s.handleGetResources)
	}

	control := protected.Group("/control")
	control.Use(auth.RequirePermission(PermControl))
	{
		control.GET("/pending_keys", s.handleGetPendingKeys)
		control.POST("/pending_keys", s.handleAddPendingKey)
		control.POST("/disconnect/:id", s.moderationHandler(events.ActionDisconnect))
		control.POST("/mute/:id", s.moderationHandler(events.ActionMute))
		control.POST("/unmute/:id", s.moderationHandler(events.ActionUnmute))
		control.POST("/deafen/:id", s.moderationHandler(events.ActionDeafen))
		control.POST("/undeafen/:id", s.moderationHandler(events.ActionUndeafen))
		control.POST("/move/:id", s.handleMove)
		control.POST("/logout", s.handleLogout)
	}

	configure := protected.Group("/configure")
	configure.Use(auth.RequirePermission(PermConfigure))
	{
		configure.GET("/get_config", s.handleGetConfig)
		configure.POST("/set_mccomm_field", s.handleSetMCCommField)
		configure.POST("/channels/:id/settings", s.handleSetChannelSettings)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "MCComm admin API is running."})
	})

	return router
}

// Stop gracefully stops both listeners.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	for _, srv := range []*http.Server{s.mccommServer, s.apiServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
