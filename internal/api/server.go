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

	"github.com/xonrelay/xonrelay/internal/bridge"
	"github.com/xonrelay/xonrelay/internal/config"
	"github.com/xonrelay/xonrelay/internal/db"
	"github.com/xonrelay/xonrelay/internal/events"
	"github.com/xonrelay/xonrelay/internal/network"
	"github.com/xonrelay/xonrelay/internal/protocol"
	"github.com/xonrelay/xonrelay/internal/util"
)

// Version is reported by the public endpoints.
const Version = "1.0.0"

// Bridge is the part of the bridge manager exposed over HTTP.
type Bridge interface {
	GetAllInfo() []bridge.RelayInfo
	GetInfo(name string) (bridge.RelayInfo, error)
	Status(ctx context.Context, name string) (*protocol.StatusSnapshot, error)
	RefreshChallenge(ctx context.Context, name string) (network.Challenge, error)
	Rcon(name, command, origin string) error
	Say(name string, author bridge.Author, text string) error
	Reconnect(ctx context.Context, name string) error
	RecentChat(name string, n int) ([]bridge.ChatLine, error)
	GetTotalServers() int
	GetReadyCount() int
}

// History is the stored history read by the monitor endpoints.
type History interface {
	RecentChat(ctx context.Context, server string, limit int) ([]db.ChatEntry, error)
	RecentRcon(ctx context.Context, limit int) ([]db.RconEntry, error)
	GetUnacknowledgedAlerts(ctx context.Context) ([]db.Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID int64) error
}

// Server is the REST API server.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	bridge   Bridge
	history  History
	logger   zerolog.Logger

	startedAt time.Time

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. history may be nil when history is
// disabled.
func NewServer(cfg *config.Config, eventBus *events.EventBus, b Bridge, history History) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		eventBus:  eventBus,
		bridge:    b,
		history:   history,
		logger:    log.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	app := s.cfg.GetApplicationData()
	addr := net.JoinHostPort(app.API.Host, fmt.Sprint(app.API.Port))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if app.Security.TLSEnabled {
		tlsConfig, err := s.tlsConfig(app.Security)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsConfig)
	}

	s.logger.Info().Str("addr", addr).Bool("tls", app.Security.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) tlsConfig(sec config.SecurityConfig) (*tls.Config, error) {
	certFile, keyFile := sec.TLSCertFile, sec.TLSKeyFile
	if certFile == "" || keyFile == "" {
		certFile, keyFile = "config/tls/cert.pem", "config/tls/key.pem"
	}
	if err := util.EnsureCertificate(certFile, keyFile); err != nil {
		return nil, fmt.Errorf("failed to prepare TLS certificate: %w", err)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	sec := s.cfg.GetApplicationData().Security
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := sec.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(sec.RateLimitRPS).Middleware())

	auth := NewAuthMiddleware(s.cfg)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleGetVersion)
	}

	protected := router.Group("/api")
	protected.Use(auth.RequireAuth())

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/servers", s.handleListServers)
		monitor.GET("/servers/:name", s.handleGetServer)
		monitor.GET("/servers/:name/status", s.handleGetStatus)
		monitor.GET("/servers/:name/chat", s.handleGetChat)
		monitor.GET("/system", s.handleGetSystem)
		monitor.GET("/log_entries", s.handleGetLogEntries)
		monitor.GET("/rcon_audit", s.handleGetRconAudit)
		monitor.GET("/alerts", s.handleGetAlerts)
	}

	control := protected.Group("/control")
	{
		control.POST("/servers/:name/challenge", s.handleChallenge)
		control.POST("/servers/:name/rcon", s.handleRcon)
		control.POST("/servers/:name/say", s.handleSay)
		control.POST("/servers/:name/reconnect", s.handleReconnect)
		control.POST("/alerts/:id/ack", s.handleAckAlert)
	}

	configure := protected.Group("/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/app_field", s.handleSetAppField)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "xonrelay API is running"})
	})

	return router
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
