package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/netplay64/netplay64/internal/config"
	"github.com/netplay64/netplay64/internal/db"
	"github.com/netplay64/netplay64/internal/discovery"
	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/health"
	"github.com/netplay64/netplay64/internal/nat"
	intnet "github.com/netplay64/netplay64/internal/network"
	"github.com/netplay64/netplay64/internal/room"
	"github.com/netplay64/netplay64/internal/session"
	"github.com/netplay64/netplay64/internal/util"
)

// SessionView is the read side of a hosted session.
type SessionView interface {
	Snapshot() session.Snapshot
}

// RoomControl is the part of the room server the API drives.
type RoomControl interface {
	Clients() []room.ClientInfo
	Started() bool
	StartGame(ctx context.Context) error
}

// ConnectionLister lists live gameplay connections.
type ConnectionLister interface {
	Connections() []intnet.ConnectionInfo
}

// MappingLister lists leased NAT port mappings.
type MappingLister interface {
	Mappings() []nat.Mapping
}

// RoomDirectory is the rendezvous room store.
type RoomDirectory interface {
	ListRooms() ([]db.Room, error)
	DeleteRoom(code int32) (bool, error)
}

// JoinView is the read side of the joining state machine.
type JoinView interface {
	State() events.JoinState
	Registration() (events.JoinRegisteredPayload, bool)
}

// CandidateLister lists sessions found on the local network.
type CandidateLister interface {
	Candidates() []discovery.NetplayServer
}

// HealthView reports the latest health check results.
type HealthView interface {
	Results() []health.Result
	Healthy() bool
}

// Host groups what a hosting process exposes. NAT and RoomCode may be nil.
type Host struct {
	Session  SessionView
	Room     RoomControl
	Gameplay ConnectionLister
	NAT      MappingLister
	RoomCode func() int32
}

// Join groups what a joining process exposes. Browser may be nil when the
// address was given directly.
type Join struct {
	Joiner  JoinView
	Browser CandidateLister
}

// Options selects the route groups a Server mounts. Only the groups whose
// backend is set are registered.
type Options struct {
	Role   string
	Config *config.Config
	Host   *Host
	Rooms  RoomDirectory
	Join   *Join
	Health HealthView
}

// Server is the REST API of one netplay64 process.
type Server struct {
	cfg      config.APIConfig
	opts     Options
	eventBus *events.EventBus
	logger   zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(opts Options, eventBus *events.EventBus) *Server {
	if opts.Config.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      opts.Config.GetAPI(),
		opts:     opts,
		eventBus: eventBus,
		logger:   util.ComponentLogger("api"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, for mounting under httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var tlsConfig *tls.Config
	if s.cfg.TLSEnabled {
		var err error
		if tlsConfig, err = s.loadTLS(); err != nil {
			return err
		}
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", addr).Bool("tls", tlsConfig != nil).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// loadTLS loads the configured key pair. Without one, a self-signed
// certificate is generated next to the config file.
func (s *Server) loadTLS() (*tls.Config, error) {
	certFile, keyFile := s.cfg.TLSCertFile, s.cfg.TLSKeyFile
	if certFile == "" || keyFile == "" {
		dir := filepath.Join(filepath.Dir(s.opts.Config.Path()), "certs")
		certFile = filepath.Join(dir, "api.crt")
		keyFile = filepath.Join(dir, "api.key")
		if !util.FileExists(certFile) || !util.FileExists(keyFile) {
			s.logger.Info().Str("cert", certFile).Msg("generating self-signed API certificate")
			if err := util.GenerateSelfSignedCert(certFile, keyFile); err != nil {
				return nil, err
			}
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load API TLS certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())
	router.Use(IPWhitelist(s.cfg.IPWhitelist))

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must be false with "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleGetInfo)
		public.GET("/health", s.handleGetHealth)
	}

	monitor := router.Group("/api/monitor")
	{
		monitor.GET("/usage", s.handleGetUsage)
		monitor.GET("/log_entries", s.handleGetLogEntries)
	}

	if s.opts.Host != nil {
		sess := router.Group("/api/session")
		{
			sess.GET("", s.handleGetSession)
			sess.GET("/players", s.handleGetPlayers)
			sess.GET("/files", s.handleGetFiles)
			sess.GET("/connections", s.handleGetConnections)
		}
		rm := router.Group("/api/room")
		{
			rm.GET("/clients", s.handleGetRoomClients)
			rm.GET("/code", s.handleGetRoomCode)
			rm.GET("/nat", s.handleGetNATMappings)
			rm.POST("/start", s.handleStartGame)
		}
	}

	if s.opts.Rooms != nil {
		rooms := router.Group("/api/rooms")
		{
			rooms.GET("", s.handleListRooms)
			rooms.DELETE("/:code", s.handleDeleteRoom)
		}
	}

	if s.opts.Join != nil {
		join := router.Group("/api/join")
		{
			join.GET("/state", s.handleGetJoinState)
			join.GET("/servers", s.handleGetServers)
		}
	}

	configure := router.Group("/api/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/netplay", s.handleSetNetplay)
		configure.PATCH("/netplay/:key", s.handleUpdateNetplayField)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "netplay64 API is running"})
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
