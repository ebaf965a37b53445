package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/livefeed-project/livefeed/internal/config"
	"github.com/livefeed-project/livefeed/internal/db"
	"github.com/livefeed-project/livefeed/internal/events"
	"github.com/livefeed-project/livefeed/internal/network"
	"github.com/livefeed-project/livefeed/internal/session"
	"github.com/livefeed-project/livefeed/internal/telemetry"
	"github.com/livefeed-project/livefeed/internal/util"
)

// Controller is the session surface the API drives.
type Controller interface {
	Start(roomID int64) error
	Stop()
	Status() session.Status
}

// AuditLister reads session audit records.
type AuditLister interface {
	List(limit int) ([]db.Record, error)
}

// Server is the REST API server.
type Server struct {
	cfg     *config.Config
	bus     *events.EventBus
	session Controller
	audit   AuditLister
	metrics *telemetry.Metrics
	stream  *streamHub
	logger  zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server. audit and metrics may be nil when the
// audit store or metrics are not in use.
func NewServer(cfg *config.Config, bus *events.EventBus, ctrl Controller, audit AuditLister, metrics *telemetry.Metrics) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		bus:     bus,
		session: ctrl,
		audit:   audit,
		metrics: metrics,
		stream:  newStreamHub(cfg.GetAPI().AllowedOrigins),
		logger:  util.ComponentLogger("api"),
	}
	s.stream.attach(bus)
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.GetAPI().Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop closes stream clients and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.stream.closeAll()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	apiCfg := s.cfg.GetAPI()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  allowedOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleVersion)
		public.GET("/system", s.handleSystem)
	}

	monitor := router.Group("/api/monitor")
	{
		monitor.GET("/status", s.handleStatus)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/stream", s.handleStream)
	}

	control := router.Group("/api/control")
	{
		control.POST("/watch/:room_id", s.handleWatch)
		control.POST("/stop", s.handleStop)
	}

	configure := router.Group("/api/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.PUT("/reconnect", s.handleSetReconnect)
	}

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "livefeed API is running"})
	})

	return router
}
