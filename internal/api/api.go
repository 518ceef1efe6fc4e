// Package api provides the HTTP API of the fleet panel.
package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pifleet/panel/internal/archive"
	"github.com/pifleet/panel/internal/auth"
	"github.com/pifleet/panel/internal/config"
	"github.com/pifleet/panel/internal/docker"
	"github.com/pifleet/panel/internal/registry"
	"github.com/pifleet/panel/internal/remote"
	"github.com/pifleet/panel/internal/scanner"
	"github.com/pifleet/panel/internal/shell"
	"github.com/pifleet/panel/internal/sysinfo"
	"github.com/pifleet/panel/internal/system"
	"github.com/pifleet/panel/internal/telemetry"
	"github.com/pifleet/panel/internal/terminal"
	"github.com/pifleet/panel/internal/whitelist"
)

// RemoteSession runs commands on a registered device.
type RemoteSession interface {
	shell.Runner
	Close() error
}

// DeviceDialer connects to a device.
type DeviceDialer func(ctx context.Context, creds registry.Credentials) (RemoteSession, error)

// Deps are the collaborators the server routes to. Runner, Collector,
// Journal, Metrics, Opener and Dial get working defaults when nil; Docker
// may stay nil, in which case the docker routes answer 503.
type Deps struct {
	Config    *config.Config
	Scanner   *scanner.Scanner
	Auth      *auth.Manager
	Registry  *registry.Store
	Whitelist *whitelist.Store
	Runner    shell.Runner
	Journal   *system.Journal
	Collector *sysinfo.Collector
	Docker    *docker.Service
	Metrics   *telemetry.Metrics
	Opener    terminal.Opener
	Dial      DeviceDialer
	Logger    *zap.SugaredLogger
}

// Server represents the HTTP API server.
type Server struct {
	config    *config.Config
	scanner   *scanner.Scanner
	auth      *auth.Manager
	registry  *registry.Store
	whitelist *whitelist.Store
	runner    shell.Runner
	services  *system.Services
	journal   *system.Journal
	power     *system.Power
	collector *sysinfo.Collector
	docker    *docker.Service
	deployer  *archive.Deployer
	metrics   *telemetry.Metrics
	opener    terminal.Opener
	dial      DeviceDialer
	logger    *zap.SugaredLogger

	router   *gin.Engine
	upgrader websocket.Upgrader
	started  time.Time
}

// New creates a new API server.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:    deps.Config,
		scanner:   deps.Scanner,
		auth:      deps.Auth,
		registry:  deps.Registry,
		whitelist: deps.Whitelist,
		runner:    deps.Runner,
		journal:   deps.Journal,
		collector: deps.Collector,
		docker:    deps.Docker,
		metrics:   deps.Metrics,
		opener:    deps.Opener,
		dial:      deps.Dial,
		logger:    deps.Logger,
		router:    gin.New(),
		started:   time.Now(),
	}

	if s.runner == nil {
		s.runner = shell.NewExecRunner()
	}
	if s.collector == nil {
		s.collector = sysinfo.NewCollector(s.runner)
	}
	if s.journal == nil {
		s.journal = system.NewJournal(s.runner, s.whitelist)
	}
	if s.metrics == nil {
		s.metrics = telemetry.New()
	}
	if s.opener == nil {
		s.opener = terminal.SSHOpener{
			Timeout: s.config.Terminal.ConnectTimeout,
			Term:    s.config.Terminal.Term,
		}
	}
	if s.dial == nil {
		timeout := s.config.Terminal.ConnectTimeout
		s.dial = func(ctx context.Context, creds registry.Credentials) (RemoteSession, error) {
			client, err := remote.Dial(ctx, creds, timeout)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
	}
	s.services = system.NewServices(s.runner, s.whitelist)
	s.power = system.NewPower(s.runner, false)
	s.deployer = archive.NewDeployer(s.whitelist, s.runner, s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	readonly := auth.RequireRole(s.auth, auth.RoleReadonly)
	admin := auth.RequireRole(s.auth, auth.RoleAdmin)

	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(corsMiddleware(s.config.Server.AllowedOrigins))
	s.router.Use(newClientLimiter(s.config.Server.RateLimitPerMin).middleware())

	// Health endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readyHandler)
	s.router.GET("/prometheus", gin.WrapH(s.metrics.Handler()))

	s.router.POST("/auth/login", s.loginHandler)

	// Host
	s.router.GET("/info", s.infoHandler)
	s.router.GET("/metrics", s.metricsHandler)
	s.router.GET("/metrics/ws", s.metricsSocketHandler)
	s.router.GET("/service", readonly, s.serviceListHandler)
	s.router.POST("/service", admin, s.serviceActionHandler)
	s.router.POST("/service/status", readonly, s.serviceStatusHandler)
	s.router.POST("/exec", admin, s.execHandler)
	s.router.POST("/system/reboot", admin, s.rebootHandler)
	s.router.POST("/system/poweroff", admin, s.poweroffHandler)
	s.router.GET("/logs/download", readonly, s.logsDownloadHandler)
	s.router.GET("/logs/ws", s.logsSocketHandler)

	// Docker
	s.router.GET("/docker/info", readonly, s.dockerInfoHandler)
	s.router.GET("/docker/containers", readonly, s.dockerContainersHandler)
	s.router.POST("/docker/containers/:id/:action", admin, s.dockerActionHandler)

	// Backup and deploy
	s.router.GET("/backup/download", admin, s.backupHandler)
	s.router.POST("/deploy/archive", admin, s.deployArchiveHandler)
	s.router.POST("/deploy/git", admin, s.deployGitHandler)

	// Interactive terminal
	s.router.GET("/ssh/:device_id/ws", s.terminalHandler)

	v1 := s.router.Group("/api")
	{
		// Discovery
		v1.GET("/local-networks", s.localNetworksHandler)
		v1.POST("/discover", s.discoverHandler)
		v1.GET("/scans", readonly, s.scanListHandler)
		v1.DELETE("/scans/:id", admin, s.scanCancelHandler)

		// Device registry
		v1.GET("/devices", readonly, s.deviceListHandler)
		v1.POST("/devices", admin, s.deviceCreateHandler)
		v1.GET("/devices/:id", readonly, s.deviceGetHandler)
		v1.PUT("/devices/:id", admin, s.deviceUpdateHandler)
		v1.DELETE("/devices/:id", admin, s.deviceDeleteHandler)

		// Device operations over SSH
		v1.GET("/devices/:id/details", readonly, s.deviceDetailsHandler)
		v1.POST("/devices/:id/command", admin, s.deviceCommandHandler)
		v1.GET("/devices/:id/services", readonly, s.deviceServiceListHandler)
		v1.POST("/devices/:id/services", admin, s.deviceServiceActionHandler)
		v1.POST("/devices/:id/services/status", readonly, s.deviceServiceStatusHandler)
		v1.POST("/devices/:id/system/reboot", admin, s.deviceRebootHandler)
		v1.POST("/devices/:id/system/poweroff", admin, s.devicePoweroffHandler)
	}

	if dir := s.config.Server.StaticDir; dir != "" {
		s.router.Static("/ui", dir)
		s.router.StaticFile("/", filepath.Join(dir, "index.html"))
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.metrics.HTTPRequest(c.Request.Method, c.Writer.Status())
		s.logger.Debugw("Request completed",
			"path", path,
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"latency", time.Since(start),
		)
	}
}

// Health check handler
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":                "ok",
		"uptime_seconds":        int64(s.collector.Host(c.Request.Context()).UptimeSeconds),
		"metrics_interval_hint": s.config.Metrics.Interval.Seconds(),
	})
}

// Readiness check handler
func (s *Server) readyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ready",
		"service":       "pi-panel",
		"active_scans":  len(s.scanner.Sessions()),
		"devices":       len(s.registry.List()),
		"docker":        s.docker != nil,
		"since_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) loginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	id, err := s.auth.CheckCredentials(req.Username, req.Password)
	if err != nil {
		s.logger.Warnw("Login rejected", "username", req.Username, "client", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	token, err := s.auth.Issue(id.Subject, id.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Infow("Login succeeded", "username", id.Subject, "role", id.Role)
	c.JSON(http.StatusOK, LoginResponse{Token: token, Role: string(id.Role)})
}

// fail answers with the status that matches err.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("Request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scanner.ErrInvalidInput),
		errors.Is(err, scanner.ErrInvalidAddress),
		errors.Is(err, shell.ErrEmptyCommand),
		errors.Is(err, shell.ErrForbiddenToken),
		errors.Is(err, system.ErrInvalidAction),
		errors.Is(err, docker.ErrInvalidAction),
		errors.Is(err, archive.ErrUnsupportedFormat),
		errors.Is(err, archive.ErrUnsafePath),
		errors.Is(err, registry.ErrInvalidDevice),
		errors.Is(err, registry.ErrNoCredentials):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, whitelist.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, docker.ErrNotFound),
		errors.Is(err, archive.ErrTargetMissing),
		errors.Is(err, sysinfo.ErrNoPrivateNetwork):
		return http.StatusNotFound
	case errors.Is(err, system.ErrCommandFailed),
		errors.Is(err, errDeviceUnreachable),
		errors.Is(err, archive.ErrDeployFailed),
		errors.Is(err, docker.ErrUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
