// Package httpapi is the daemon's control surface: REST routes over the
// session orchestrator, the Prometheus scrape endpoint and a websocket
// stream of processed audio.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"bken/aecd/internal/config"
	"bken/aecd/internal/engine"
	"bken/aecd/internal/permission"
	"bken/aecd/internal/session"
	"bken/aecd/internal/store"
)

// permissionTimeout bounds how long a permission request may take.
const permissionTimeout = 30 * time.Second

// Controller is the orchestrator surface the API drives.
// *session.Orchestrator implements it.
type Controller interface {
	StartAECCapture(cb engine.Callback) error
	StopAECCapture() error
	IsAECActive() bool
	UpdateAECConfig(cfg config.AEC) error
	CurrentAECConfig() config.AEC
	DefaultAECConfig() config.AEC
	Permissions() map[permission.DeviceType]permission.Status
	RequestPermission(dev permission.DeviceType, done func(map[permission.DeviceType]permission.Status))
	Stats() session.Stats
}

// SessionLister reads the session journal. *store.Store implements it.
type SessionLister interface {
	Sessions(ctx context.Context, limit int) ([]store.Session, error)
}

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	ctrl     Controller
	hub      *Hub
	sessions SessionLister
	metrics  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithSessions serves the journal on /api/sessions.
func WithSessions(l SessionLister) Option {
	return func(s *Server) { s.sessions = l }
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New constructs the Echo app.
func New(ctrl Controller, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, ctrl: ctrl, hub: NewHub()}
	for _, o := range opts {
		o(s)
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Hub returns the audio fan-out used as the capture callback.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	api := s.echo.Group("/api")
	api.GET("/aec", s.handleStats)
	api.POST("/aec/start", s.handleStart)
	api.POST("/aec/stop", s.handleStop)
	api.GET("/aec/config", s.handleConfig)
	api.PUT("/aec/config", s.handleUpdateConfig)
	api.GET("/aec/config/default", s.handleDefaultConfig)
	api.GET("/permissions", s.handlePermissions)
	api.POST("/permissions/:device", s.handleRequestPermission)
	api.GET("/sessions", s.handleSessions)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}
	newAudioHandler(s.hub).register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		s.hub.Close()
		return nil
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	Active    bool   `json:"active"`
	Listeners int    `json:"listeners"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Active:    s.ctrl.IsAECActive(),
		Listeners: s.hub.Count(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctrl.Stats())
}

func (s *Server) handleStart(c echo.Context) error {
	if err := s.ctrl.StartAECCapture(s.hub.Broadcast); err != nil {
		return controlError(err)
	}
	return c.JSON(http.StatusOK, s.ctrl.Stats())
}

func (s *Server) handleStop(c echo.Context) error {
	if err := s.ctrl.StopAECCapture(); err != nil {
		return controlError(err)
	}
	return c.JSON(http.StatusOK, s.ctrl.Stats())
}

func (s *Server) handleConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctrl.CurrentAECConfig())
}

func (s *Server) handleDefaultConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctrl.DefaultAECConfig())
}

// handleUpdateConfig decodes the body over the current configuration, so a
// client may send only the fields it changes.
func (s *Server) handleUpdateConfig(c echo.Context) error {
	cfg := s.ctrl.CurrentAECConfig()
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode config: %v", err))
	}
	if err := s.ctrl.UpdateAECConfig(cfg); err != nil {
		return controlError(err)
	}
	return c.JSON(http.StatusOK, s.ctrl.CurrentAECConfig())
}

func (s *Server) handlePermissions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctrl.Permissions())
}

func (s *Server) handleRequestPermission(c echo.Context) error {
	dev, err := permission.ParseDeviceType(c.Param("device"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	done := make(chan map[permission.DeviceType]permission.Status, 1)
	s.ctrl.RequestPermission(dev, func(m map[permission.DeviceType]permission.Status) { done <- m })

	ctx, cancel := context.WithTimeout(c.Request().Context(), permissionTimeout)
	defer cancel()
	select {
	case m := <-done:
		return c.JSON(http.StatusOK, m)
	case <-ctx.Done():
		return echo.NewHTTPError(http.StatusGatewayTimeout, "permission request did not resolve")
	}
}

func (s *Server) handleSessions(c echo.Context) error {
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session journal is not configured")
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	list, err := s.sessions.Sessions(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("list sessions: %v", err))
	}
	if list == nil {
		list = []store.Session{}
	}
	return c.JSON(http.StatusOK, list)
}

// controlError maps orchestrator and engine failures to HTTP statuses.
func controlError(err error) error {
	switch {
	case errors.Is(err, config.ErrInvalidConfiguration):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrAlreadyActive),
		errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrEngineNotConfigured):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
