package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dcrelay/internal/bridge"
	"dcrelay/internal/database/models"
	"dcrelay/internal/types"
)

// Bridge is the part of the relay engine the admin API drives.
type Bridge interface {
	Snapshot() bridge.Snapshot
	Ready(ctx context.Context) error
	UpsertRoomMapping(ctx context.Context, aRoomID, aRoomName, bRoomID, bRoomName string, bidirectional bool) (*models.RoomMapping, error)
	UpsertUserMapping(ctx context.Context, aUserID, aName, bUserID, bName string) (*models.UserMapping, error)
	RetryDeferred() int
}

// MappingLister lists persisted mappings.
type MappingLister interface {
	ListRoomMappings(ctx context.Context) ([]*models.RoomMapping, error)
	ListUserMappings(ctx context.Context) ([]*models.UserMapping, error)
}

// Server is the admin HTTP surface: probes, stats, metrics and mappings.
type Server struct {
	echo     *echo.Echo
	bridge   Bridge
	mappings MappingLister
	started  time.Time
	log      zerolog.Logger
}

// NewServer registers all routes. registry may be nil to disable /metrics.
func NewServer(b Bridge, mappings MappingLister, registry *prometheus.Registry, log zerolog.Logger) *Server {
	s := &Server{
		echo:     echo.New(),
		bridge:   b,
		mappings: mappings,
		started:  time.Now(),
		log:      log.With().Str("component", "api").Logger(),
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("Request")
			return nil
		},
	}))

	e.GET("/healthz", s.Live)
	e.GET("/readyz", s.Ready)
	e.GET("/stats", s.Stats)
	if registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	g := e.Group("/mappings")
	g.GET("/rooms", s.ListRooms)
	g.PUT("/rooms", s.PutRoom)
	g.GET("/users", s.ListUsers)
	g.PUT("/users", s.PutUser)
	e.POST("/deferred/retry", s.RetryDeferred)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("Admin API listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	case errors.Is(err, types.ErrInvalidMapping):
		code = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, types.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		s.log.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("Request failed")
	}
	if err := c.JSON(code, map[string]string{"error": msg}); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write error response")
	}
}

// Live returns the liveness status (is the process serving)
func (s *Server) Live(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// Ready returns 503 until the bridge accepts traffic and its store answers.
func (s *Server) Ready(c echo.Context) error {
	if err := s.bridge.Ready(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.bridge.Snapshot())
}

// RoomMappingRequest is the body of PUT /mappings/rooms.
type RoomMappingRequest struct {
	NetworkARoomID   string `json:"network_a_room_id"`
	NetworkARoomName string `json:"network_a_room_name"`
	NetworkBRoomID   string `json:"network_b_room_id"`
	NetworkBRoomName string `json:"network_b_room_name"`
	// Bidirectional defaults to true when omitted.
	Bidirectional *bool `json:"bidirectional"`
}

// UserMappingRequest is the body of PUT /mappings/users.
type UserMappingRequest struct {
	NetworkAUserID      string `json:"network_a_user_id"`
	NetworkADisplayName string `json:"network_a_display_name"`
	NetworkBUserID      string `json:"network_b_user_id"`
	NetworkBDisplayName string `json:"network_b_display_name"`
}

func (s *Server) ListRooms(c echo.Context) error {
	rooms, err := s.mappings.ListRoomMappings(c.Request().Context())
	if err != nil {
		return err
	}
	if rooms == nil {
		rooms = []*models.RoomMapping{}
	}
	return c.JSON(http.StatusOK, rooms)
}

func (s *Server) PutRoom(c echo.Context) error {
	var req RoomMappingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	bidirectional := true
	if req.Bidirectional != nil {
		bidirectional = *req.Bidirectional
	}
	m, err := s.bridge.UpsertRoomMapping(c.Request().Context(),
		req.NetworkARoomID, req.NetworkARoomName, req.NetworkBRoomID, req.NetworkBRoomName, bidirectional)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) ListUsers(c echo.Context) error {
	users, err := s.mappings.ListUserMappings(c.Request().Context())
	if err != nil {
		return err
	}
	if users == nil {
		users = []*models.UserMapping{}
	}
	return c.JSON(http.StatusOK, users)
}

func (s *Server) PutUser(c echo.Context) error {
	var req UserMappingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := s.bridge.UpsertUserMapping(c.Request().Context(),
		req.NetworkAUserID, req.NetworkADisplayName, req.NetworkBUserID, req.NetworkBDisplayName)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// RetryDeferred replays messages parked for lack of a mapping or a platform.
func (s *Server) RetryDeferred(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]int{"retried": s.bridge.RetryDeferred()})
}
