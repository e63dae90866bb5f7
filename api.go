package main

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vibespeak/vibespeak/internal/floor"
	"github.com/vibespeak/vibespeak/internal/relay"
	"github.com/vibespeak/vibespeak/internal/signaling"
	"github.com/vibespeak/vibespeak/internal/wsproto"
)

// apiLogger is the slog handler for this package, matching the newer half
// of the teacher's own mixed logging texture (internal/ws/handler.go uses
// slog; main.go/cli.go keep stdlib log).
var apiLogger = slog.Default().With("component", "api")

// APIServer is a thin demonstration of the spec §6 HTTP boundary: a health
// check and aggregate stats for the realtime core. It deliberately does not
// implement chat CRUD, moderation, or file upload — those remain external
// collaborators per spec §1.
//
// Grounded on rustyguts-bken's api.go: echo + request-logging + recover
// middleware, a custom JSON error handler, and a flat GET-mostly route table.
type APIServer struct {
	relay *relay.Relay
	hub   *signaling.Hub
	floor *floor.Controller
	echo  *echo.Echo
}

// NewAPIServer constructs an APIServer wired to the three realtime actors.
func NewAPIServer(voiceRelay *relay.Relay, hub *signaling.Hub, floorCtl *floor.Controller) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			apiLogger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &APIServer{relay: voiceRelay, hub: hub, floor: floorCtl, echo: e}
	s.registerRoutes()
	return s
}

func (s *APIServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/stats", s.handleStats)
	s.echo.GET("/api/rooms", s.handleRooms)
	s.echo.GET("/api/floor/:channel", s.handleFloorStats)
	s.echo.GET("/api/version", s.handleVersion)
}

// Run starts the Echo HTTP server on addr and blocks until ctx is cancelled.
func (s *APIServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			apiLogger.Error("server error", "err", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		apiLogger.Error("shutdown", "err", err)
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	VoiceClients int    `json:"voice_clients"`
	WSSessions   int    `json:"ws_sessions"`
}

func (s *APIServer) handleHealth(c echo.Context) error {
	rs := s.relay.Stats()
	hs := s.hub.Stats()
	return c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		VoiceClients: rs.Clients,
		WSSessions:   hs.Sessions,
	})
}

// StatsResponse is the payload for GET /api/stats, aggregating the three
// realtime actors' own Stats() snapshots.
type StatsResponse struct {
	Relay      relay.Stats      `json:"relay"`
	Signaling  signaling.HubStats `json:"signaling"`
	Goroutines int              `json:"goroutines"`
}

func (s *APIServer) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, StatsResponse{
		Relay:      s.relay.Stats(),
		Signaling:  s.hub.Stats(),
		Goroutines: runtime.NumGoroutine(),
	})
}

// RoomsResponse is the payload for GET /api/rooms.
type RoomsResponse struct {
	Rooms []string `json:"rooms"`
}

func (s *APIServer) handleRooms(c echo.Context) error {
	rooms := s.hub.GetAllRooms()
	if rooms == nil {
		rooms = []string{}
	}
	return c.JSON(http.StatusOK, RoomsResponse{Rooms: rooms})
}

func (s *APIServer) handleFloorStats(c echo.Context) error {
	channel := c.Param("channel")
	if !wsproto.ValidRoomID(channel) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid channel")
	}
	return c.JSON(http.StatusOK, s.floor.Stats(channel, time.Now()))
}

// VersionResponse is the payload for GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

func (s *APIServer) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Version: Version})
}

// jsonErrorHandler ensures all error responses have a consistent JSON body:
//
//	{"error": "message"}
//
// This replaces Echo's default handler which varies between text and JSON.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
