package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"zher/server/internal/discovery"
	"zher/server/internal/state"
	"zher/server/internal/webapp"
	"zher/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application.
type Server struct {
	echo      *echo.Echo
	store     *state.Store
	responder *discovery.Responder
}

// New constructs an Echo app with the websocket, transfer relay, settings
// and embedded web app routes. app may be nil in tests that only exercise
// the API surface.
func New(store *state.Store, responder *discovery.Responder, app *webapp.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{echo: e, store: store, responder: responder}
	s.registerRoutes(app)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(app *webapp.Handler) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/api/upload/:transferId", s.handleUpload)
	s.echo.GET("/api/download/:fileId", s.handleDownload)
	s.echo.GET("/api/roomcode", s.handleRoomCodeGet)
	s.echo.POST("/api/roomcode", s.handleRoomCodeSet)
	s.echo.POST("/api/roomcode/toggle", s.handleRoomCodeToggle)
	s.echo.POST("/api/discovery", s.handleDiscoveryToggle)
	ws.NewHandler(s.store).Register(s.echo)
	if app != nil {
		app.Register(s.echo)
	}
}

// Run serves HTTP on an already bound listener and blocks until ctx
// cancellation or serve failure. Binding stays with the caller so a port
// clash surfaces before anything else starts.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	s.echo.Listener = ln

	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start("")
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
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Peers  int    `json:"peers"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Peers:  len(s.store.Users()),
	})
}

type roomCodeResponse struct {
	Enabled  bool   `json:"enabled"`
	RoomCode string `json:"roomCode"`
}

func (s *Server) handleRoomCodeGet(c echo.Context) error {
	enabled, code := s.store.RoomCode()
	return c.JSON(http.StatusOK, roomCodeResponse{Enabled: enabled, RoomCode: code})
}

type setRoomCodeRequest struct {
	RoomCode string `json:"roomCode"`
}

func (s *Server) handleRoomCodeSet(c echo.Context) error {
	var req setRoomCodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if !state.ValidRoomCode(req.RoomCode) {
		return echo.NewHTTPError(http.StatusBadRequest, "room code must be exactly six digits")
	}
	s.store.SetRoomCode(req.RoomCode)

	enabled, code := s.store.RoomCode()
	return c.JSON(http.StatusOK, roomCodeResponse{Enabled: enabled, RoomCode: code})
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleRoomCodeToggle(c echo.Context) error {
	var req toggleRequest
	if err := c.Bind(&req); err != nil || req.Enabled == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "enabled flag is required")
	}
	code := s.store.SetRoomCodeEnabled(*req.Enabled)
	return c.JSON(http.StatusOK, roomCodeResponse{Enabled: *req.Enabled, RoomCode: code})
}

type discoveryResponse struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleDiscoveryToggle(c echo.Context) error {
	if s.responder == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "discovery is not configured")
	}

	var req toggleRequest
	if err := c.Bind(&req); err != nil || req.Enabled == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "enabled flag is required")
	}
	s.responder.SetEnabled(*req.Enabled)
	return c.JSON(http.StatusOK, discoveryResponse{Enabled: *req.Enabled})
}
