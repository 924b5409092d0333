// Package control implements the HTTP control plane: room creation and
// room close, behind a version-prefixed Echo app shared with the session
// transport.
package control

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"bken/server/internal/ratelimit"
	"bken/server/internal/registry"
)

// apiVersion is the version prefix every control-plane route requires:
// requests not under it get a 400 "version incompatible" body rather than
// a bare 404.
const apiVersion = "v0"

// Server is the control-plane HTTP app.
type Server struct {
	echo     *echo.Echo
	registry *registry.Registry
	owners   *ratelimit.OwnershipCounter
	// newLimiter builds a fresh per-room join limiter at room-creation time,
	// parameterized by the process-wide CLI flags. Join limiting is
	// per-room, not per-process.
	newLimiter func() *ratelimit.RoomLimiter
}

// New constructs the control-plane app and registers its routes.
func New(reg *registry.Registry, owners *ratelimit.OwnershipCounter, newLimiter func() *ratelimit.RoomLimiter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("control request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodPost, http.MethodDelete},
	}))
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{echo: e, registry: reg, owners: owners, newLimiter: newLimiter}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v := s.echo.Group("/" + apiVersion)
	v.POST("/createServer", s.handleCreateRoom)
	v.DELETE("/closeServer", s.handleCloseRoom)

	// Anything outside the version prefix is a version mismatch, not a
	// generic 404.
	s.echo.Any("/*", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "version incompatible")
	})
}

// Handler exposes the underlying http.Handler for use with http.Server or
// net/http/httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// Echo exposes the underlying *echo.Echo so the session transport can
// register its websocket route on the same app; the control plane and
// session transport share one listener.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Run starts the combined control-plane/session app and blocks until ctx
// is canceled or startup fails.
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
		slog.Info("shutting down relay http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("relay http server stopped")
		return nil
	}
}

// RunTLS is Run's self-signed-certificate counterpart: it drives the same
// Echo app over a *http.Server carrying tlsConfig. The empty file paths
// passed to ListenAndServeTLS mean "use tlsConfig's already-loaded
// certificate".
func (s *Server) RunTLS(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down relay http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	err := httpSrv.ListenAndServeTLS("", "")
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type createRoomResponse struct {
	Code        string `json:"c"`
	OwnerSecret string `json:"su"`
}

// handleCreateRoom serves POST /v0/createServer. limit and prefix are
// query parameters, not a JSON body.
func (s *Server) handleCreateRoom(c echo.Context) error {
	limit := -1
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	prefix := c.QueryParam("prefix")

	address := c.RealIP()
	if !s.owners.TryOwn(address) {
		return echo.NewHTTPError(http.StatusForbidden, "limit reached")
	}

	r := s.registry.Create(prefix, limit, address, s.newLimiter())

	return c.JSON(http.StatusCreated, createRoomResponse{
		Code:        registry.DisplayCode(r.Code),
		OwnerSecret: r.OwnerSecret,
	})
}

// handleCloseRoom serves DELETE /v0/closeServer. code and su are query
// parameters.
func (s *Server) handleCloseRoom(c echo.Context) error {
	code := c.QueryParam("code")
	secret := c.QueryParam("su")

	// Look up the code before comparing secrets: an unknown code is
	// reported as 404 regardless of what su was sent.
	r, ok := s.registry.Lookup(code)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room does not exist")
	}
	if secret != r.OwnerSecret {
		return echo.NewHTTPError(http.StatusUnauthorized, "owner secret mismatch")
	}

	r.Close()
	if err := s.registry.Free(r.Code); err != nil {
		slog.Error("close_room free", "code", r.Code, "err", err)
	}
	s.owners.Deown(r.OwnerAddress)

	return c.NoContent(http.StatusOK)
}

// jsonErrorHandler ensures all error responses have a consistent JSON body:
//
//	{"error": "message"}
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
