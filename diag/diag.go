// Package diag implements a read-only HTTP status surface over a running
// App: process health, the set of live engines (graphs), and per-engine
// detail (extensions, remotes, outstanding path-table entries). It never
// mutates runtime state — there is no equivalent of the teacher's settings
// or channel-admin endpoints here, because nothing in this runtime is
// administered over HTTP.
package diag

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"signalmesh/app"
)

// Version is the current runtime version, set at build time via -ldflags.
var Version = "0.1.0-dev"

// Server exposes the diagnostics HTTP surface for one App.
type Server struct {
	app  *app.App
	echo *echo.Echo
	log  *slog.Logger
}

// New constructs a Server and registers all routes.
func New(a *app.App, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	log = log.With("component", "diag")
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{app: a, echo: e, log: log}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/engines", s.handleListEngines)
	s.echo.GET("/engines/:id", s.handleEngineDetail)
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.log.Warn("server error", "err", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		s.log.Warn("shutdown", "err", err)
	}
}

// HealthResponse is the payload for GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Engines int    `json:"engines"`
	Orphans int    `json:"orphans"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Engines: len(s.app.Engines()),
		Orphans: s.app.OrphanCount(),
	})
}

// VersionResponse is the payload for GET /version.
type VersionResponse struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Version: Version})
}

// EngineSummary is one entry of GET /engines.
type EngineSummary struct {
	GraphID    string `json:"graph_id"`
	Extensions int    `json:"extensions"`
	Remotes    int    `json:"remotes"`
	Paths      int    `json:"paths"`
}

func (s *Server) handleListEngines(c echo.Context) error {
	engines := s.app.Engines()
	out := make([]EngineSummary, 0, len(engines))
	for _, e := range engines {
		out = append(out, EngineSummary{
			GraphID:    e.GraphID,
			Extensions: len(e.ExtensionNames()),
			Remotes:    len(e.RemoteURIs()),
			Paths:      e.PathCount(),
		})
	}
	return c.JSON(http.StatusOK, out)
}

// EngineDetail is the payload for GET /engines/:id.
type EngineDetail struct {
	GraphID    string   `json:"graph_id"`
	Extensions []string `json:"extensions"`
	Remotes    []string `json:"remotes"`
	Paths      int      `json:"paths"`
}

func (s *Server) handleEngineDetail(c echo.Context) error {
	id := c.Param("id")
	e, ok := s.app.EngineByGraphID(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no engine with that graph_id")
	}
	return c.JSON(http.StatusOK, EngineDetail{
		GraphID:    e.GraphID,
		Extensions: e.ExtensionNames(),
		Remotes:    e.RemoteURIs(),
		Paths:      e.PathCount(),
	})
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
