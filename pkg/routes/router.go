// Package routes assembles the HTTP API.
package routes

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/routes/audit"
	"github.com/Ramsey-B/clover/pkg/routes/blacklist"
	"github.com/Ramsey-B/clover/pkg/routes/candidate"
	"github.com/Ramsey-B/clover/pkg/routes/graph"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	"github.com/Ramsey-B/clover/pkg/routes/jobs"
	"github.com/Ramsey-B/clover/pkg/routes/merge"
	"github.com/Ramsey-B/clover/pkg/routes/params"
	"github.com/Ramsey-B/clover/pkg/routes/resolve"
	"github.com/Ramsey-B/clover/pkg/routes/subject"
)

// ServerConfig holds the echo settings
type ServerConfig struct {
	ServiceName string
	// ContainerID names the dependency container built by NewContainer
	ContainerID  string
	AllowOrigins []string
	AllowMethods []string
}

// NewServer builds the echo instance with middleware, metrics and routes.
// Handlers resolve their services from the container named by
// cfg.ContainerID. checker may be nil.
func NewServer(cfg ServerConfig, logger ectologger.Logger, checker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomiddleware.Recover())
	if cfg.ServiceName != "" {
		e.Use(otelecho.Middleware(cfg.ServiceName))
	}
	e.Use(middleware.Context())
	e.Use(middleware.Container(cfg.ContainerID))
	e.Use(middleware.Logger(logger))
	if len(cfg.AllowOrigins) > 0 {
		e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
			AllowOrigins: cfg.AllowOrigins,
			AllowMethods: cfg.AllowMethods,
		}))
	}

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if checker != nil {
		checker.RegisterRoutes(e)
	}

	api := e.Group("/api/v1")
	resolve.Register(api.Group("/resolve"))
	candidate.Register(api.Group("/candidates"))
	subject.Register(api.Group("/subjects"))
	merge.Register(api.Group("/merges"))
	audit.Register(api.Group("/audit"))
	blacklist.Register(api.Group("/blacklist"))
	params.Register(api.Group("/params"))
	jobs.Register(api.Group("/jobs"))
	graph.Register(api.Group("/graph"))
	return e
}
