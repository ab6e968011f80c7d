// Package health serves liveness, readiness and dependency status.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

const checkTimeout = 2 * time.Second

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Pinger reports whether a dependency is reachable
type Pinger func(ctx context.Context) error

type dependency struct {
	name     string
	ping     Pinger
	required bool
}

// Checker tracks the dependencies registered during startup. Dependencies
// may be added after the HTTP server is already serving.
type Checker struct {
	mu      sync.RWMutex
	deps    map[string]dependency
	version string
	started time.Time
	ready   atomic.Bool
}

func NewChecker(version string) *Checker {
	return &Checker{
		deps:    map[string]dependency{},
		version: version,
		started: time.Now(),
	}
}

// Require adds a dependency whose failure makes the service unhealthy and
// not ready
func (c *Checker) Require(name string, p Pinger) {
	c.add(dependency{name: name, ping: p, required: true})
}

// Observe adds a dependency whose failure only degrades the service
func (c *Checker) Observe(name string, p Pinger) {
	c.add(dependency{name: name, ping: p})
}

func (c *Checker) add(d dependency) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps[d.name] = d
}

// SetReady flips readiness, false while starting up or draining
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/v1/health", c.Health)
	e.GET("/api/v1/health/live", c.Live)
	e.GET("/api/v1/health/ready", c.Ready)
}

// Report is the body of the health endpoint
type Report struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	ReportedAt time.Time               `json:"reported_at"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Required bool   `json:"required"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency,omitempty"`
}

// check pings every dependency concurrently
func (c *Checker) check(ctx context.Context) *Report {
	c.mu.RLock()
	deps := make([]dependency, 0, len(c.deps))
	for _, d := range c.deps {
		deps = append(deps, d)
	}
	c.mu.RUnlock()
	sort.Slice(deps, func(i, j int) bool { return deps[i].name < deps[j].name })

	results := make([]*CheckResult, len(deps))
	var g errgroup.Group
	for i, d := range deps {
		g.Go(func() error {
			results[i] = ping(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{
		Status:     StatusHealthy,
		Version:    c.version,
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Checks:     make(map[string]*CheckResult, len(deps)),
		ReportedAt: time.Now().UTC(),
	}
	for i, d := range deps {
		res := results[i]
		report.Checks[d.name] = res
		switch {
		case res.Status == StatusHealthy:
		case d.required:
			report.Status = StatusUnhealthy
		case report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

func ping(ctx context.Context, d dependency) *CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	if err := d.ping(ctx); err != nil {
		return &CheckResult{Status: StatusUnhealthy, Required: d.required, Message: err.Error()}
	}
	return &CheckResult{Status: StatusHealthy, Required: d.required, Latency: time.Since(start).String()}
}

// Health reports every dependency. Only a failed required dependency turns
// the response into a 503.
func (c *Checker) Health(ctx echo.Context) error {
	report := c.check(ctx.Request().Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return ctx.JSON(code, report)
}

func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// Ready is 200 once startup finished and every required dependency answers
func (c *Checker) Ready(ctx echo.Context) error {
	if !c.ready.Load() {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "starting"})
	}
	if c.check(ctx.Request().Context()).Status == StatusUnhealthy {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "dependency unavailable"})
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
