package jobs

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/blacklist"
	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/refresh"
)

// Register registers job routes. Runs are synchronous; the response
// carries the run statistics.
func Register(g *echo.Group) {
	g.POST("/candidate-refresh", Refresh)
	g.POST("/blacklist-detect", Detect)
}

type runParams struct {
	chunkSize   int
	concurrency int
	dryRun      bool
	actor       string
}

func bindRun(c echo.Context) (runParams, error) {
	var p runParams
	err := echo.QueryParamsBinder(c).
		Int("chunk_size", &p.chunkSize).
		Int("concurrency", &p.concurrency).
		Bool("dry_run", &p.dryRun).
		BindError()
	if err != nil {
		return p, httperror.NewHTTPError(http.StatusBadRequest, "invalid query parameters")
	}
	// without an X-Actor header the job records its own name
	if ctx := c.Request().Context(); context.HasActor(ctx) {
		p.actor = context.GetActor(ctx)
	}
	return p, nil
}

// Refresh runs candidate refresh from the last checkpoint
func Refresh(c echo.Context) error {
	p, err := bindRun(c)
	if err != nil {
		return err
	}

	ctx, refresher, err := ectoinject.GetContext[*refresh.Refresher](c.Request().Context())
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	stats, err := refresher.Run(ctx, refresh.Options{
		ChunkSize:   p.chunkSize,
		Concurrency: p.concurrency,
		DryRun:      p.dryRun,
		Actor:       p.actor,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// Detect runs shared identifier detection from the last checkpoint
func Detect(c echo.Context) error {
	p, err := bindRun(c)
	if err != nil {
		return err
	}

	ctx, detector, err := ectoinject.GetContext[*blacklist.Detector](c.Request().Context())
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	stats, err := detector.Run(ctx, blacklist.DetectOptions{
		ChunkSize:   p.chunkSize,
		Concurrency: p.concurrency,
		DryRun:      p.dryRun,
		Actor:       p.actor,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}
