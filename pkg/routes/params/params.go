package params

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
	paramspkg "github.com/Ramsey-B/clover/pkg/params"
)

// File is the parameter file reloads read
type File string

// Register registers params routes
func Register(g *echo.Group) {
	g.GET("", Current)
	g.GET("/versions", Versions)
	g.GET("/versions/:version", Version)
	g.POST("/reload", Reload)
}

// Current returns the active parameter set
func Current(c echo.Context) error {
	_, store, err := ectoinject.GetContext[*paramspkg.Store](c.Request().Context())
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}
	return c.JSON(http.StatusOK, store.Current())
}

// VersionsResponse lists loaded versions
type VersionsResponse struct {
	Active   int   `json:"active"`
	Versions []int `json:"versions"`
}

// Versions lists every version loaded since start
func Versions(c echo.Context) error {
	_, store, err := ectoinject.GetContext[*paramspkg.Store](c.Request().Context())
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}
	return c.JSON(http.StatusOK, VersionsResponse{
		Active:   store.Current().Version,
		Versions: store.Versions(),
	})
}

// Version returns a previously loaded parameter set
func Version(c echo.Context) error {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "version must be an integer")
	}

	_, store, err := ectoinject.GetContext[*paramspkg.Store](c.Request().Context())
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	p, ok := store.Get(version)
	if !ok {
		return httperror.NewHTTPError(http.StatusNotFound, "params version not loaded")
	}
	return c.JSON(http.StatusOK, p)
}

// ReloadResponse reports the outcome of a reload
type ReloadResponse struct {
	Changed bool `json:"changed"`
	Version int  `json:"version"`
}

// Reload re-reads the parameter file. An invalid file is rejected and the
// active version stays in force.
func Reload(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, store, err := ectoinject.GetContext[*paramspkg.Store](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}
	ctx, path, err := ectoinject.GetContext[File](ctx)
	if err != nil || path == "" {
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "params file not configured")
	}

	changed, err := store.Reload(ctx, string(path))
	if err != nil {
		return httperror.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
	if logger != nil {
		logger.WithContext(ctx).WithFields(map[string]any{
			"changed": changed,
			"version": store.Current().Version,
			"actor":   context.GetActor(ctx),
		}).Info("Reloaded resolution params")
	}

	return c.JSON(http.StatusOK, ReloadResponse{Changed: changed, Version: store.Current().Version})
}
