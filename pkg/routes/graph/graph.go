package graph

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	graphpkg "github.com/Ramsey-B/clover/pkg/graph"
)

// Register registers the graph routes
func Register(g *echo.Group) {
	g.GET("/neighbors/:id", Neighbors)
}

// Neighbors returns the subjects and relationships within hops (default 1,
// at most 4) of a subject
func Neighbors(c echo.Context) error {
	ctx, qs, err := ectoinject.GetContext[*graphpkg.QueryService](c.Request().Context())
	if err != nil || qs == nil {
		// 503 because the graph mirror can be disabled
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "graph query service unavailable")
	}

	hops := 1
	if err := echo.QueryParamsBinder(c).Int("hops", &hops).BindError(); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "hops must be an integer")
	}

	result, err := qs.Neighbors(ctx, c.Param("id"), hops)
	if err != nil {
		ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
		if logger != nil {
			logger.WithContext(ctx).WithError(err).WithField("subject_id", c.Param("id")).Error("Failed to query graph neighbors")
		}
		return httperror.NewHTTPError(http.StatusBadGateway, "graph query failed")
	}

	return c.JSON(http.StatusOK, result)
}
