package subject

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/resolver"
)

var validate = validator.New()

// Register registers subject routes
func Register(g *echo.Group) {
	g.GET("/:id", Get)
	g.GET("/:id/canonical", Canonical)
	g.PATCH("/:id", Correct)
	g.POST("/:id/edges", Link)
}

// Get returns a subject with its identifiers and edges. Tombstones are
// returned as stored.
func Get(c echo.Context) error {
	ctx, r, err := ectoinject.GetContext[*resolver.Resolver](c.Request().Context())
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	view, err := r.Subject(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// Canonical returns the canonical subject an id resolves to
func Canonical(c echo.Context) error {
	ctx, r, err := ectoinject.GetContext[*resolver.Resolver](c.Request().Context())
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	s, err := r.Canonical(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

// Correct applies an audited manual correction to one attribute
func Correct(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.CorrectionRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, r, err := ectoinject.GetContext[*resolver.Resolver](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	s, err := r.Correct(ctx, c.Param("id"), req, context.GetActor(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

// Link creates an edge from the subject to another
func Link(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.CreateEdgeRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.FromID = c.Param("id")
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, r, err := ectoinject.GetContext[*resolver.Resolver](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	edge, err := r.Link(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, edge)
}
