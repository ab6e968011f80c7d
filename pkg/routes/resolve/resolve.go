package resolve

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/resolver"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var validate = validator.New()

// Register registers the resolve route
func Register(g *echo.Group) {
	g.POST("", Resolve)
}

// Resolve matches a record to a known subject or creates a new one.
// 201 when a subject was created, 200 otherwise.
func Resolve(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "routes.resolve.Resolve")
	defer span.End()

	var rec models.Record
	if err := c.Bind(&rec); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(rec); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, r, err := ectoinject.GetContext[*resolver.Resolver](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	res, err := r.ResolveOrCreate(ctx, rec)
	if err != nil {
		return err
	}

	if res.Created {
		return c.JSON(http.StatusCreated, res)
	}
	return c.JSON(http.StatusOK, res)
}
