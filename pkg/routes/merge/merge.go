package merge

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	clcontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var validate = validator.New()

// Register registers merge routes
func Register(g *echo.Group) {
	g.POST("", Merge)
}

// Merge folds loser_id into winner_id. Ids that already share a canonical
// subject answer 200 with already_merged set.
func Merge(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "routes.merge.Merge")
	defer span.End()

	var req models.MergeRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Actor = clcontext.GetActor(ctx)

	ctx, executor, err := ectoinject.GetContext[*merging.Executor](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	res, err := executor.Merge(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
