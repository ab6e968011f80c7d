package blacklist

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	blacklistpkg "github.com/Ramsey-B/clover/pkg/blacklist"
	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
)

var validate = validator.New()

// Register registers blacklist routes
func Register(g *echo.Group) {
	g.GET("", List)
	g.POST("", Create)
	g.GET("/:id", Get)
	g.DELETE("/:id", Delete)
}

// ListResponse is one page of blacklist entries
type ListResponse struct {
	Items  []models.SoftBlacklistEntry `json:"items"`
	Limit  int                         `json:"limit"`
	Offset int                         `json:"offset"`
}

// List pages entries in identifier order
func List(c echo.Context) error {
	ctx := c.Request().Context()

	limit, offset := 100, 0
	err := echo.QueryParamsBinder(c).
		Int("limit", &limit).
		Int("offset", &offset).
		BindError()
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid query parameters")
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	ctx, service, err := ectoinject.GetContext[*blacklistpkg.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	items, err := service.List(ctx, limit, offset)
	if err != nil {
		return err
	}
	if items == nil {
		items = []models.SoftBlacklistEntry{}
	}
	return c.JSON(http.StatusOK, ListResponse{Items: items, Limit: limit, Offset: offset})
}

// Create adds or replaces the entry for an identifier
func Create(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.CreateBlacklistEntryRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, service, err := ectoinject.GetContext[*blacklistpkg.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entry, err := service.Add(ctx, req, context.GetActor(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, entry)
}

// Get returns one entry
func Get(c echo.Context) error {
	ctx, service, err := ectoinject.GetContext[*blacklistpkg.Service](c.Request().Context())
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entry, err := service.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

// Delete removes an entry. The optional reason query parameter is kept in
// the audit log.
func Delete(c echo.Context) error {
	ctx, service, err := ectoinject.GetContext[*blacklistpkg.Service](c.Request().Context())
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := service.Remove(ctx, c.Param("id"), context.GetActor(ctx), c.QueryParam("reason")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
