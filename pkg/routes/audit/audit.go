package audit

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/store"
)

// Register registers audit routes
func Register(g *echo.Group) {
	g.GET("", List)
}

// List returns audit entries newest first. Filters: entity_type, entity_id,
// action, limit, offset.
func List(c echo.Context) error {
	ctx := c.Request().Context()

	var (
		f      models.AuditFilter
		action string
	)
	err := echo.QueryParamsBinder(c).
		String("entity_type", &f.EntityType).
		String("entity_id", &f.EntityID).
		String("action", &action).
		Int("limit", &f.Limit).
		Int("offset", &f.Offset).
		BindError()
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid query parameters")
	}
	f.Action = models.AuditAction(action)
	f.Normalize()

	ctx, st, err := ectoinject.GetContext[store.Store](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entries, err := st.ListAudit(ctx, f)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}
