package candidate

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/resolver"
)

var validate = validator.New()

// Register registers candidate routes
func Register(g *echo.Group) {
	g.GET("", List)
	g.GET("/:id", Get)
	g.POST("/:id/resolve", Resolve)
}

// List pages candidates, highest score first. Filters: status (pending by
// default, "all" for every status), tier, min_score, max_score, subject_id,
// limit, offset.
func List(c echo.Context) error {
	ctx := c.Request().Context()

	var (
		f                  models.CandidateFilter
		status, tier       string
		minScore, maxScore float64
	)
	err := echo.QueryParamsBinder(c).
		String("status", &status).
		String("tier", &tier).
		String("subject_id", &f.SubjectID).
		Int("limit", &f.Limit).
		Int("offset", &f.Offset).
		Float64("min_score", &minScore).
		Float64("max_score", &maxScore).
		BindError()
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid query parameters")
	}
	switch status {
	case "":
		f.Status = models.MergeCandidateStatusPending
	case "all":
	default:
		f.Status = models.MergeCandidateStatus(status)
	}
	f.Tier = models.Tier(tier)
	if c.QueryParam("min_score") != "" {
		f.MinScore = &minScore
	}
	if c.QueryParam("max_score") != "" {
		f.MaxScore = &maxScore
	}

	ctx, r, err := ectoinject.GetContext[*resolver.Resolver](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	page, err := r.ListCandidates(ctx, f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// Get returns one candidate with the heuristic confidence of the pair
func Get(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, r, err := ectoinject.GetContext[*resolver.Resolver](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	candidate, err := r.GetCandidate(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidate)
}

// Resolve applies a reviewer decision: merge, keep_separate or dismiss
func Resolve(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.ResolveCandidateRequest
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

	actor := context.GetActor(ctx)
	outcome, err := r.ResolveCandidate(ctx, c.Param("id"), req, actor)
	if err != nil {
		return err
	}

	ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
	if logger != nil {
		logger.WithContext(ctx).WithFields(map[string]any{
			"candidate_id": c.Param("id"),
			"decision":     req.Decision,
			"actor":        actor,
		}).Info("Resolved merge candidate")
	}

	return c.JSON(http.StatusOK, outcome)
}
