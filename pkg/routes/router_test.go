package routes_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blacklistpkg "github.com/Ramsey-B/clover/pkg/blacklist"
	"github.com/Ramsey-B/clover/pkg/decision"
	"github.com/Ramsey-B/clover/pkg/guard"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/models"
	paramspkg "github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/params/paramstest"
	"github.com/Ramsey-B/clover/pkg/refresh"
	"github.com/Ramsey-B/clover/pkg/resolver"
	"github.com/Ramsey-B/clover/pkg/routes"
	"github.com/Ramsey-B/clover/pkg/routes/blacklist"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	"github.com/Ramsey-B/clover/pkg/routes/params"
	"github.com/Ramsey-B/clover/pkg/store/memory"
)

type api struct {
	t          *testing.T
	e          *echo.Echo
	paramsPath string
}

func newAPI(t *testing.T) *api {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	paramsPath := filepath.Join(t.TempDir(), "params.yaml")
	paramStore := paramspkg.NewStore(paramstest.Default(), logger)
	st := memory.New(memory.WithUniqueIdentifiers(func() []models.IdentifierType {
		return paramStore.Current().UniqueIdentifiers
	}))
	g := guard.New(logger, guard.NewMemoryLocker(), paramStore)
	bl := blacklistpkg.NewService(logger, st, paramStore)
	executor := merging.NewExecutor(logger, st, g, paramStore, nil, nil)
	r := resolver.New(logger, st, g, paramStore, decision.NewEngine(logger, bl), executor, nil, nil)

	checker := health.NewChecker("test")
	checker.Require("store", st.Ping)
	checker.SetReady(true)

	container, err := routes.NewContainer("routes-test-"+uuid.NewString(), routes.Dependencies{
		Logger:     logger,
		Store:      st,
		Resolver:   r,
		Executor:   executor,
		Blacklist:  bl,
		Params:     paramStore,
		ParamsFile: paramsPath,
		Refresher:  refresh.New(logger, st, paramStore, r, executor),
		Detector:   blacklistpkg.NewDetector(logger, st, bl, paramStore),
	})
	require.NoError(t, err)

	e := routes.NewServer(routes.ServerConfig{ContainerID: container.GetContainerID()}, logger, checker)
	return &api{t: t, e: e, paramsPath: paramsPath}
}

func (a *api) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(middleware.HeaderActor, "reviewer@example.com")

	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func personRecord(name, email string) map[string]any {
	return map[string]any{
		"kind":       "person",
		"source":     "clinic",
		"attributes": map[string]string{"name": name},
		"identifiers": []map[string]any{
			{"type": "email", "value": email},
		},
	}
}

func TestResolve(t *testing.T) {
	a := newAPI(t)

	t.Run("invalid body", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/resolve", map[string]any{"source": "clinic"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode[middleware.ErrorResponse](t, rec)
		assert.NotEmpty(t, body.RequestID)
	})

	t.Run("creates then matches", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/resolve", map[string]any{
			"kind":       "animal",
			"source":     "clinic",
			"attributes": map[string]string{"name": "Biscuit", "species": "dog"},
			"identifiers": []map[string]any{
				{"type": "microchip", "value": "985100000000001"},
			},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		first := decode[models.Resolution](t, rec)
		assert.True(t, first.Created)

		rec = a.do(http.MethodPost, "/api/v1/resolve", map[string]any{
			"kind":   "animal",
			"source": "shelter",
			"identifiers": []map[string]any{
				{"type": "microchip", "value": "985-100-000-000-001"},
			},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		second := decode[models.Resolution](t, rec)
		assert.False(t, second.Created)
		assert.Equal(t, first.SubjectID, second.SubjectID)
	})
}

func TestSubjects(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/v1/resolve", personRecord("Ann Lee", "ann@example.com"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ann := decode[models.Resolution](t, rec).SubjectID

	rec = a.do(http.MethodPost, "/api/v1/resolve", personRecord("Zed Quill", "zed@example.com"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	zed := decode[models.Resolution](t, rec).SubjectID

	t.Run("get", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/subjects/"+ann, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		view := decode[resolver.SubjectView](t, rec)
		assert.Equal(t, "Ann Lee", view.Name())
		require.Len(t, view.Identifiers, 1)
		assert.Equal(t, "ann@example.com", view.Identifiers[0].Value)
	})

	t.Run("missing", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/subjects/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("correct and audit", func(t *testing.T) {
		rec := a.do(http.MethodPatch, "/api/v1/subjects/"+ann, models.CorrectionRequest{
			Field:  "name",
			Value:  "Ann B. Lee",
			Reason: "caller confirmed spelling",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		corrected := decode[models.Subject](t, rec)
		assert.Equal(t, "Ann B. Lee", corrected.Name())

		rec = a.do(http.MethodGet, "/api/v1/audit?entity_id="+ann+"&action=correct", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		entries := decode[[]models.AuditEntry](t, rec)
		require.Len(t, entries, 1)
		assert.Equal(t, "reviewer@example.com", entries[0].Actor)
	})

	t.Run("correction without reason", func(t *testing.T) {
		rec := a.do(http.MethodPatch, "/api/v1/subjects/"+ann, map[string]string{"field": "name", "value": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("merge and canonical", func(t *testing.T) {
		req := models.MergeRequest{LoserID: zed, WinnerID: ann, Reason: "same person"}
		rec := a.do(http.MethodPost, "/api/v1/merges", req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.False(t, decode[models.MergeResult](t, rec).AlreadyMerged)

		rec = a.do(http.MethodGet, "/api/v1/subjects/"+zed+"/canonical", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, ann, decode[models.Subject](t, rec).ID)

		rec = a.do(http.MethodPost, "/api/v1/merges", req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode[models.MergeResult](t, rec).AlreadyMerged)

		rec = a.do(http.MethodPatch, "/api/v1/subjects/"+zed, models.CorrectionRequest{Field: "name", Value: "x", Reason: "r"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("self merge", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/merges", models.MergeRequest{LoserID: ann, WinnerID: ann, Reason: "r"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCandidates(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodGet, "/api/v1/candidates?status=all&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[models.CandidatePage](t, rec)
	assert.Equal(t, 0, page.Total)
	assert.Equal(t, 10, page.Limit)

	rec = a.do(http.MethodGet, "/api/v1/candidates?min_score=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/candidates/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/candidates/missing/resolve", map[string]string{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	t.Run("get carries legacy confidence", func(t *testing.T) {
		for _, source := range []string{"clinic", "shelter"} {
			rec := a.do(http.MethodPost, "/api/v1/resolve", map[string]any{
				"kind":       "person",
				"source":     source,
				"attributes": map[string]string{"name": "Carol King"},
				"identifiers": []map[string]any{
					{"type": "phone", "value": "503 555 0111"},
				},
			})
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		}

		rec := a.do(http.MethodGet, "/api/v1/candidates", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		page := decode[models.CandidatePage](t, rec)
		require.Len(t, page.Items, 1)

		rec = a.do(http.MethodGet, "/api/v1/candidates/"+page.Items[0].ID, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		view := decode[resolver.CandidateView](t, rec)
		require.NotNil(t, view.MergeCandidate)
		assert.Equal(t, page.Items[0].ID, view.ID)
		require.NotNil(t, view.Legacy)
		assert.Equal(t, 0, view.Legacy.Tier)
		assert.Contains(t, view.Legacy.MatchedOn, "phone")
	})
}

func TestUnknownContainer(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	e := routes.NewServer(routes.ServerConfig{ContainerID: "routes-test-missing-" + uuid.NewString()}, logger, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/params", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMissingServices(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	container, err := routes.NewContainer("routes-test-"+uuid.NewString(), routes.Dependencies{Logger: logger})
	require.NoError(t, err)
	e := routes.NewServer(routes.ServerConfig{ContainerID: container.GetContainerID()}, logger, nil)

	// services that were not registered answer 500, the optional graph 503
	for path, code := range map[string]int{
		"/api/v1/params":                  http.StatusInternalServerError,
		"/api/v1/graph/neighbors/subject": http.StatusServiceUnavailable,
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, code, rec.Code, path)
	}
}

func TestBlacklist(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/v1/blacklist", models.CreateBlacklistEntryRequest{
		IdentifierType: models.IdentifierPhone,
		Value:          "(503) 555-0100",
		ReasonCode:     models.BlacklistReasonInstitutional,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decode[models.SoftBlacklistEntry](t, rec)
	assert.Equal(t, "5035550100", entry.Value)
	assert.Equal(t, "reviewer@example.com", entry.CreatedBy)

	rec = a.do(http.MethodGet, "/api/v1/blacklist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[blacklist.ListResponse](t, rec)
	assert.Len(t, list.Items, 1)

	rec = a.do(http.MethodGet, "/api/v1/blacklist/"+entry.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodDelete, "/api/v1/blacklist/"+entry.ID+"?reason=clinic+closed", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(http.MethodDelete, "/api/v1/blacklist/"+entry.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/blacklist", map[string]any{"identifier_type": "fax", "value": "1", "reason_code": "manual"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParams(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodGet, "/api/v1/params", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	current := decode[paramspkg.Params](t, rec)
	assert.Equal(t, 15.0, current.Thresholds.Upper)

	rec = a.do(http.MethodGet, "/api/v1/params/versions/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, os.WriteFile(a.paramsPath, []byte("version: [\n"), 0o600))
	rec = a.do(http.MethodPost, "/api/v1/params/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/params/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	versions := decode[params.VersionsResponse](t, rec)
	assert.Equal(t, current.Version, versions.Active)
	assert.Equal(t, []int{current.Version}, versions.Versions)
}

func TestJobsDryRun(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/v1/resolve", personRecord("Ann Lee", "ann@example.com"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/jobs/candidate-refresh?dry_run=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats := decode[refresh.Stats](t, rec)
	assert.Equal(t, 1, stats.Scanned)

	rec = a.do(http.MethodPost, "/api/v1/jobs/blacklist-detect?dry_run=true", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/jobs/candidate-refresh?chunk_size=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	a := newAPI(t)

	tests := []struct {
		name string
		path string
		code int
	}{
		{name: "health", path: "/api/v1/health", code: http.StatusOK},
		{name: "live", path: "/api/v1/health/live", code: http.StatusOK},
		{name: "ready", path: "/api/v1/health/ready", code: http.StatusOK},
		{name: "metrics", path: "/metrics", code: http.StatusOK},
		{name: "graph disabled", path: "/api/v1/graph/neighbors/abc", code: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}
