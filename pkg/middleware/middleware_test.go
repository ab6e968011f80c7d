package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/context"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
)

func newTestServer(handler echo.HandlerFunc) *echo.Echo {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	e := echo.New()
	e.HTTPErrorHandler = Error(logger)
	e.Use(Context())
	e.Use(Logger(logger))
	e.Any("/test", handler)
	return e
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     int
		message  string
		metaKey  string
		metaWant any
	}{
		{
			name:     "validation",
			err:      clerrors.NewValidationError("kind", "unknown subject kind %q", "robot"),
			code:     http.StatusBadRequest,
			message:  "unknown subject kind",
			metaKey:  "field",
			metaWant: "kind",
		},
		{
			name:     "wrapped conflict",
			err:      errors.Join(errors.New("merge"), clerrors.NewConflictError("blocked: institutional record").With("subject_id", "s1")),
			code:     http.StatusConflict,
			message:  "blocked: institutional record",
			metaKey:  "subject_id",
			metaWant: "s1",
		},
		{
			name:    "ectoerror",
			err:     httperror.NewHTTPError(http.StatusBadGateway, "graph query failed"),
			code:    http.StatusBadGateway,
			message: "graph query failed",
		},
		{
			name:    "echo error",
			err:     echo.NewHTTPError(http.StatusMethodNotAllowed),
			code:    http.StatusMethodNotAllowed,
			message: http.StatusText(http.StatusMethodNotAllowed),
		},
		{
			name:    "unknown error is hidden",
			err:     errors.New("pq: connection refused"),
			code:    http.StatusInternalServerError,
			message: http.StatusText(http.StatusInternalServerError),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestServer(func(echo.Context) error { return tt.err })
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, tt.code, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Contains(t, body.Message, tt.message)
			assert.NotContains(t, body.Message, "pq:")
			assert.NotEmpty(t, body.RequestID)
			assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), body.RequestID)
			if tt.metaKey != "" {
				assert.Equal(t, tt.metaWant, body.Meta[tt.metaKey])
			}
		})
	}
}

func TestError_Head(t *testing.T) {
	e := newTestServer(func(echo.Context) error { return clerrors.NewNotFoundError("subject", "s1") })
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/test", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestContext(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		actor     string
		wantActor string
	}{
		{name: "defaults", wantActor: context.SystemActor},
		{name: "caller ids", requestID: "req-1", actor: "  reviewer@example.org ", wantActor: "reviewer@example.org"},
		{name: "long actor is capped", actor: strings.Repeat("a", 300), wantActor: strings.Repeat("a", maxActorLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotActor, gotID string
			e := newTestServer(func(c echo.Context) error {
				ctx := c.Request().Context()
				gotActor = context.GetActor(ctx)
				gotID = context.GetRequestID(ctx)
				return c.NoContent(http.StatusNoContent)
			})

			req := httptest.NewRequest(http.MethodPost, "/test", nil)
			if tt.requestID != "" {
				req.Header.Set(echo.HeaderXRequestID, tt.requestID)
			}
			if tt.actor != "" {
				req.Header.Set(HeaderActor, tt.actor)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusNoContent, rec.Code)
			assert.Equal(t, tt.wantActor, gotActor)
			assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), gotID)
			if tt.requestID != "" {
				assert.Equal(t, tt.requestID, gotID)
			}
		})
	}
}
