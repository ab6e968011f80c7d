package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

// Error renders every failed request as an ErrorResponse. 5xx are logged at
// error level, the rest as warnings.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		ctx := c.Request().Context()
		code, message, meta := describe(err)

		log := logger.WithContext(ctx).WithFields(context.LogFields(ctx)).WithError(err).WithField("status", code)
		if code >= http.StatusInternalServerError {
			log.Error("api is returning an error")
		} else {
			log.Warn("api is returning an error")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: context.GetRequestID(ctx),
			TraceID:   tracing.TraceID(ctx),
			Meta:      meta,
		})
	}
}

// describe maps domain errors, ectoerror HTTP errors and echo errors to a
// status, message and meta. Anything else is a 500 whose text stays hidden.
func describe(err error) (int, string, map[string]any) {
	if converted := clerrors.ToHTTPError(err); httperror.IsHTTPError(converted) {
		he := httperror.ToHTTPError(converted)
		meta := he.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		return httperror.GetStatusCode(converted), he.Error(), meta
	}

	var ee *echo.HTTPError
	if errors.As(err, &ee) {
		message := http.StatusText(ee.Code)
		if msg, ok := ee.Message.(string); ok {
			message = msg
		}
		return ee.Code, message, map[string]any{}
	}

	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), map[string]any{}
}
