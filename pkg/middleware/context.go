package middleware

import (
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
)

// HeaderActor names the reviewer or system acting on the request
const HeaderActor = "X-Actor"

const maxActorLength = 128

// Context attaches the request description and the acting user to the
// request context. The request id is taken from X-Request-Id when the
// caller sends one.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := context.SetRequest(req.Context(), context.Request{
				ID:       requestID,
				Method:   req.Method,
				Route:    c.Path(),
				RemoteIP: c.RealIP(),
			})
			ctx = context.SetActor(ctx, actor(req.Header.Get(HeaderActor)))

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

func actor(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxActorLength {
		raw = raw[:maxActorLength]
	}
	return raw
}
