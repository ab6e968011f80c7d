package middleware

import (
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
)

// quietRoutes are polled by orchestrators and only logged at debug
var quietRoutes = map[string]bool{
	"/metrics":             true,
	"/api/v1/health/live":  true,
	"/api/v1/health/ready": true,
}

// Logger writes one line per request after the handler and error handler ran
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			ctx := req.Context()

			fields := context.LogFields(ctx)
			fields["method"] = req.Method
			fields["uri"] = req.RequestURI
			fields["status"] = res.Status
			fields["remote_ip"] = c.RealIP()
			fields["user_agent"] = req.UserAgent()
			fields["response_time"] = time.Since(start)
			fields["request_size"] = req.ContentLength
			fields["response_size"] = res.Size

			log := logger.WithContext(ctx).WithFields(fields)
			switch {
			case res.Status >= http.StatusInternalServerError:
				log.Error("Request failed")
			case quietRoutes[c.Path()]:
				log.Debug("Request")
			default:
				log.Info("Request")
			}
			return nil
		}
	}
}
