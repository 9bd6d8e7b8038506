package logger

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitle/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const RequestIDHeader = "X-Request-Id"

// MiddlewareConfig controls request logging.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps the last handler error to an error type and code.
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware seeds the request context with a correlation id and logs one
// line per request. Probe and scrape traffic is logged at debug.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, requestID := correlation.FromHeader(c.Request.Context(), c.GetHeader(RequestIDHeader))
		c.Request = c.Request.WithContext(ctx)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}

		if last := c.Errors.Last(); last != nil {
			errType, errCode := "internal", "unknown"
			if cfg.ErrorClassifier != nil {
				errType, errCode = cfg.ErrorClassifier(last.Err)
			}
			fields = append(fields,
				zap.String("error_type", errType),
				zap.String("error_code", errCode),
				zap.Error(last.Err),
			)
		}

		FromContext(c.Request.Context()).Log(requestLevel(route, status), "http_request", fields...)
	}
}

func requestLevel(route string, status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError && route != "/readyz":
		return zap.ErrorLevel
	case route == "/healthz" || route == "/readyz" || route == "/metrics":
		if status >= http.StatusBadRequest {
			return zap.WarnLevel
		}
		return zap.DebugLevel
	case status >= http.StatusBadRequest:
		return zap.WarnLevel
	default:
		return zap.InfoLevel
	}
}
