package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// webhookPathPrefix guards the query string: gateways put signature
// material in callback query parameters, which must never reach the logs
const webhookPathPrefix = "/webhooks/"

// Logger emits one line per request, leveled by outcome so gateway retry
// storms and failing deliveries stand out without a filter
func Logger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" && !strings.HasPrefix(path, webhookPathPrefix) {
			path = path + "?" + raw
		}

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"route", c.FullPath(),
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"bytes_out", c.Writer.Size(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		requestLogger := logger
		if id := GetCorrelationID(c); id != "" {
			requestLogger = logger.With("correlation_id", id)
		}

		switch {
		case status >= http.StatusInternalServerError:
			requestLogger.Error("HTTP request", attrs...)
		case status >= http.StatusBadRequest:
			requestLogger.Warn("HTTP request", attrs...)
		default:
			requestLogger.Info("HTTP request", attrs...)
		}
	}
}
