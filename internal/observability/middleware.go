package observability

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestMiddleware logs every request and feeds the request counter and
// latency histogram. Unmatched routes are grouped under "unmatched" to keep
// label cardinality bounded.
func (m *Metrics) RequestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()
		m.RequestsTotal.WithLabelValues(c.Request.Method, endpoint, statusGroup(status)).Inc()
		m.RequestLatency.WithLabelValues(c.Request.Method, endpoint).Observe(latency.Seconds())

		attrs := []any{
			"method", c.Request.Method,
			"path", endpoint,
			"status", status,
			"latency", latency,
			"client_ip", c.ClientIP(),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			attrs = append(attrs, "errors", errs)
		}
		switch {
		case status >= 500:
			slog.Error("request", attrs...)
		case status >= 400:
			slog.Warn("request", attrs...)
		default:
			slog.Info("request", attrs...)
		}
	}
}
