package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/streamly-studio/backend/internal/metrics"
)

// quietPaths are polled by probes and scrapers; they are counted but not logged.
var quietPaths = map[string]bool{"/health": true, "/metrics": true}

// Logger logs each request with zap and records it in the HTTP metrics.
// Server errors are logged at warn level.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		latency := time.Since(start)
		metrics.RecordHTTP(c.Request.Method, route, strconv.Itoa(status), latency.Seconds())

		if quietPaths[c.Request.URL.Path] {
			return
		}
		fields := []zap.Field{
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if status >= 500 {
			logger.Warn("request", fields...)
			return
		}
		logger.Info("request", fields...)
	}
}
