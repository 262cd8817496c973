package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fernwatch/camtrap/pkg/logger"
)

// Logger returns a middleware that logs HTTP requests with the request id
// set by RequestID.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		fields := map[string]interface{}{
			"request_id": c.GetString(ContextRequestID),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"status":     status,
			"latency":    time.Since(start).String(),
		}

		entry := log.WithFields(fields)
		switch {
		case status >= 500:
			entry.Error(nil, "server error")
		case status >= 400:
			entry.Warn("client error")
		default:
			entry.Info("request processed")
		}
	}
}
