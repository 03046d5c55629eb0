package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"protocol-notifier/internal/logging"
)

func RequestLoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()
		entry := logger.WithFields(logrus.Fields{"status": status, "latency": latency})
		if len(c.Errors) > 0 {
			entry.Warnf("Request: %s %s failed: %s", method, path, c.Errors.String())
			return
		}
		entry.Infof("Request: %s %s, Status: %d, Latency: %v", method, path, status, latency)
	}
}
