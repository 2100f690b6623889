package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GinLogrusLogger returns a gin middleware that logs each request through
// the shared logrus logger instead of gin's default writer.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		fields := logrus.Fields{
			"status":  status,
			"latency": latency.Round(time.Millisecond).String(),
			"ip":      c.ClientIP(),
			"method":  c.Request.Method,
			"path":    path,
		}
		if len(c.Errors) > 0 {
			logger.WithFields(fields).Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}
		switch {
		case status >= 500:
			logger.WithFields(fields).Error("request failed")
		case status >= 400:
			logger.WithFields(fields).Warn("request rejected")
		default:
			logger.WithFields(fields).Debug("request completed")
		}
	}
}

// GinLogrusRecovery returns a gin middleware that recovers from panics and
// logs them through logrus before returning a 500.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		logger.WithFields(logrus.Fields{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).Errorf("panic recovered: %v", recovered)
		c.AbortWithStatus(500)
	})
}
