package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Middleware writes one structured entry per request. Image relays are
// logged at debug level since a single page view issues dozens of them.
func Middleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if q := c.Request.URL.RawQuery; q != "" {
			fields = append(fields, zap.String("query", q))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.Strings("errors", c.Errors.Errors()))
			log.Error("http request", fields...)
			return
		}
		if strings.HasPrefix(path, "/image") || strings.HasPrefix(path, "/health") {
			log.Debug("http request", fields...)
			return
		}
		log.Info("http request", fields...)
	}
}

// Recovery logs a handler panic and answers 404: a failed lookup is
// reported as absence, never as a server error.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		log.Error("handler panic", zap.Any("panic", rec), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}
