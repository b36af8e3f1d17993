package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware logs one line per control request.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set("logger", logger)
		c.Next()

		level := slog.LevelDebug
		if c.Request.Method != "GET" || c.Writer.Status() >= 400 {
			level = slog.LevelInfo
		}
		logger.Log(c.Request.Context(), level, "control request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"requestId", RequestID(c.Request.Context()),
		)
	}
}
