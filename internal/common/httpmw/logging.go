package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/common/logger"
)

// RequestLogger logs one line per completed HTTP request. Server errors
// log at error level, everything else at debug to keep steady-state
// output quiet.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", size),
		}
		if c.Writer.Status() >= 500 {
			log.Error("http", fields...)
			return
		}
		log.Debug("http", fields...)
	}
}
