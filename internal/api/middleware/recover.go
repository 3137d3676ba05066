package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/laoshifu996/clash-master/internal/api/response"
	"github.com/laoshifu996/clash-master/pkg/logger"
)

// Recover turns a panicking handler into a 500 instead of killing the
// HTTP server, grounded on the teacher's api/middleware/recover.go.
func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("http handler panic",
					zap.Any("error", err),
					zap.String("stack", string(debug.Stack())),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
				)
				response.InternalError(c, "internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
