// Package httpmw provides the Gin middleware shared by the orchestrator's
// thin HTTP surface (pkg/api/v1): request logging, panic recovery, CORS,
// and mapping apperrors.AppError onto the right JSON response.
//
// Grounded on the teacher's two middleware sources: the request-logger
// shape from internal/common/httpmw/logging.go, and the
// Recovery/CORS/error-mapping shape from internal/orchestrator/api/middleware.go.
package httpmw

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/apperrors"
	"github.com/kandev/agentrun/internal/common/logger"
)

// RequestLogger logs HTTP request details after the handler completes,
// stamping a request id on the response for correlation with run logs.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		requestID := uuid.NewString()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", latency.Milliseconds()),
			zap.String("request_id", requestID),
		}
		if status >= 500 {
			log.Error("http", fields...)
		} else {
			log.Debug("http", fields...)
		}
	}
}

// Recovery converts a panic in a downstream handler into a 500 response
// instead of crashing the process.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{
						"code":    apperrors.CodeInternal,
						"message": "an internal server error occurred",
					},
				})
			}
		}()
		c.Next()
	}
}

// CORS allows any origin; the orchestrator's HTTP surface is meant to sit
// behind a caller-controlled gateway, not to be exposed directly.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// WriteError maps err onto the JSON error envelope the API handlers use,
// unwrapping an apperrors.AppError to get its code and HTTP status.
func WriteError(c *gin.Context, err error) {
	var ae *apperrors.AppError
	if stderrors.As(err, &ae) {
		c.JSON(ae.HTTPStatus, gin.H{
			"error": gin.H{"code": ae.Code, "message": ae.Message},
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{"code": apperrors.CodeInternal, "message": err.Error()},
	})
}
