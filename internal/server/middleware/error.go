package middleware

import (
	"errors"
	"net/http"

	"github.com/JuanPabloHerrera/openapi/pkg/api"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler renders the last error attached by a handler as the JSON
// error envelope. Internal causes are logged, never sent to the client.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var apiErr *api.Error
		if !errors.As(err, &apiErr) {
			apiErr = api.InternalError(err)
		}

		if apiErr.Status >= http.StatusInternalServerError && apiErr.Log != nil {
			logger.Error("Request failed",
				zap.Int("status", apiErr.Status),
				zap.String("path", c.Request.URL.Path),
				zap.Error(apiErr.Log),
			)
		}

		c.AbortWithStatusJSON(apiErr.Status, apiErr.Envelope())
	}
}

// NotFound answers unmatched routes with the error envelope.
func NotFound() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusNotFound, api.NotFound().Envelope())
	}
}
