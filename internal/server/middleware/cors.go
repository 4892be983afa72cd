package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DefaultOrigins are always allowed for local dashboard development.
var DefaultOrigins = []string{"http://localhost:3000", "http://localhost:3001"}

// CORS allows the configured origins plus DefaultOrigins and answers
// preflight requests directly.
func CORS(allowed []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowed)+len(DefaultOrigins))
	for _, o := range DefaultOrigins {
		origins[o] = true
	}
	for _, o := range allowed {
		origins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && origins[origin] {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
