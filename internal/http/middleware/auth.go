package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/nimbuschain/fetch/internal/http/response"
)

const apiKeyHeader = "X-API-Key"

// RequireAPIKey rejects any request whose X-API-Key header does not
// match key, using a constant-time comparison. An empty key disables
// auth entirely (local/dev mode).
func RequireAPIKey(key string) gin.HandlerFunc {
	if key == "" {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		got := c.GetHeader(apiKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			response.RespondError(c, 401, "Unauthorized", errUnauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}

type unauthorizedError struct{}

func (unauthorizedError) Error() string { return "missing or invalid X-API-Key" }

var errUnauthorized = unauthorizedError{}
