package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/nimbuschain/fetch/internal/pkg/ctxutil"
)

// AttachRequestContext guarantees every handler observes a non-nil
// request context, even if something upstream stripped it.
func AttachRequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(ctxutil.Default(c.Request.Context()))
		c.Next()
	}
}
