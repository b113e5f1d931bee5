package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nimbuschain/fetch/internal/http/response"
)

// MaxRequestSize rejects request bodies larger than maxBytes with 413,
// and caps the body reader so an oversized body can't be read past the
// limit even if a handler ignores Content-Length.
func MaxRequestSize(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			response.RespondError(c, http.StatusRequestEntityTooLarge, "PayloadTooLarge", errPayloadTooLarge)
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

type payloadTooLargeError struct{}

func (payloadTooLargeError) Error() string { return "request body exceeds the configured size limit" }

var errPayloadTooLarge = payloadTooLargeError{}
