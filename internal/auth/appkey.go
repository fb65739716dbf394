package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AppKeyHeader is the header callers present the shared application key in.
const AppKeyHeader = "X-App-Key"

// AppKeyMiddleware rejects requests that do not carry the configured key.
// An empty key disables the check.
func AppKeyMiddleware(key string) gin.HandlerFunc {
	key = strings.TrimSpace(key)
	if key == "" {
		return func(c *gin.Context) { c.Next() }
	}

	expected := []byte(key)
	return func(c *gin.Context) {
		provided := strings.TrimSpace(c.GetHeader(AppKeyHeader))
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: missing or invalid " + AppKeyHeader})
			return
		}
		c.Next()
	}
}
