package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// KeyProvider returns the gateway API key from the current configuration
// snapshot. An empty key disables authentication.
type KeyProvider func() string

// GatewayAuth enforces bearer-token equality against the configured
// gateway key. Comparison is constant-time.
func GatewayAuth(key KeyProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := key()
		if expected == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"kind": "unauthorized", "reason": "invalid or missing API key"},
			})
			return
		}
		c.Next()
	}
}
