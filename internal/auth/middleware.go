package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskpay/internal/logging"
)

const (
	// ContextKeyUserID is the key for storing the authenticated user id
	ContextKeyUserID = "authUserID"
	// AdminSecretHeader carries the admin secret on /internal routes
	AdminSecretHeader = "X-Admin-Secret"
)

// Middleware rejects requests without a valid bearer token and stores the
// caller's user id in the gin context.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			token = ""
		}
		// Browsers cannot set headers on a websocket handshake.
		if token == "" && strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			token = c.Query("access_token")
		}

		userID, err := v.Verify(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_error",
				"message": "Valid bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}

		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}

// RequireAdmin guards internal trigger endpoints with the shared admin
// secret.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			logging.Security(c.Request.Context()).Warn("admin secret rejected",
				"path", c.FullPath(), "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_error",
				"message": "Admin secret required.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user's id, or "" when unauthenticated.
func UserID(c *gin.Context) string {
	id, exists := c.Get(ContextKeyUserID)
	if !exists {
		return ""
	}
	s, _ := id.(string)
	return s
}

// WithUserID stores a user id as if Middleware had authenticated it.
// Handler tests use it in place of a signed token.
func WithUserID(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}
