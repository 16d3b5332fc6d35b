package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	userIDContextKey = "auth_user_id"

	// Set by the gateway after it has authenticated the request.
	identityHeader = "X-User-ID"
)

// Middleware reads the identity established by the upstream gateway and
// stores it in the request context. Requests without one are rejected.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(identityHeader))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Next()
	}
}

// RequirePathUser rejects requests whose :id path segment names a different
// user than the authenticated one.
func RequirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := UserIDFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		if pathID := c.Param("id"); pathID != "" && pathID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "cannot access another user's imports"})
			return
		}
		c.Next()
	}
}

// UserIDFromContext retrieves the authenticated user id from the gin context.
func UserIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	userID, ok := val.(string)
	return userID, ok
}
