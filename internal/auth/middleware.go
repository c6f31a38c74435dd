package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const contextUserKey = "auth_user_id"

// TokenFromRequest extracts the session token from a bearer header or the
// auth cookie, preferring the header.
func TokenFromRequest(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if cookie, err := c.Cookie(AuthCookieName); err == nil {
		return cookie
	}
	return ""
}

// Middleware rejects requests without a valid session token and stores the
// authenticated user id on the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		userID, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(contextUserKey, userID)
		c.Next()
	}
}

// UserIDFromContext returns the user id set by Middleware.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	v, ok := c.Get(contextUserKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
