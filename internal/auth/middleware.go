package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const identityContextKey = "auth_identity"

// Middleware validates bearer tokens, requires the configured role and
// stores the Identity in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		id, err := s.ValidateToken(authToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if err := s.Authorize(id); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.Set(identityContextKey, id)
		c.Next()
	}
}

// IdentityFromContext retrieves the authenticated caller from the gin context.
func IdentityFromContext(c *gin.Context) (Identity, bool) {
	val, ok := c.Get(identityContextKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := val.(Identity)
	return id, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
