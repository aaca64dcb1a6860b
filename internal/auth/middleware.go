package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyPrincipal is the key for storing the authenticated caller in gin context
	ContextKeyPrincipal = "authPrincipal"
	// ContextKeyActorID is the key for storing the authenticated actor id
	ContextKeyActorID = "authActorID"
)

// Middleware extracts and validates the bearer token.
// Sets authPrincipal and authActorID in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader("Authorization"); raw != "" {
			if p, err := m.Validate(raw); err == nil {
				c.Set(ContextKeyPrincipal, p)
				c.Set(ContextKeyActorID, p.ActorID)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated callers without the given role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if p.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This action requires the " + role + " role.",
			})
			return
		}
		c.Next()
	}
}

// GetPrincipal returns the caller from context (if authenticated)
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// ActorID returns the authenticated actor id, or "".
func ActorID(c *gin.Context) string {
	return c.GetString(ContextKeyActorID)
}
