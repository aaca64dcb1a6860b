package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auth introspection
type Handler struct{}

// NewHandler creates a new auth handler
func NewHandler() *Handler {
	return &Handler{}
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":   "jwt",
		"header": "Authorization: Bearer <jwt>",
		"claims": gin.H{
			"sub":  "actor id (client, tasker or arbiter)",
			"role": "user | arbiter",
			"iss":  issuer,
		},
		"publicEndpoints": []string{
			"GET /health",
			"GET /metrics",
			"GET /v1/stats",
			"GET /v1/defaults",
		},
		"arbiterEndpoints": []string{
			"POST /v1/disputes/:id/review",
			"POST /v1/disputes/:id/resolve",
			"GET /v1/disputes",
		},
	})
}

// WhoAmI returns the authenticated caller.
func (h *Handler) WhoAmI(c *gin.Context) {
	p, ok := GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": p})
}
