// Package validation provides request guards for the escrow API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskescrow/internal/idgen"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether id was minted by idgen with the given prefix.
func IsValidID(id, prefix string) bool {
	return idgen.HasPrefix(id, prefix)
}

// IDParamMiddleware rejects malformed :id and :milestoneId URL parameters
// before they reach a store lookup. The expected prefix follows the route:
// /escrows/:id takes escrow ids, /disputes/:id takes dispute ids.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()

		if id := c.Param("id"); id != "" {
			prefix := ""
			switch {
			case strings.Contains(route, "/escrows/:id"):
				prefix = idgen.PrefixEscrow
			case strings.Contains(route, "/disputes/:id"):
				prefix = idgen.PrefixDispute
			}
			if prefix != "" && !IsValidID(id, prefix) {
				rejectID(c, "id", prefix)
				return
			}
		}

		if mid := c.Param("milestoneId"); mid != "" && !IsValidID(mid, idgen.PrefixMilestone) {
			rejectID(c, "milestoneId", idgen.PrefixMilestone)
			return
		}

		c.Next()
	}
}

func rejectID(c *gin.Context, param, prefix string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_id",
		"message": param + " must look like " + prefix + "<32 hex chars>",
	})
}
