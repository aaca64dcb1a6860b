package audit

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskescrow/internal/logging"
)

// Handler exposes the audit chain over HTTP.
type Handler struct {
	log *Log
}

// NewHandler creates a new audit handler.
func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes sets up audit routes. The group must already restrict
// callers to arbiters.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit/verify", h.Verify)
	r.GET("/audit/escrows/:id/events", h.EscrowEvents)
}

// Verify handles GET /v1/audit/verify
func (h *Handler) Verify(c *gin.Context) {
	res, err := h.log.Verify(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("audit verify failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
		return
	}
	if !res.Valid {
		logging.L(c.Request.Context()).Error("audit chain broken", "seq", res.BrokenAt, "reason", res.Reason)
	}
	c.JSON(http.StatusOK, gin.H{"verification": res})
}

// EscrowEvents handles GET /v1/audit/escrows/:id/events
func (h *Handler) EscrowEvents(c *gin.Context) {
	events, err := h.log.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		logging.L(c.Request.Context()).Error("audit events failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
		return
	}
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
