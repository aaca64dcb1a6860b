package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskescrow/internal/auth"
	"github.com/mbd888/taskescrow/internal/logging"
)

// Handler provides HTTP endpoints for escrow and dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stats", h.GetStats)
	r.GET("/defaults", h.GetDefaults)
}

// RegisterProtectedRoutes sets up routes that need an authenticated actor.
// The group must already run auth.Middleware and auth.RequireAuth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/start", h.StartWork)
	r.POST("/escrows/:id/complete", h.CompleteTask)
	r.POST("/escrows/:id/release", h.ReleasePayment)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:id/milestones/:milestoneId/complete", h.CompleteMilestone)
	r.POST("/escrows/:id/milestones/:milestoneId/approve", h.ApproveMilestone)
	r.POST("/escrows/:id/milestones/:milestoneId/reject", h.RejectMilestone)
	r.POST("/escrows/:id/dispute", h.CreateDispute)

	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/close", h.CloseDispute)

	arbiter := r.Group("", auth.RequireRole(auth.RoleArbiter))
	arbiter.GET("/disputes", h.ListActiveDisputes)
	arbiter.POST("/disputes/:id/review", h.ReviewDispute)
	arbiter.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	actor := auth.ActorID(c)
	if req.ClientID != "" && req.ClientID != actor {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated actor must be the client",
		})
		return
	}
	req.ClientID = actor

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !canView(c, e) {
		h.writeError(c, ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrows. Arbiters may list another user's
// escrows with ?userId=.
func (h *Handler) ListEscrows(c *gin.Context) {
	userID := auth.ActorID(c)
	if other := c.Query("userId"); other != "" && other != userID {
		if p, ok := auth.GetPrincipal(c); !ok || !p.IsArbiter() {
			h.writeError(c, ErrUnauthorized)
			return
		}
		userID = other
	}

	escrows, err := h.service.ListByUser(c.Request.Context(), userID, queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

type fundRequest struct {
	PaymentMethod string `json:"paymentMethod"`
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	var req fundRequest
	if !bindOptional(c, &req) {
		return
	}
	e, err := h.service.Fund(c.Request.Context(), c.Param("id"), auth.ActorID(c), req.PaymentMethod)
	h.respondEscrow(c, e, err)
}

// StartWork handles POST /v1/escrows/:id/start
func (h *Handler) StartWork(c *gin.Context) {
	e, err := h.service.StartWork(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	h.respondEscrow(c, e, err)
}

// CompleteTask handles POST /v1/escrows/:id/complete
func (h *Handler) CompleteTask(c *gin.Context) {
	e, err := h.service.CompleteTask(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	h.respondEscrow(c, e, err)
}

// ReleasePayment handles POST /v1/escrows/:id/release
func (h *Handler) ReleasePayment(c *gin.Context) {
	e, err := h.service.ReleasePayment(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	h.respondEscrow(c, e, err)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	var req reasonRequest
	if !bindOptional(c, &req) {
		return
	}
	e, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.ActorID(c), req.Reason)
	h.respondEscrow(c, e, err)
}

type milestoneEvidenceRequest struct {
	Evidence []string `json:"evidence"`
}

// CompleteMilestone handles POST /v1/escrows/:id/milestones/:milestoneId/complete
func (h *Handler) CompleteMilestone(c *gin.Context) {
	var req milestoneEvidenceRequest
	if !bindOptional(c, &req) {
		return
	}
	e, err := h.service.CompleteMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"),
		auth.ActorID(c), req.Evidence)
	h.respondEscrow(c, e, err)
}

// ApproveMilestone handles POST /v1/escrows/:id/milestones/:milestoneId/approve
func (h *Handler) ApproveMilestone(c *gin.Context) {
	e, err := h.service.ApproveMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), auth.ActorID(c))
	h.respondEscrow(c, e, err)
}

// RejectMilestone handles POST /v1/escrows/:id/milestones/:milestoneId/reject
func (h *Handler) RejectMilestone(c *gin.Context) {
	var req reasonRequest
	if !bindOptional(c, &req) {
		return
	}
	e, err := h.service.RejectMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"),
		auth.ActorID(c), req.Reason)
	h.respondEscrow(c, e, err)
}

// CreateDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) CreateDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.InitiatedBy = auth.ActorID(c)

	d, err := h.service.CreateDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	ctx := c.Request.Context()
	d, err := h.service.GetDispute(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	e, err := h.service.Get(ctx, d.EscrowID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !canView(c, e) {
		h.writeError(c, ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), auth.ActorID(c), req)
	h.respondDispute(c, d, err)
}

// CloseDispute handles POST /v1/disputes/:id/close
func (h *Handler) CloseDispute(c *gin.Context) {
	d, err := h.service.CloseDispute(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	h.respondDispute(c, d, err)
}

// ListActiveDisputes handles GET /v1/disputes (arbiter only)
func (h *Handler) ListActiveDisputes(c *gin.Context) {
	disputes, err := h.service.ActiveDisputes(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// ReviewDispute handles POST /v1/disputes/:id/review (arbiter only)
func (h *Handler) ReviewDispute(c *gin.Context) {
	d, err := h.service.ReviewDispute(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	h.respondDispute(c, d, err)
}

// ResolveDispute handles POST /v1/disputes/:id/resolve (arbiter only)
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	e, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req, auth.ActorID(c))
	h.respondEscrow(c, e, err)
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetDefaults handles GET /v1/defaults
func (h *Handler) GetDefaults(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": h.service.Defaults()})
}

func (h *Handler) respondEscrow(c *gin.Context, e *Escrow, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

func (h *Handler) respondDispute(c *gin.Context, d *Dispute, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// writeError maps service errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidResolution):
		status, code = http.StatusBadRequest, "invalid_resolution"
	case errors.Is(err, ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrInvalidStateTransition):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrPaymentFailed):
		status, code = http.StatusBadGateway, "payment_failed"
	case errors.Is(err, ErrInvariantViolation):
		code = "invariant_violation"
	}

	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
		if code == "internal_error" {
			c.JSON(status, gin.H{"error": code, "message": "Internal server error"})
			return
		}
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body: " + err.Error(),
	})
}

// bindOptional binds a JSON body if one was sent.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

func canView(c *gin.Context, e *Escrow) bool {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		return false
	}
	return e.IsParty(p.ActorID) || p.IsArbiter()
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}
