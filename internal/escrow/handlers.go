package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/auth"
	"github.com/mbd888/taskpay/internal/ledger"
	"github.com/mbd888/taskpay/internal/validation"
)

// Handler provides HTTP endpoints for task escrow.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new escrow handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterProtectedRoutes sets up routes for authenticated users.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tasks/:taskId/reservation", h.GetReservation)
	r.POST("/tasks/:taskId/applications", h.Apply)
	r.POST("/tasks/:taskId/applications/:id/approve", h.Approve)
	r.POST("/tasks/:taskId/applications/:id/reject", h.Reject)
	r.GET("/applications/:id", h.GetApplication)
	r.PATCH("/applications/:id/status", h.UpdateStatus)
}

// RegisterInternalRoutes sets up trigger endpoints for the task service.
// The group must already require the admin secret.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/tasks/:taskId/reserve", h.Reserve)
	r.POST("/tasks/:taskId/release-back", h.ReleaseBack)
}

// GetReservation handles GET /v1/tasks/:taskId/reservation
func (h *Handler) GetReservation(c *gin.Context) {
	rf, err := h.manager.ledger.GetReservation(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if rf.CreatorID != auth.UserID(c) {
		apperr.Respond(c, ledger.ErrNoReservedFunds)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": rf})
}

// Apply handles POST /v1/tasks/:taskId/applications
func (h *Handler) Apply(c *gin.Context) {
	app, err := h.manager.Apply(c.Request.Context(), c.Param("taskId"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"application": app})
}

// GetApplication handles GET /v1/applications/:id
func (h *Handler) GetApplication(c *gin.Context) {
	app, err := h.manager.ledger.GetApplication(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"application": app})
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles PATCH /v1/applications/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("body", "invalid JSON body"))
		return
	}
	if err := validation.Validate(
		validation.OneOf("status", req.Status,
			string(ledger.EarnerInProgress), string(ledger.EarnerCompleted), string(ledger.EarnerCancelled)),
	).Err(); err != nil {
		apperr.Respond(c, err)
		return
	}

	app, err := h.manager.UpdateEarnerStatus(c.Request.Context(), c.Param("id"), auth.UserID(c), ledger.EarnerStatus(req.Status))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"application": app})
}

// Approve handles POST /v1/tasks/:taskId/applications/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	ctx := c.Request.Context()
	taskID, appID := c.Param("taskId"), c.Param("id")

	if err := h.manager.AuthorizeCreator(ctx, taskID, appID, auth.UserID(c)); err != nil {
		apperr.Respond(c, err)
		return
	}
	rel, err := h.manager.Release(ctx, taskID, appID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, rel)
}

// Reject handles POST /v1/tasks/:taskId/applications/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	ctx := c.Request.Context()
	taskID, appID := c.Param("taskId"), c.Param("id")

	if err := h.manager.AuthorizeCreator(ctx, taskID, appID, auth.UserID(c)); err != nil {
		apperr.Respond(c, err)
		return
	}
	app, err := h.manager.Reject(ctx, appID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"application": app})
}

// Reserve handles POST /internal/tasks/:taskId/reserve
func (h *Handler) Reserve(c *gin.Context) {
	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("body", "invalid JSON body"))
		return
	}
	req.TaskID = c.Param("taskId")

	rf, err := h.manager.Reserve(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"reservation": rf})
}

// ReleaseBack handles POST /internal/tasks/:taskId/release-back
func (h *Handler) ReleaseBack(c *gin.Context) {
	rf, err := h.manager.ReleaseBack(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": rf})
}
