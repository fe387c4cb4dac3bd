package checkout

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/auth"
)

// Handler serves checkout initiation.
type Handler struct {
	service *Service
}

// NewHandler creates a checkout handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterProtectedRoutes sets up routes that need an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.Create)
}

// Create handles POST /v1/checkout
func (h *Handler) Create(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("body", "invalid JSON body"))
		return
	}
	resp, err := h.service.Create(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}
