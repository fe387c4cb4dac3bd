package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskpay/internal/apperr"
)

// Handler exposes the audit to operators.
type Handler struct {
	service *Service
}

// NewHandler creates an audit handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterInternalRoutes mounts the audit behind the admin secret.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.Audit)
}

// Audit handles GET /internal/audit
func (h *Handler) Audit(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		apperr.Respond(c, apperr.Wrap(apperr.KindInternal, "audit failed", err))
		return
	}
	c.JSON(http.StatusOK, report)
}
