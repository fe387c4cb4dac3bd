package withdrawal

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/auth"
)

// Handler serves withdrawal requests.
type Handler struct {
	processor *Processor
}

// NewHandler creates a withdrawal handler.
func NewHandler(p *Processor) *Handler {
	return &Handler{processor: p}
}

// RegisterProtectedRoutes sets up routes that need an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.Initiate)
}

// RegisterInternalRoutes sets up operator endpoints behind the admin secret.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals/:reference/retry", h.Retry)
}

// Initiate handles POST /v1/withdrawals
func (h *Handler) Initiate(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("body", "invalid JSON body"))
		return
	}
	req.UserID = auth.UserID(c)

	res, err := h.processor.Initiate(c.Request.Context(), req)
	h.respond(c, res, err)
}

// Retry handles POST /internal/withdrawals/:reference/retry
func (h *Handler) Retry(c *gin.Context) {
	res, err := h.processor.Retry(c.Request.Context(), c.Param("reference"))
	h.respond(c, res, err)
}

func (h *Handler) respond(c *gin.Context, res *Result, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, res)
	case res != nil:
		// Debited but unconfirmed: the reference is still worth returning.
		c.JSON(http.StatusAccepted, gin.H{
			"success":   false,
			"reference": res.Reference,
			"status":    res.Status,
			"message":   ErrPayoutUnsure.Message,
		})
	default:
		apperr.Respond(c, err)
	}
}
