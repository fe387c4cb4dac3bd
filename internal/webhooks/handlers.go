package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/gateway"
	"github.com/mbd888/taskpay/internal/validation"
)

// Handler receives gateway callbacks.
type Handler struct {
	reconciler *Reconciler
	maxBody    int64
}

// NewHandler creates a webhook handler.
func NewHandler(r *Reconciler) *Handler {
	return &Handler{reconciler: r, maxBody: validation.MaxRequestSize}
}

// RegisterRoutes sets up the public callback routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks", h.Receive)
	r.POST("/webhooks/:provider", h.Receive)
}

// Receive handles POST /webhooks and POST /webhooks/:provider
func (h *Handler) Receive(c *gin.Context) {
	var kind gateway.Kind
	if p := c.Param("provider"); p != "" {
		k, err := gateway.ParseKind(p)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		kind = k
	}

	// Signatures cover the exact bytes, so the body is read once, raw.
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "validation_error", "message": "payload too large"})
			return
		}
		apperr.Respond(c, apperr.Validation("body", "unreadable body"))
		return
	}

	out, err := h.reconciler.Handle(c.Request.Context(), kind, c.Request.Header, body)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
