package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskpay/internal/apperr"
	"github.com/mbd888/taskpay/internal/auth"
)

// Handler serves the caller's wallet and transaction history.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterProtectedRoutes sets up routes that need an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.ListTransactions)
	r.GET("/transactions/:reference", h.GetTransaction)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.ledger.GetWallet(c.Request.Context(), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /v1/wallet/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	page, err := h.ledger.History(c.Request.Context(), auth.UserID(c), c.Query("cursor"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": page.Transactions,
		"count":        len(page.Transactions),
		"nextCursor":   page.NextCursor,
		"hasMore":      page.HasMore,
	})
}

// GetTransaction handles GET /v1/transactions/:reference
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.ledger.GetTransaction(c.Request.Context(), c.Param("reference"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	// Someone else's reference looks exactly like an unknown one.
	if tx.UserID != auth.UserID(c) {
		apperr.Respond(c, ErrTransactionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}
