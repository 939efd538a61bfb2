package fraud

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aryanm/fraudguard/internal/money"
)

// Handler provides HTTP endpoints for transaction evaluation and the
// records it produces.
type Handler struct {
	store     Store
	evaluator *Evaluator
	logger    *slog.Logger
}

// NewHandler creates a fraud handler.
func NewHandler(store Store, evaluator *Evaluator, logger *slog.Logger) *Handler {
	return &Handler{store: store, evaluator: evaluator, logger: logger}
}

// RegisterRoutes sets up fraud pipeline routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/:id/evaluation", h.GetEvaluation)

	r.GET("/users/:userId/notifications", h.ListNotifications)
	r.POST("/users/:userId/notifications/read-all", h.MarkAllRead)
	r.POST("/notifications/:id/read", h.MarkRead)
	r.DELETE("/notifications/:id", h.DeleteNotification)

	r.GET("/audit", h.QueryAudit)
}

// CreateTransactionRequest is the submission payload. Amount is a
// decimal rupee string, e.g. "150000.00".
type CreateTransactionRequest struct {
	UserID        string `json:"userId" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	PaymentMethod string `json:"paymentMethod" binding:"required"`
	DeviceID      string `json:"deviceId"`
}

// CreateTransaction handles POST /transactions: persist the pending
// transaction, evaluate it, and return the committed outcome.
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, ok := money.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive decimal with at most 2 fractional digits",
		})
		return
	}

	method := PaymentMethod(req.PaymentMethod)
	if !ValidPaymentMethod(method) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payment_method",
			"message": "paymentMethod must be one of card, upi, netbanking, wallet",
		})
		return
	}

	ctx := c.Request.Context()
	if err := h.store.EnsureUser(ctx, req.UserID); err != nil {
		h.logger.Error("ensure user failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to create transaction",
		})
		return
	}

	txn := &Transaction{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Amount:        amount,
		PaymentMethod: method,
		DeviceID:      req.DeviceID,
		Status:        StatusPending,
		SourceIP:      c.ClientIP(),
		CreatedAt:     time.Now(),
	}
	if err := h.store.CreateTransaction(ctx, txn); err != nil {
		h.logger.Error("create transaction failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to create transaction",
		})
		return
	}

	if _, err := h.evaluator.Evaluate(ctx, txn); err != nil {
		// The transaction is persisted but still pending; surface its
		// id so the client can retry or inspect.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":         "evaluation_error",
			"message":       "Evaluation failed, transaction remains pending",
			"transactionId": txn.ID,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": transactionView(txn)})
}

// GetTransaction handles GET /transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.store.GetTransaction(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": "Failed to retrieve transaction"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": transactionView(txn)})
}

// GetEvaluation handles GET /transactions/:id/evaluation
func (h *Handler) GetEvaluation(c *gin.Context) {
	ev, err := h.store.GetEvaluation(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No evaluation for this transaction"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": "Failed to retrieve evaluation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluation": ev})
}

// ListNotifications handles GET /users/:userId/notifications
func (h *Handler) ListNotifications(c *gin.Context) {
	unreadOnly := c.Query("unread") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	notifications, err := h.store.ListNotifications(c.Request.Context(), c.Param("userId"), unreadOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": "Failed to retrieve notifications"})
		return
	}
	if notifications == nil {
		notifications = []*Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

// MarkRead handles POST /notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	err := h.store.MarkNotificationRead(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Notification not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": "Failed to update notification"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// MarkAllRead handles POST /users/:userId/notifications/read-all
func (h *Handler) MarkAllRead(c *gin.Context) {
	if err := h.store.MarkAllNotificationsRead(c.Request.Context(), c.Param("userId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": "Failed to update notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// DeleteNotification handles DELETE /notifications/:id (soft delete)
func (h *Handler) DeleteNotification(c *gin.Context) {
	err := h.store.SoftDeleteNotification(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Notification not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": "Failed to delete notification"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// QueryAudit handles GET /audit?entityId=&limit=
func (h *Handler) QueryAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	entries, err := h.store.QueryAudit(c.Request.Context(), c.Query("entityId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": "Failed to query audit log"})
		return
	}
	if entries == nil {
		entries = []*AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// transactionView renders a transaction with its amount as a decimal
// rupee string.
func transactionView(txn *Transaction) gin.H {
	return gin.H{
		"id":            txn.ID,
		"userId":        txn.UserID,
		"amount":        money.Format(txn.Amount),
		"paymentMethod": txn.PaymentMethod,
		"deviceId":      txn.DeviceID,
		"status":        txn.Status,
		"riskScore":     txn.RiskScore,
		"createdAt":     txn.CreatedAt,
	}
}
