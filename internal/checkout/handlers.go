package checkout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ticketd/ticketd/internal/accounting"
	"github.com/ticketd/ticketd/internal/ledger"
	"github.com/ticketd/ticketd/internal/mockpay"
	"github.com/ticketd/ticketd/internal/order"
)

// Handler provides the HTTP surface of the checkout flow.
type Handler struct {
	service  *Service
	provider *mockpay.Provider
}

// NewHandler creates a new checkout handler.
func NewHandler(service *Service, provider *mockpay.Provider) *Handler {
	return &Handler{service: service, provider: provider}
}

// RegisterRoutes sets up the public API routes. The checkout route gets
// its own group so the server can rate limit it separately.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup, checkoutMW ...gin.HandlerFunc) {
	co := api.Group("")
	co.Use(checkoutMW...)
	co.POST("/checkout", h.Checkout)

	api.GET("/orders/:id", h.GetOrder)
	api.GET("/inventory", h.Inventory)
}

// RegisterPaymentRoutes sets up the provider-facing routes.
func (h *Handler) RegisterPaymentRoutes(r *gin.Engine) {
	r.POST("/payments/webhook", h.Webhook)
	r.GET("/payments/mock/:intentID", h.MockPayment)
	r.GET("/success", h.Success)
	r.GET("/cancel", h.Cancel)
}

// RegisterAdminRoutes sets up the basic-auth protected admin feeds.
func (h *Handler) RegisterAdminRoutes(admin *gin.RouterGroup) {
	admin.GET("/goodies", h.AdminGoodies)
	admin.GET("/orders", h.AdminOrders)
}

type checkoutRequest struct {
	Class         string `json:"class" binding:"required"`
	WantGoodie    *bool  `json:"want_goodie"`
	CustomerEmail string `json:"customer_email" binding:"omitempty,email"`
}

// Checkout handles POST /api/checkout
func (h *Handler) Checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Everyone wants the goodie unless they opt out.
	wantGoodie := req.WantGoodie == nil || *req.WantGoodie

	result, err := h.service.Checkout(c.Request.Context(), Request{
		Class:         req.Class,
		WantGoodie:    wantGoodie,
		CustomerEmail: req.CustomerEmail,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, accounting.ErrUnknownClass):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_class",
			"message": err.Error(),
		})
	case errors.Is(err, accounting.ErrSoldOut):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "sold_out",
			"message": "No tickets left in this class",
		})
	case errors.Is(err, ledger.ErrBatchFailed), errors.Is(err, ledger.ErrBatcherClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Try again shortly",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "checkout_failed",
			"message": "Failed to create reservation",
		})
	}
}

// GetOrder handles GET /api/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load order",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// Inventory handles GET /api/inventory
func (h *Handler) Inventory(c *gin.Context) {
	inv, err := h.service.Inventory(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Inventory is temporarily unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"classes": inv})
}

// Webhook handles POST /payments/webhook
func (h *Handler) Webhook(c *gin.Context) {
	var event mockpay.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid webhook payload",
		})
		return
	}

	if err := h.provider.Verify(&event); err != nil {
		if errors.Is(err, mockpay.ErrUnknownEvent) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown_event",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	o, err := h.service.HandleWebhook(c.Request.Context(), &event)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true, "order_id": o.ID, "status": o.Status})
	case errors.Is(err, ErrUnknownIntent):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_intent",
			"message": "No order for this payment intent",
		})
	case errors.Is(err, ledger.ErrBatchFailed), errors.Is(err, ledger.ErrBatcherClosed):
		// Non-2xx tells the provider to redeliver.
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Retry delivery",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "webhook_failed",
			"message": "Failed to process event",
		})
	}
}

// MockPayment handles GET /payments/mock/:intentID — the stand-in for
// the provider's hosted payment page. outcome=paid|failed picks the
// emitted event; the webhook does the actual settlement.
func (h *Handler) MockPayment(c *gin.Context) {
	intentID := c.Param("intentID")

	o, err := h.service.OrderForIntent(c.Request.Context(), intentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_intent",
			"message": "No order for this payment intent",
		})
		return
	}

	eventType := mockpay.EventPaid
	if c.Query("outcome") == "failed" {
		eventType = mockpay.EventFailed
	}

	if err := h.provider.Emit(c.Request.Context(), intentID, eventType); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "webhook_delivery_failed",
			"message": "Payment event could not be delivered",
		})
		return
	}

	if eventType == mockpay.EventPaid {
		c.Redirect(http.StatusFound, "/success?order_id="+o.ID)
		return
	}
	c.Redirect(http.StatusFound, "/cancel")
}

// Success handles GET /success — the post-payment landing. JSON only;
// rendering is someone else's job.
func (h *Handler) Success(c *gin.Context) {
	resp := gin.H{"ok": true}
	if orderID := c.Query("order_id"); orderID != "" {
		resp["order_id"] = orderID
		if o, err := h.service.GetOrder(c.Request.Context(), orderID); err == nil {
			resp["status"] = o.Status
			resp["ticket_code"] = o.TicketCode
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Cancel handles GET /cancel
func (h *Handler) Cancel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": false, "message": "Payment canceled"})
}

// AdminGoodies handles GET /api/admin/goodies
func (h *Handler) AdminGoodies(c *gin.Context) {
	goodies, err := h.service.Goodies(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Goodie counts are temporarily unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"goodies": goodies})
}

// AdminOrders handles GET /api/admin/orders
func (h *Handler) AdminOrders(c *gin.Context) {
	limit := 100
	orders, err := h.service.RecentOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list orders",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}
