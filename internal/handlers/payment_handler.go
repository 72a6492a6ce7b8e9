package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pixelpost/payment-orchestrator/internal/models"
	"github.com/pixelpost/payment-orchestrator/internal/provider"
	"github.com/pixelpost/payment-orchestrator/internal/service"
	"github.com/pixelpost/payment-orchestrator/internal/statemachine"
)

// Signature header names used by each provider's webhook delivery.
const (
	PaystackSignatureHeader = "x-paystack-signature"
	PayPalSignatureHeader   = "paypal-transmission-sig"
)

type PaymentHandler struct {
	orchestrator *service.Orchestrator
	logger       *zap.Logger
}

func NewPaymentHandler(orchestrator *service.Orchestrator, logger *zap.Logger) *PaymentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentHandler{orchestrator: orchestrator, logger: logger}
}

type paystackInitBody struct {
	Email      string            `json:"email"`
	Amount     float64           `json:"amount"`
	AmountUnit models.AmountUnit `json:"amount_unit"`
}

// InitPaystack starts the KES flow. The frontend sends a human-readable
// amount (e.g. 500 KES); minor-unit scaling happens inside the adapter.
func (h *PaymentHandler) InitPaystack(c *gin.Context) {
	var body paystackInitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.orchestrator.Initiate(c.Request.Context(), models.PaymentRequest{
		Amount:     body.Amount,
		AmountUnit: body.AmountUnit,
		Currency:   models.CurrencyKES,
		Email:      body.Email,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// VerifyPaystack reconciles one transaction against the provider and
// returns the current view.
func (h *PaymentHandler) VerifyPaystack(c *gin.Context) {
	view, err := h.orchestrator.Verify(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type paypalCreateBody struct {
	Amount    float64 `json:"amount"`
	ReturnURL string  `json:"return_url"`
	CancelURL string  `json:"cancel_url"`
}

func (h *PaymentHandler) CreatePayPal(c *gin.Context) {
	var body paypalCreateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.orchestrator.Initiate(c.Request.Context(), models.PaymentRequest{
		Amount:    body.Amount,
		Currency:  models.CurrencyUSD,
		ReturnURL: body.ReturnURL,
		CancelURL: body.CancelURL,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type paypalCaptureBody struct {
	OrderID   string `json:"orderId"`
	Reference string `json:"reference"`
}

// CapturePayPal executes the explicit capture step. Clients may send either
// the PayPal order id (the original frontend contract) or our reference.
func (h *PaymentHandler) CapturePayPal(c *gin.Context) {
	var body paypalCaptureBody
	if err := c.ShouldBindJSON(&body); err != nil || (body.OrderID == "" && body.Reference == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "orderId is required"})
		return
	}

	var view *models.TransactionView
	var err error
	if body.Reference != "" {
		view, err = h.orchestrator.Capture(c.Request.Context(), body.Reference)
	} else {
		view, err = h.orchestrator.CaptureByOrder(c.Request.Context(), body.OrderID)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	view, err := h.orchestrator.Get(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *PaymentHandler) CancelPayment(c *gin.Context) {
	view, err := h.orchestrator.Cancel(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Webhook handles inbound provider notifications. The raw body is captured
// before any parsing so the signature check runs over the exact wire bytes.
func (h *PaymentHandler) Webhook(prov models.Provider, signatureHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawBody, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
			return
		}

		result, err := h.orchestrator.HandleWebhook(
			c.Request.Context(), prov, rawBody, c.GetHeader(signatureHeader))
		if err != nil {
			if errors.Is(err, service.ErrInvalidSignature) {
				c.String(http.StatusBadRequest, "invalid signature")
				return
			}
			var ve *service.ValidationError
			if errors.As(err, &ve) {
				c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
				return
			}
			h.logger.Error("webhook processing failed",
				zap.String("provider", string(prov)), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
			return
		}

		// Success regardless of business outcome: stale, duplicate, and
		// unknown-reference events are all acknowledged to stop retries.
		c.JSON(http.StatusOK, gin.H{"status": "ok", "acted": result.Acted})
	}
}

// respondError maps the error taxonomy onto HTTP statuses. Provider error
// bodies never reach the client beyond the sanitized message.
func (h *PaymentHandler) respondError(c *gin.Context, err error) {
	var ve *service.ValidationError
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
		return
	}

	if errors.Is(err, service.ErrUnknownReference) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	if errors.Is(err, service.ErrCaptureUnsupported) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "capture is not supported for this payment"})
		return
	}

	var conflict *statemachine.ConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "payment is already settled"})
		return
	}
	var invalid *statemachine.InvalidTransitionError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusConflict, gin.H{"error": "payment cannot change state at this point"})
		return
	}

	if pe, ok := provider.AsError(err); ok {
		status := http.StatusBadRequest
		if pe.Kind == provider.KindTransient {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": pe.Message})
		return
	}

	h.logger.Error("payment operation failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
