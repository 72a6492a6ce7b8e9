package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixelpost/payment-orchestrator/internal/handlers"
	"github.com/pixelpost/payment-orchestrator/internal/models"
	"github.com/pixelpost/payment-orchestrator/internal/service"
	"github.com/pixelpost/payment-orchestrator/internal/telemetry"
)

func NewRouter(orchestrator *service.Orchestrator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())
	r.Use(AuthOptional())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "payment-orchestrator"})
	})

	paymentHandler := handlers.NewPaymentHandler(orchestrator, telemetry.Logger)

	payments := r.Group("/api/payments")
	{
		payments.POST("/paystack/init", paymentHandler.InitPaystack)
		payments.GET("/paystack/verify/:reference", paymentHandler.VerifyPaystack)
		payments.POST("/paystack/webhook",
			paymentHandler.Webhook(models.ProviderPaystack, handlers.PaystackSignatureHeader))

		payments.POST("/paypal/create", paymentHandler.CreatePayPal)
		payments.POST("/paypal/capture", paymentHandler.CapturePayPal)
		payments.POST("/paypal/webhook",
			paymentHandler.Webhook(models.ProviderPayPal, handlers.PayPalSignatureHeader))

		payments.GET("/:reference", paymentHandler.GetPayment)
		payments.POST("/:reference/cancel", paymentHandler.CancelPayment)
	}

	return r
}

// AuthOptional is a bearer-token passthrough: it attaches a caller identity
// when an Authorization header is present and never rejects. There is no
// token validation yet (guest-first SaaS).
func AuthOptional() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Set("user_id", "guest")
			c.Next()
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" {
			token = "guest"
		}
		c.Set("user_id", token)
		c.Next()
	}
}
