package service

import (
	"encoding/json"
	"fmt"

	"github.com/pixelpost/payment-orchestrator/internal/models"
)

type paystackWebhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference       string `json:"reference"`
		Status          string `json:"status"`
		GatewayResponse string `json:"gateway_response"`
	} `json:"data"`
}

type paypalWebhookPayload struct {
	EventType string `json:"event_type"`
	Resource  struct {
		ID            string `json:"id"`
		CustomID      string `json:"custom_id"`
		Status        string `json:"status"`
		PurchaseUnits []struct {
			ReferenceID string `json:"reference_id"`
		} `json:"purchase_units"`
	} `json:"resource"`
}

// parseWebhook extracts the event type and our local reference from a
// verified raw payload. Parsing happens strictly after signature
// verification.
func parseWebhook(prov models.Provider, rawBody []byte) (*models.WebhookEvent, error) {
	switch prov {
	case models.ProviderPaystack:
		var p paystackWebhookPayload
		if err := json.Unmarshal(rawBody, &p); err != nil {
			return nil, fmt.Errorf("parse paystack webhook: %w", err)
		}
		if p.Event == "" || p.Data.Reference == "" {
			return nil, fmt.Errorf("paystack webhook missing event or reference")
		}
		return &models.WebhookEvent{
			Provider:  prov,
			RawBody:   rawBody,
			EventType: p.Event,
			Reference: p.Data.Reference,
			Detail:    p.Data.GatewayResponse,
		}, nil

	case models.ProviderPayPal:
		var p paypalWebhookPayload
		if err := json.Unmarshal(rawBody, &p); err != nil {
			return nil, fmt.Errorf("parse paypal webhook: %w", err)
		}
		if p.EventType == "" {
			return nil, fmt.Errorf("paypal webhook missing event_type")
		}
		// Orders are created with our reference as the purchase unit
		// reference_id; capture resources echo it back as custom_id.
		ref := p.Resource.CustomID
		if len(p.Resource.PurchaseUnits) > 0 && p.Resource.PurchaseUnits[0].ReferenceID != "" {
			ref = p.Resource.PurchaseUnits[0].ReferenceID
		}
		return &models.WebhookEvent{
			Provider:  prov,
			RawBody:   rawBody,
			EventType: p.EventType,
			Reference: ref,
			Detail:    p.Resource.Status,
		}, nil
	}
	return nil, fmt.Errorf("unknown webhook provider %q", prov)
}

// webhookTarget maps a provider event type to the lifecycle state it
// implies. Irrelevant event types are acknowledged without action.
func webhookTarget(prov models.Provider, eventType string) (models.TransactionStatus, bool) {
	switch prov {
	case models.ProviderPaystack:
		switch eventType {
		case "charge.success":
			return models.StatusConfirmed, true
		case "charge.failed":
			return models.StatusFailed, true
		}
	case models.ProviderPayPal:
		switch eventType {
		case "PAYMENT.CAPTURE.COMPLETED", "CHECKOUT.ORDER.COMPLETED":
			return models.StatusConfirmed, true
		case "PAYMENT.CAPTURE.DENIED":
			return models.StatusFailed, true
		}
	}
	return "", false
}
