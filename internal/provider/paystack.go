package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pixelpost/payment-orchestrator/internal/metrics"
	"github.com/pixelpost/payment-orchestrator/internal/models"
)

const paystackDefaultBaseURL = "https://api.paystack.co"

// Channels allowed on the hosted checkout page. Mobile-money channels are
// excluded until the settlement account supports them.
var paystackChannels = []string{"card", "bank", "ussd"}

// Paystack serves the KES flow: initialize a hosted checkout transaction,
// then poll verify. Amounts cross this boundary in major units and are
// scaled to minor units here, exactly once.
type Paystack struct {
	baseURL   string
	secretKey string
	client    *http.Client
	logger    *zap.Logger
}

type PaystackConfig struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
	Logger    *zap.Logger
}

func NewPaystack(cfg PaystackConfig) *Paystack {
	if cfg.BaseURL == "" {
		cfg.BaseURL = paystackDefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Paystack{
		baseURL:   cfg.BaseURL,
		secretKey: cfg.SecretKey,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    cfg.Logger,
	}
}

func (p *Paystack) Name() models.Provider   { return models.ProviderPaystack }
func (p *Paystack) ReferencePrefix() string { return "ps" }

type paystackInitRequest struct {
	Reference string           `json:"reference"`
	Email     string           `json:"email"`
	Amount    int64            `json:"amount"`
	Currency  string           `json:"currency"`
	Channels  []string         `json:"channels"`
	Metadata  paystackMetadata `json:"metadata"`
}

type paystackMetadata struct {
	CustomFields []paystackCustomField `json:"custom_fields"`
}

type paystackCustomField struct {
	DisplayName  string `json:"display_name"`
	VariableName string `json:"variable_name"`
	Value        string `json:"value"`
}

type paystackInitResponse struct {
	Status bool `json:"status"`
	Data   struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
	Message string `json:"message"`
}

type paystackVerifyResponse struct {
	Status bool `json:"status"`
	Data   struct {
		Status          string `json:"status"`
		Reference       string `json:"reference"`
		GatewayResponse string `json:"gateway_response"`
		Amount          int64  `json:"amount"`
	} `json:"data"`
	Message string `json:"message"`
}

func (p *Paystack) CreateIntent(ctx context.Context, reference string, req models.PaymentRequest) (*IntentResult, error) {
	if req.Currency != models.CurrencyKES {
		return nil, &Error{
			Provider: models.ProviderPaystack,
			Kind:     KindUnsupportedCurrency,
			Message:  fmt.Sprintf("paystack flow only supports KES, got %s", req.Currency),
		}
	}
	if p.secretKey == "" {
		return nil, &Error{
			Provider: models.ProviderPaystack,
			Kind:     KindRejected,
			Message:  "paystack credentials not configured",
		}
	}

	body := paystackInitRequest{
		Reference: reference,
		Email:     req.Email,
		Amount:    req.MinorUnits(),
		Currency:  string(models.CurrencyKES),
		Channels:  paystackChannels,
		Metadata: paystackMetadata{
			CustomFields: []paystackCustomField{{
				DisplayName:  "Platform",
				VariableName: "platform",
				Value:        "PixelPost Scheduler",
			}},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal paystack init request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/transaction/initialize", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build paystack init request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	metrics.ProviderRequestDuration.WithLabelValues("paystack", "initialize").
		Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, p.transientError("initialize request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return nil, &Error{
			Provider:  models.ProviderPaystack,
			Kind:      KindTransient,
			Message:   fmt.Sprintf("paystack initialize returned %d", resp.StatusCode),
			RawDetail: raw,
		}
	}
	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("paystack initialize rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("reference", reference),
		)
		return nil, &Error{
			Provider:  models.ProviderPaystack,
			Kind:      KindInitiationFailed,
			Message:   "paystack rejected the request",
			RawDetail: raw,
		}
	}

	var parsed paystackInitResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Data.AuthorizationURL == "" {
		return nil, &Error{
			Provider:  models.ProviderPaystack,
			Kind:      KindInitiationFailed,
			Message:   "paystack returned a malformed initialize response",
			RawDetail: raw,
		}
	}

	return &IntentResult{
		RemoteReference: parsed.Data.Reference,
		CheckoutURL:     parsed.Data.AuthorizationURL,
		Raw:             raw,
	}, nil
}

func (p *Paystack) FetchStatus(ctx context.Context, providerRef string) (*Status, error) {
	if p.secretKey == "" {
		return nil, &Error{
			Provider: models.ProviderPaystack,
			Kind:     KindRejected,
			Message:  "paystack credentials not configured",
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/transaction/verify/"+providerRef, nil)
	if err != nil {
		return nil, fmt.Errorf("build paystack verify request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.secretKey)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	metrics.ProviderRequestDuration.WithLabelValues("paystack", "verify").
		Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, p.transientError("verify request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return nil, &Error{
			Provider:  models.ProviderPaystack,
			Kind:      KindTransient,
			Message:   fmt.Sprintf("paystack verify returned %d", resp.StatusCode),
			RawDetail: raw,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Provider:  models.ProviderPaystack,
			Kind:      KindRejected,
			Message:   "paystack verification failed",
			RawDetail: raw,
		}
	}

	var parsed paystackVerifyResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{
			Provider:  models.ProviderPaystack,
			Kind:      KindRejected,
			Message:   "paystack returned a malformed verify response",
			RawDetail: raw,
		}
	}

	return &Status{
		Settled: parsed.Data.Status == "success",
		Failed:  parsed.Data.Status == "failed" || parsed.Data.Status == "abandoned",
		Detail:  parsed.Data.GatewayResponse,
		Raw:     raw,
	}, nil
}

func (p *Paystack) transientError(msg string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "paystack request timed out"
	}
	return &Error{
		Provider: models.ProviderPaystack,
		Kind:     KindTransient,
		Message:  fmt.Sprintf("%s: %v", msg, err),
	}
}
