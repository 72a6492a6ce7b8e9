package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixelpost/payment-orchestrator/internal/metrics"
	"github.com/pixelpost/payment-orchestrator/internal/models"
)

const (
	paypalSandboxBaseURL = "https://api-m.sandbox.paypal.com"
	paypalLiveBaseURL    = "https://api-m.paypal.com"

	// Refresh slightly before the provider-stated expiry to avoid using a
	// token that dies mid-request.
	tokenExpiryMargin = 60 * time.Second
)

// PayPal serves the USD flow: client-credentials OAuth, order creation with
// CAPTURE intent, then an explicit capture call after checkout approval.
// The token cache is owned by the adapter instance, not package state.
type PayPal struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client
	logger       *zap.Logger

	// Token cache. tokenMu single-flights refresh: the first caller past
	// the expiry check refreshes while the rest wait on the mutex and then
	// observe the fresh token.
	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

type PayPalConfig struct {
	// Mode selects sandbox or live endpoints; BaseURL overrides both for tests.
	Mode         string
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	Logger       *zap.Logger
}

func NewPayPal(cfg PayPalConfig) *PayPal {
	base := cfg.BaseURL
	if base == "" {
		if cfg.Mode == "live" {
			base = paypalLiveBaseURL
		} else {
			base = paypalSandboxBaseURL
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &PayPal{
		baseURL:      base,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		client:       &http.Client{Timeout: cfg.Timeout},
		logger:       cfg.Logger,
	}
}

func (p *PayPal) Name() models.Provider   { return models.ProviderPayPal }
func (p *PayPal) ReferencePrefix() string { return "pp" }

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type paypalOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

// getAccessToken returns a cached bearer token, refreshing it at most once
// at a time across concurrent callers.
func (p *PayPal) getAccessToken(ctx context.Context) (string, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build paypal token request: %w", err)
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", p.transientError("token request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return "", &Error{
			Provider:  models.ProviderPayPal,
			Kind:      KindTransient,
			Message:   fmt.Sprintf("paypal token endpoint returned %d", resp.StatusCode),
			RawDetail: raw,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			Provider:  models.ProviderPayPal,
			Kind:      KindRejected,
			Message:   "paypal credentials were rejected",
			RawDetail: raw,
		}
	}

	var parsed paypalTokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.AccessToken == "" {
		return "", &Error{
			Provider:  models.ProviderPayPal,
			Kind:      KindRejected,
			Message:   "paypal returned a malformed token response",
			RawDetail: raw,
		}
	}

	p.accessToken = parsed.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(parsed.ExpiresIn)*time.Second - tokenExpiryMargin)
	p.logger.Debug("paypal access token refreshed",
		zap.Int("expires_in", parsed.ExpiresIn))

	return p.accessToken, nil
}

func (p *PayPal) CreateIntent(ctx context.Context, reference string, req models.PaymentRequest) (*IntentResult, error) {
	if req.Currency != models.CurrencyUSD {
		return nil, &Error{
			Provider: models.ProviderPayPal,
			Kind:     KindUnsupportedCurrency,
			Message:  fmt.Sprintf("paypal flow only supports USD, got %s", req.Currency),
		}
	}
	if p.clientID == "" || p.clientSecret == "" {
		return nil, &Error{
			Provider: models.ProviderPayPal,
			Kind:     KindRejected,
			Message:  "paypal credentials not configured",
		}
	}

	token, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": reference,
			"amount": map[string]string{
				"currency_code": string(models.CurrencyUSD),
				"value":         fmt.Sprintf("%.2f", req.MajorUnits()),
			},
		}},
		"application_context": map[string]string{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal paypal order request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v2/checkout/orders", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build paypal order request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	metrics.ProviderRequestDuration.WithLabelValues("paypal", "create_order").
		Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, p.transientError("create order request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return nil, &Error{
			Provider:  models.ProviderPayPal,
			Kind:      KindTransient,
			Message:   fmt.Sprintf("paypal create order returned %d", resp.StatusCode),
			RawDetail: raw,
		}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &Error{
			Provider:  models.ProviderPayPal,
			Kind:      KindInitiationFailed,
			Message:   "paypal rejected the order",
			RawDetail: raw,
		}
	}

	var parsed paypalOrderResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.ID == "" {
		return nil, &Error{
			Provider:  models.ProviderPayPal,
			Kind:      KindInitiationFailed,
			Message:   "paypal returned a malformed order response",
			RawDetail: raw,
		}
	}

	return &IntentResult{
		RemoteReference: parsed.ID,
		CheckoutURL:     approveLink(parsed),
		Raw:             raw,
	}, nil
}

func (p *PayPal) FetchStatus(ctx context.Context, providerRef string) (*Status, error) {
	token, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/v2/checkout/orders/"+providerRef, nil)
	if err != nil {
		return nil, fmt.Errorf("build paypal order status request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	metrics.ProviderRequestDuration.WithLabelValues("paypal", "order_status").
		Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, p.transientError("order status request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return nil, &Error{
			Provider:  models.ProviderPayPal,
			Kind:      KindTransient,
			Message:   fmt.Sprintf("paypal order status returned %d", resp.StatusCode),
			RawDetail: raw,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Provider:  models.ProviderPayPal,
			Kind:      KindRejected,
			Message:   "paypal order lookup failed",
			RawDetail: raw,
		}
	}

	var parsed paypalOrderResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{
			Provider:  models.ProviderPayPal,
			Kind:      KindRejected,
			Message:   "paypal returned a malformed order status response",
			RawDetail: raw,
		}
	}

	return &Status{
		Settled: parsed.Status == "COMPLETED",
		Failed:  parsed.Status == "VOIDED",
		Detail:  parsed.Status,
		Raw:     raw,
	}, nil
}

// Capture executes the explicit capture step of the PayPal flow:
// create -> redirect -> capture, not create -> poll.
func (p *PayPal) Capture(ctx context.Context, remoteOrderID string) (*Status, error) {
	token, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v2/checkout/orders/"+remoteOrderID+"/capture", nil)
	if err != nil {
		return nil, fmt.Errorf("build paypal capture request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	metrics.ProviderRequestDuration.WithLabelValues("paypal", "capture").
		Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, p.transientError("capture request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return nil, &Error{
			Provider:  models.ProviderPayPal,
			Kind:      KindTransient,
			Message:   fmt.Sprintf("paypal capture returned %d", resp.StatusCode),
			RawDetail: raw,
		}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &Error{
			Provider:  models.ProviderPayPal,
			Kind:      KindRejected,
			Message:   "paypal capture failed",
			RawDetail: raw,
		}
	}

	var parsed paypalOrderResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{
			Provider:  models.ProviderPayPal,
			Kind:      KindRejected,
			Message:   "paypal returned a malformed capture response",
			RawDetail: raw,
		}
	}

	return &Status{
		Settled: parsed.Status == "COMPLETED",
		Failed:  parsed.Status == "VOIDED" || parsed.Status == "DECLINED",
		Detail:  parsed.Status,
		Raw:     raw,
	}, nil
}

func approveLink(order paypalOrderResponse) string {
	for _, link := range order.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return link.Href
		}
	}
	return ""
}

func (p *PayPal) transientError(msg string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "paypal request timed out"
	}
	return &Error{
		Provider: models.ProviderPayPal,
		Kind:     KindTransient,
		Message:  fmt.Sprintf("%s: %v", msg, err),
	}
}
