package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pixelpost/payment-orchestrator/internal/models"
)

func newPayPalServer(t *testing.T, tokenCalls *int64, orders http.HandlerFunc) (*httptest.Server, *PayPal) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if tokenCalls != nil {
			atomic.AddInt64(tokenCalls, 1)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-123",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	if orders != nil {
		mux.HandleFunc("/v2/checkout/orders", orders)
		mux.HandleFunc("/v2/checkout/orders/", orders)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	adapter := NewPayPal(PayPalConfig{
		BaseURL:      srv.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	})
	return srv, adapter
}

func TestPayPalCreateIntentOrderShape(t *testing.T) {
	var gotOrder map[string]any
	var tokenCalls int64
	_, adapter := newPayPalServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer token-123" {
			t.Errorf("unexpected auth header %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&gotOrder)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "ORDER-1",
			"status": "CREATED",
			"links": []map[string]string{
				{"href": "https://paypal.com/approve/ORDER-1", "rel": "approve"},
			},
		})
	})

	result, err := adapter.CreateIntent(context.Background(), "pp_1_abc123", models.PaymentRequest{
		Amount:    10,
		Currency:  models.CurrencyUSD,
		ReturnURL: "https://app.example.com/return",
		CancelURL: "https://app.example.com/cancel",
	})
	if err != nil {
		t.Fatalf("CreateIntent returned error: %v", err)
	}

	if gotOrder["intent"] != "CAPTURE" {
		t.Errorf("expected intent CAPTURE, got %v", gotOrder["intent"])
	}
	units := gotOrder["purchase_units"].([]any)
	amount := units[0].(map[string]any)["amount"].(map[string]any)
	if amount["currency_code"] != "USD" {
		t.Errorf("expected currency_code USD, got %v", amount["currency_code"])
	}
	if amount["value"] != "10.00" {
		t.Errorf("expected value 10.00, got %v", amount["value"])
	}
	if result.RemoteReference != "ORDER-1" {
		t.Errorf("expected remote reference ORDER-1, got %s", result.RemoteReference)
	}
	if result.CheckoutURL != "https://paypal.com/approve/ORDER-1" {
		t.Errorf("unexpected checkout URL %q", result.CheckoutURL)
	}
}

func TestPayPalRejectsNonUSDBeforeNetworkCall(t *testing.T) {
	var tokenCalls int64
	_, adapter := newPayPalServer(t, &tokenCalls, nil)

	_, err := adapter.CreateIntent(context.Background(), "pp_1_abc123", models.PaymentRequest{
		Amount:    500,
		Currency:  models.CurrencyKES,
		ReturnURL: "https://r",
		CancelURL: "https://c",
	})
	pe, ok := AsError(err)
	if !ok || pe.Kind != KindUnsupportedCurrency {
		t.Fatalf("expected UnsupportedCurrency error, got %v", err)
	}
	if atomic.LoadInt64(&tokenCalls) != 0 {
		t.Error("currency check must fail fast, before any network call")
	}
}

func TestPayPalTokenCachedAcrossCalls(t *testing.T) {
	var tokenCalls int64
	_, adapter := newPayPalServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "ORDER-1", "status": "CREATED"})
	})

	req := models.PaymentRequest{
		Amount:    10,
		Currency:  models.CurrencyUSD,
		ReturnURL: "https://r",
		CancelURL: "https://c",
	}
	for i := 0; i < 3; i++ {
		if _, err := adapter.CreateIntent(context.Background(), "pp_1_abc123", req); err != nil {
			t.Fatalf("CreateIntent returned error: %v", err)
		}
	}

	if n := atomic.LoadInt64(&tokenCalls); n != 1 {
		t.Errorf("expected 1 token exchange for 3 calls, got %d", n)
	}
}

func TestPayPalTokenRefreshSingleFlight(t *testing.T) {
	var tokenCalls int64
	_, adapter := newPayPalServer(t, &tokenCalls, nil)

	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := adapter.getAccessToken(context.Background()); err != nil {
				t.Errorf("getAccessToken returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt64(&tokenCalls); n != 1 {
		t.Errorf("expected exactly one in-flight refresh, got %d", n)
	}
}

func TestPayPalCaptureCompletedOrder(t *testing.T) {
	var tokenCalls int64
	_, adapter := newPayPalServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/checkout/orders/ORDER-1/capture" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "ORDER-1", "status": "COMPLETED"})
	})

	status, err := adapter.Capture(context.Background(), "ORDER-1")
	if err != nil {
		t.Fatalf("Capture returned error: %v", err)
	}
	if !status.Settled {
		t.Errorf("expected settled status after capture, got %+v", status)
	}
}

func TestPayPalRejectedCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	adapter := NewPayPal(PayPalConfig{
		BaseURL:      srv.URL,
		ClientID:     "bad",
		ClientSecret: "creds",
	})

	_, err := adapter.Capture(context.Background(), "ORDER-1")
	pe, ok := AsError(err)
	if !ok || pe.Kind != KindRejected {
		t.Fatalf("expected Rejected error, got %v", err)
	}
}
