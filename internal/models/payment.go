package models

import (
	"encoding/json"
	"math"
	"time"
)

type TransactionStatus string

const (
	StatusInitiated           TransactionStatus = "initiated"
	StatusPendingConfirmation TransactionStatus = "pending_confirmation"
	StatusConfirmed           TransactionStatus = "confirmed"
	StatusFailed              TransactionStatus = "failed"
	StatusCanceled            TransactionStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

type Provider string

const (
	ProviderPaystack Provider = "paystack"
	ProviderPayPal   Provider = "paypal"
)

type Currency string

const (
	CurrencyKES Currency = "KES"
	CurrencyUSD Currency = "USD"
)

// AmountUnit tags how PaymentRequest.Amount is denominated. Callers send
// major units (e.g. 500 KES); minor is an explicit opt-out for callers that
// already scaled, so the adapter never scales twice.
type AmountUnit string

const (
	UnitMajor AmountUnit = "major"
	UnitMinor AmountUnit = "minor"
)

// PaymentRequest is the generic charge request accepted by the orchestrator
// before any provider-specific translation.
type PaymentRequest struct {
	Amount     float64    `json:"amount"`
	AmountUnit AmountUnit `json:"amount_unit,omitempty"`
	Currency   Currency   `json:"currency"`
	Email      string     `json:"email,omitempty"`
	ReturnURL  string     `json:"return_url,omitempty"`
	CancelURL  string     `json:"cancel_url,omitempty"`
}

// MinorUnits scales the requested amount to minor currency units exactly
// once. The unit tag guards callers that already scaled: a minor-tagged
// amount passes through unscaled.
func (r PaymentRequest) MinorUnits() int64 {
	if r.AmountUnit == UnitMinor {
		return int64(math.Round(r.Amount))
	}
	return int64(math.Round(r.Amount * 100))
}

// MajorUnits returns the amount in major currency units regardless of how
// the caller tagged it.
func (r PaymentRequest) MajorUnits() float64 {
	if r.AmountUnit == UnitMinor {
		return r.Amount / 100
	}
	return r.Amount
}

// Transaction is the orchestrator's local record of one payment attempt.
// It is mutated only through state machine transitions and never deleted.
type Transaction struct {
	Reference       string            `json:"reference"`
	Provider        Provider          `json:"provider"`
	Currency        Currency          `json:"currency"`
	AmountMinor     int64             `json:"amount_minor"`
	Status          TransactionStatus `json:"status"`
	RemoteReference string            `json:"remote_reference,omitempty"`
	CheckoutURL     string            `json:"checkout_url,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	ProviderRaw     json.RawMessage   `json:"-"`
	CreatedAt       time.Time         `json:"created_at"`
	ConfirmedAt     *time.Time        `json:"confirmed_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TransactionView is the sanitized shape returned to clients. Raw provider
// payloads stay in the audit blob and are never exposed here.
type TransactionView struct {
	Reference   string            `json:"reference"`
	Provider    Provider          `json:"provider"`
	Currency    Currency          `json:"currency"`
	AmountMinor int64             `json:"amount_minor"`
	Status      TransactionStatus `json:"status"`
	CheckoutURL string            `json:"checkout_url,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ConfirmedAt *time.Time        `json:"confirmed_at,omitempty"`
}

func (t *Transaction) View() TransactionView {
	return TransactionView{
		Reference:   t.Reference,
		Provider:    t.Provider,
		Currency:    t.Currency,
		AmountMinor: t.AmountMinor,
		Status:      t.Status,
		CheckoutURL: t.CheckoutURL,
		CreatedAt:   t.CreatedAt,
		ConfirmedAt: t.ConfirmedAt,
	}
}

// TransactionEvent is one append-only audit entry recording a state
// transition and the provider payload that caused it.
type TransactionEvent struct {
	ID         string            `json:"id"`
	Reference  string            `json:"reference"`
	FromStatus TransactionStatus `json:"from_status"`
	ToStatus   TransactionStatus `json:"to_status"`
	Source     string            `json:"source"` // webhook, verify, capture, init, cancel
	Detail     json.RawMessage   `json:"detail,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// WebhookEvent is one inbound provider notification after signature
// verification and parsing. RawBody is the exact byte sequence received on
// the wire; signature checks ran against it, never a re-serialization. The
// event is ephemeral: applied and discarded within one request.
type WebhookEvent struct {
	Provider  Provider
	RawBody   []byte
	EventType string
	Reference string
	Detail    string
}

// StateChanged is published to Kafka on every committed transition.
type StateChanged struct {
	Reference     string            `json:"reference"`
	Provider      Provider          `json:"provider"`
	State         TransactionStatus `json:"state"`
	PreviousState TransactionStatus `json:"previous_state"`
	Timestamp     time.Time         `json:"timestamp"`
}

// PaymentConfirmed is published to NATS for the notification subsystem.
type PaymentConfirmed struct {
	Reference   string    `json:"reference"`
	Provider    Provider  `json:"provider"`
	Currency    Currency  `json:"currency"`
	AmountMinor int64     `json:"amount_minor"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}
