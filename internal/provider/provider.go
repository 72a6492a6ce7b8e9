package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pixelpost/payment-orchestrator/internal/models"
)

// ErrorKind classifies adapter failures for the caller's retry decision.
type ErrorKind string

const (
	// KindTransient covers timeouts and 5xx responses; the caller may retry
	// with backoff.
	KindTransient ErrorKind = "transient"
	// KindRejected covers 4xx responses; terminal for this attempt.
	KindRejected ErrorKind = "rejected"
	// KindUnsupportedCurrency is raised before any network call when the
	// adapter cannot serve the requested currency.
	KindUnsupportedCurrency ErrorKind = "unsupported_currency"
	// KindInitiationFailed covers provider-side initialization rejections
	// and malformed response bodies.
	KindInitiationFailed ErrorKind = "initiation_failed"
)

// Error is the normalized provider failure. Message is safe to surface to
// clients; RawDetail is retained only for the transaction audit blob.
type Error struct {
	Provider  models.Provider
	Kind      ErrorKind
	Message   string
	RawDetail json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Kind)
}

// Retryable reports whether the caller may retry this attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// AsError extracts a provider Error from err, if present.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IntentResult is the normalized outcome of a successful createIntent call.
type IntentResult struct {
	RemoteReference string
	CheckoutURL     string
	Raw             json.RawMessage
}

// Status is the normalized remote view of a transaction's progress.
type Status struct {
	Settled bool
	Failed  bool
	Detail  string
	Raw     json.RawMessage
}

// Adapter translates a generic payment request into provider-specific calls
// and normalizes responses. Exactly the two operations the orchestrator
// needs; PayPal's explicit capture step lives on Capturer.
type Adapter interface {
	Name() models.Provider
	ReferencePrefix() string
	CreateIntent(ctx context.Context, reference string, req models.PaymentRequest) (*IntentResult, error)
	FetchStatus(ctx context.Context, providerRef string) (*Status, error)
}

// Capturer is implemented by adapters whose flow requires an explicit
// capture call after checkout approval (create -> redirect -> capture).
type Capturer interface {
	Capture(ctx context.Context, remoteOrderID string) (*Status, error)
}
