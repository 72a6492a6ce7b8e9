package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pixelpost/payment-orchestrator/internal/interfaces"
	"github.com/pixelpost/payment-orchestrator/internal/metrics"
	"github.com/pixelpost/payment-orchestrator/internal/models"
	"github.com/pixelpost/payment-orchestrator/internal/provider"
	"github.com/pixelpost/payment-orchestrator/internal/reference"
	"github.com/pixelpost/payment-orchestrator/internal/repository"
	"github.com/pixelpost/payment-orchestrator/internal/statemachine"
	"github.com/pixelpost/payment-orchestrator/internal/webhook"
)

// Orchestrator is the payment façade: it validates charge requests, selects
// the adapter by currency, owns the transaction lifecycle, and reconciles
// asynchronous provider confirmations.
type Orchestrator struct {
	repo      interfaces.TransactionRepository
	locker    interfaces.ReferenceLocker
	publisher interfaces.EventPublisher
	verifier  *webhook.Verifier
	refs      *reference.Generator
	adapters  map[models.Currency]provider.Adapter
	logger    *zap.Logger
}

func NewOrchestrator(
	repo interfaces.TransactionRepository,
	locker interfaces.ReferenceLocker,
	publisher interfaces.EventPublisher,
	verifier *webhook.Verifier,
	refs *reference.Generator,
	paystack provider.Adapter,
	paypal provider.Adapter,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		verifier:  verifier,
		refs:      refs,
		adapters: map[models.Currency]provider.Adapter{
			models.CurrencyKES: paystack,
			models.CurrencyUSD: paypal,
		},
		logger: logger,
	}
}

// InitiationResult is what the client needs to continue checkout.
type InitiationResult struct {
	Reference   string `json:"reference"`
	CheckoutURL string `json:"checkoutUrl"`
}

// Initiate validates the request, creates a provider intent, and records
// the transaction. The local write happens before the result reaches the
// caller: the reference is the only key a later webhook can use to find
// this transaction.
func (o *Orchestrator) Initiate(ctx context.Context, req models.PaymentRequest) (*InitiationResult, error) {
	adapter, err := o.validate(req)
	if err != nil {
		return nil, err
	}

	ref := o.refs.Generate(adapter.ReferencePrefix())

	intent, err := adapter.CreateIntent(ctx, ref, req)
	if err != nil {
		o.logger.Warn("provider intent creation failed",
			zap.String("provider", string(adapter.Name())),
			zap.String("reference", ref),
			zap.Error(err),
		)
		return nil, err
	}

	txn := &models.Transaction{
		Reference:       ref,
		Provider:        adapter.Name(),
		Currency:        req.Currency,
		AmountMinor:     req.MinorUnits(),
		Status:          models.StatusInitiated,
		RemoteReference: intent.RemoteReference,
		CheckoutURL:     intent.CheckoutURL,
		ProviderRaw:     intent.Raw,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := o.repo.Insert(ctx, txn); err != nil {
		return nil, err
	}
	o.appendAudit(ctx, ref, models.StatusInitiated, models.StatusInitiated, "init", intent.Raw)
	metrics.PaymentsInitiated.WithLabelValues(string(adapter.Name())).Inc()

	o.logger.Info("payment initiated",
		zap.String("provider", string(adapter.Name())),
		zap.String("reference", ref),
		zap.Int64("amount_minor", txn.AmountMinor),
		zap.String("currency", string(req.Currency)),
	)

	// A hosted checkout URL means the payer is being redirected; the
	// transaction now waits on an asynchronous confirmation.
	if intent.CheckoutURL != "" {
		if _, err := o.applyTransition(ctx, ref, models.StatusPendingConfirmation, "init", "", nil); err != nil {
			o.logger.Warn("could not mark transaction pending",
				zap.String("reference", ref), zap.Error(err))
		}
	}

	return &InitiationResult{Reference: ref, CheckoutURL: intent.CheckoutURL}, nil
}

// Verify returns the current view of a transaction, reconciling against the
// provider first when the transaction is still non-terminal. The provider
// round-trip happens outside the per-reference lock.
func (o *Orchestrator) Verify(ctx context.Context, ref string) (*models.TransactionView, error) {
	txn, err := o.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if txn.Status.Terminal() {
		view := txn.View()
		return &view, nil
	}

	adapter := o.adapterFor(txn.Provider)
	status, err := adapter.FetchStatus(ctx, remoteRef(txn))
	if err != nil {
		// The provider being unreachable must not block the caller; the
		// local view is still authoritative for what we know.
		o.logger.Warn("provider status fetch failed",
			zap.String("reference", ref), zap.Error(err))
		view := txn.View()
		return &view, nil
	}

	updated, err := o.reconcile(ctx, txn, status, "verify")
	if err != nil {
		return nil, err
	}
	view := updated.View()
	return &view, nil
}

// Capture executes the explicit capture step for providers whose flow is
// create -> redirect -> capture, driving pending_confirmation to confirmed.
func (o *Orchestrator) Capture(ctx context.Context, ref string) (*models.TransactionView, error) {
	txn, err := o.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if txn.Status.Terminal() {
		// Idempotent: capturing an already-settled transaction returns the
		// existing record.
		view := txn.View()
		return &view, nil
	}

	capturer, ok := o.adapterFor(txn.Provider).(provider.Capturer)
	if !ok {
		return nil, ErrCaptureUnsupported
	}

	status, err := capturer.Capture(ctx, remoteRef(txn))
	if err != nil {
		return nil, err
	}

	updated, err := o.reconcile(ctx, txn, status, "capture")
	if err != nil {
		return nil, err
	}
	view := updated.View()
	return &view, nil
}

// CaptureByOrder resolves the local transaction from a provider order id
// and captures it. This is the shape the USD client flow sends back after
// checkout approval.
func (o *Orchestrator) CaptureByOrder(ctx context.Context, orderID string) (*models.TransactionView, error) {
	txn, err := o.repo.GetByRemoteReference(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnknownReference
	}
	if err != nil {
		return nil, err
	}
	return o.Capture(ctx, txn.Reference)
}

// Cancel marks an abandoned checkout. Legal only from initiated.
func (o *Orchestrator) Cancel(ctx context.Context, ref string) (*models.TransactionView, error) {
	if _, err := o.load(ctx, ref); err != nil {
		return nil, err
	}
	txn, err := o.applyTransition(ctx, ref, models.StatusCanceled, "cancel", "canceled by user", nil)
	if err != nil {
		return nil, err
	}
	view := txn.View()
	return &view, nil
}

// Get returns the local view without touching the provider.
func (o *Orchestrator) Get(ctx context.Context, ref string) (*models.TransactionView, error) {
	txn, err := o.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	view := txn.View()
	return &view, nil
}

// WebhookResult reports how an inbound event was handled.
type WebhookResult struct {
	Acted     bool
	Reference string
	EventType string
}

// HandleWebhook verifies the event signature against the raw body before
// any parsing, then applies the corresponding transition. Unknown
// references and stale events are acknowledged without any writes so the
// provider stops retrying.
func (o *Orchestrator) HandleWebhook(ctx context.Context, prov models.Provider, rawBody []byte, signatureHeader string) (*WebhookResult, error) {
	if !o.verifier.Verify(rawBody, signatureHeader) {
		metrics.WebhookSignatureFailures.Inc()
		o.logger.Warn("webhook signature verification failed",
			zap.String("provider", string(prov)))
		return nil, ErrInvalidSignature
	}

	event, err := parseWebhook(prov, rawBody)
	if err != nil {
		return nil, &ValidationError{Field: "body", Reason: "malformed webhook payload"}
	}

	result := &WebhookResult{Reference: event.Reference, EventType: event.EventType}

	target, relevant := webhookTarget(prov, event.EventType)
	if !relevant {
		o.logger.Info("ignoring webhook event type",
			zap.String("provider", string(prov)),
			zap.String("event", event.EventType))
		return result, nil
	}

	if _, err := o.load(ctx, event.Reference); err != nil {
		if errors.Is(err, ErrUnknownReference) {
			// Acknowledged but not acted on: failing here would only feed a
			// provider retry storm for an event we can never place.
			o.logger.Warn("webhook for unknown reference",
				zap.String("provider", string(prov)),
				zap.String("reference", event.Reference))
			return result, nil
		}
		return nil, err
	}

	if _, err := o.applyTransition(ctx, event.Reference, target, "webhook", event.Detail, rawBody); err != nil {
		var conflict *statemachine.ConflictError
		if errors.As(err, &conflict) {
			// A late event against a terminal transaction. Acknowledge;
			// the record stays as it is.
			return result, nil
		}
		return nil, err
	}

	result.Acted = true
	return result, nil
}

func (o *Orchestrator) validate(req models.PaymentRequest) (provider.Adapter, error) {
	if req.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if req.AmountUnit != "" && req.AmountUnit != models.UnitMajor && req.AmountUnit != models.UnitMinor {
		return nil, &ValidationError{Field: "amount_unit", Reason: "must be major or minor"}
	}

	adapter, ok := o.adapters[req.Currency]
	if !ok || adapter == nil {
		return nil, &ValidationError{Field: "currency", Reason: "unsupported currency"}
	}

	switch req.Currency {
	case models.CurrencyKES:
		if req.Email == "" {
			return nil, &ValidationError{Field: "email", Reason: "required for the KES flow"}
		}
	case models.CurrencyUSD:
		if req.ReturnURL == "" || req.CancelURL == "" {
			return nil, &ValidationError{Field: "return_url", Reason: "return_url and cancel_url are required for the USD flow"}
		}
	}
	return adapter, nil
}

func (o *Orchestrator) load(ctx context.Context, ref string) (*models.Transaction, error) {
	txn, err := o.repo.GetByReference(ctx, ref)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnknownReference
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (o *Orchestrator) adapterFor(prov models.Provider) provider.Adapter {
	for _, a := range o.adapters {
		if a != nil && a.Name() == prov {
			return a
		}
	}
	return nil
}

// reconcile folds a normalized provider status into the local record.
func (o *Orchestrator) reconcile(ctx context.Context, txn *models.Transaction, status *provider.Status, source string) (*models.Transaction, error) {
	switch {
	case status.Settled:
		return o.applyTransition(ctx, txn.Reference, models.StatusConfirmed, source, "", status.Raw)
	case status.Failed:
		return o.applyTransition(ctx, txn.Reference, models.StatusFailed, source, status.Detail, status.Raw)
	default:
		// Still in flight remotely; nothing to change locally.
		return txn, nil
	}
}

// applyTransition is the single write path for lifecycle changes. The
// per-reference lock covers only the local read/decide/write; provider
// round-trips have already happened by the time this runs.
func (o *Orchestrator) applyTransition(ctx context.Context, ref string, to models.TransactionStatus, source, reason string, raw json.RawMessage) (*models.Transaction, error) {
	release, err := o.locker.Lock(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer release()

	txn, err := o.load(ctx, ref)
	if err != nil {
		return nil, err
	}

	outcome, err := statemachine.Plan(ref, txn.Status, to)
	if err != nil {
		var conflict *statemachine.ConflictError
		if errors.As(err, &conflict) {
			metrics.StateConflicts.Inc()
			o.logger.Warn("rejected transition out of terminal state",
				zap.String("reference", ref),
				zap.String("from", string(txn.Status)),
				zap.String("to", string(to)),
			)
		}
		return txn, err
	}
	if outcome == statemachine.Noop {
		return txn, nil
	}

	from := txn.Status
	rows, err := o.repo.TransitionStatus(ctx, ref, []models.TransactionStatus{from}, to, reason, raw)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Lost the race to a concurrent writer despite the lock (e.g. a
		// sibling instance without shared locking). Re-read and let the
		// state machine decide again.
		current, err := o.load(ctx, ref)
		if err != nil {
			return nil, err
		}
		if current.Status == to {
			return current, nil
		}
		metrics.StateConflicts.Inc()
		return current, &statemachine.ConflictError{Reference: ref, From: current.Status, To: to}
	}

	o.appendAudit(ctx, ref, from, to, source, raw)

	o.publisher.PublishStateChanged(ctx, models.StateChanged{
		Reference:     ref,
		Provider:      txn.Provider,
		State:         to,
		PreviousState: from,
		Timestamp:     time.Now(),
	})

	switch to {
	case models.StatusConfirmed:
		metrics.PaymentsConfirmed.WithLabelValues(string(txn.Provider)).Inc()
		o.publisher.PublishConfirmed(ctx, models.PaymentConfirmed{
			Reference:   ref,
			Provider:    txn.Provider,
			Currency:    txn.Currency,
			AmountMinor: txn.AmountMinor,
			ConfirmedAt: time.Now(),
		})
	case models.StatusFailed:
		metrics.PaymentsFailed.WithLabelValues(string(txn.Provider)).Inc()
	}

	o.logger.Info("payment state transition",
		zap.String("reference", ref),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(to)),
		zap.String("source", source),
	)

	return o.load(ctx, ref)
}

func (o *Orchestrator) appendAudit(ctx context.Context, ref string, from, to models.TransactionStatus, source string, detail json.RawMessage) {
	event := &models.TransactionEvent{
		ID:         uuid.NewString(),
		Reference:  ref,
		FromStatus: from,
		ToStatus:   to,
		Source:     source,
		Detail:     detail,
		CreatedAt:  time.Now(),
	}
	if err := o.repo.AppendEvent(ctx, event); err != nil {
		o.logger.Error("could not append audit event",
			zap.String("reference", ref), zap.Error(err))
	}
}

func remoteRef(txn *models.Transaction) string {
	if txn.RemoteReference != "" {
		return txn.RemoteReference
	}
	return txn.Reference
}
