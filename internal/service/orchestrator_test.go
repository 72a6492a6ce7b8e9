package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/pixelpost/payment-orchestrator/internal/locker"
	"github.com/pixelpost/payment-orchestrator/internal/models"
	"github.com/pixelpost/payment-orchestrator/internal/provider"
	"github.com/pixelpost/payment-orchestrator/internal/reference"
	"github.com/pixelpost/payment-orchestrator/internal/repository"
	"github.com/pixelpost/payment-orchestrator/internal/webhook"
)

const testWebhookSecret = "whsec_test"

type recordingPublisher struct {
	mu        sync.Mutex
	changed   []models.StateChanged
	confirmed []models.PaymentConfirmed
}

func (p *recordingPublisher) PublishStateChanged(_ context.Context, e models.StateChanged) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changed = append(p.changed, e)
}

func (p *recordingPublisher) PublishConfirmed(_ context.Context, e models.PaymentConfirmed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = append(p.confirmed, e)
}

func (p *recordingPublisher) confirmedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.confirmed)
}

// stubAdapter is a configurable in-process provider.
type stubAdapter struct {
	name      models.Provider
	prefix    string
	intent    *provider.IntentResult
	intentErr error
	status    *provider.Status
	statusErr error
	captured  map[string]bool
}

func (s *stubAdapter) Name() models.Provider   { return s.name }
func (s *stubAdapter) ReferencePrefix() string { return s.prefix }

func (s *stubAdapter) CreateIntent(_ context.Context, ref string, _ models.PaymentRequest) (*provider.IntentResult, error) {
	if s.intentErr != nil {
		return nil, s.intentErr
	}
	if s.intent != nil {
		return s.intent, nil
	}
	return &provider.IntentResult{
		RemoteReference: "remote-" + ref,
		CheckoutURL:     "https://checkout.example.com/" + ref,
	}, nil
}

func (s *stubAdapter) FetchStatus(_ context.Context, _ string) (*provider.Status, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	if s.status != nil {
		return s.status, nil
	}
	return &provider.Status{}, nil
}

func (s *stubAdapter) Capture(_ context.Context, orderID string) (*provider.Status, error) {
	if s.captured == nil {
		s.captured = make(map[string]bool)
	}
	s.captured[orderID] = true
	return &provider.Status{Settled: true, Detail: "COMPLETED"}, nil
}

type fixture struct {
	orch      *Orchestrator
	repo      *repository.Memory
	publisher *recordingPublisher
	paystack  *stubAdapter
	paypal    *stubAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	refs, err := reference.New()
	if err != nil {
		t.Fatalf("reference.New: %v", err)
	}
	repo := repository.NewMemory()
	publisher := &recordingPublisher{}
	paystack := &stubAdapter{name: models.ProviderPaystack, prefix: "ps"}
	paypal := &stubAdapter{name: models.ProviderPayPal, prefix: "pp"}
	orch := NewOrchestrator(
		repo,
		locker.NewMemoryLocker(),
		publisher,
		webhook.New(testWebhookSecret, nil),
		refs,
		paystack,
		paypal,
		nil,
	)
	return &fixture{orch: orch, repo: repo, publisher: publisher, paystack: paystack, paypal: paypal}
}

func countTransitions(repo *repository.Memory, ref string, from, to models.TransactionStatus) int {
	n := 0
	for _, e := range repo.Events() {
		if e.Reference == ref && e.FromStatus == from && e.ToStatus == to {
			n++
		}
	}
	return n
}

func signBody(body []byte) string {
	mac := hmac.New(sha512.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestInitiateKESHappyPath(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:   500,
		Currency: models.CurrencyKES,
		Email:    "a@b.com",
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	if !regexp.MustCompile(`^ps_\d+_[a-z0-9]{6}$`).MatchString(result.Reference) {
		t.Errorf("reference %q does not match expected format", result.Reference)
	}
	if result.CheckoutURL == "" {
		t.Error("expected a checkout URL")
	}

	txn, err := f.repo.GetByReference(context.Background(), result.Reference)
	if err != nil {
		t.Fatalf("transaction was not persisted: %v", err)
	}
	// A checkout URL was issued, so the record has already moved on to
	// pending_confirmation after the initial initiated write.
	if txn.Status != models.StatusPendingConfirmation {
		t.Errorf("expected pending_confirmation, got %s", txn.Status)
	}
	if txn.AmountMinor != 50000 {
		t.Errorf("expected 50000 minor units, got %d", txn.AmountMinor)
	}
	if got := countTransitions(f.repo, result.Reference, models.StatusInitiated, models.StatusInitiated); got != 1 {
		t.Errorf("expected 1 init audit entry, got %d", got)
	}
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		req  models.PaymentRequest
	}{
		{"zero amount", models.PaymentRequest{Amount: 0, Currency: models.CurrencyKES, Email: "a@b.com"}},
		{"negative amount", models.PaymentRequest{Amount: -5, Currency: models.CurrencyKES, Email: "a@b.com"}},
		{"unknown currency", models.PaymentRequest{Amount: 10, Currency: "EUR"}},
		{"KES without email", models.PaymentRequest{Amount: 500, Currency: models.CurrencyKES}},
		{"USD without return urls", models.PaymentRequest{Amount: 10, Currency: models.CurrencyUSD}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.Initiate(context.Background(), tc.req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestInitiateProviderFailureDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	f.paystack.intentErr = &provider.Error{
		Provider: models.ProviderPaystack,
		Kind:     provider.KindInitiationFailed,
		Message:  "paystack rejected the request",
	}

	_, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:   500,
		Currency: models.CurrencyKES,
		Email:    "a@b.com",
	})
	pe, ok := provider.AsError(err)
	if !ok || pe.Kind != provider.KindInitiationFailed {
		t.Fatalf("expected InitiationFailed, got %v", err)
	}

	if f.repo.Size() != 0 {
		t.Error("no transaction should be persisted when intent creation fails")
	}
}

func TestUSDCaptureFlow(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:    10,
		Currency:  models.CurrencyUSD,
		ReturnURL: "https://r",
		CancelURL: "https://c",
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	txn, _ := f.repo.GetByReference(context.Background(), result.Reference)
	if txn.Status != models.StatusPendingConfirmation {
		t.Fatalf("expected pending_confirmation before capture, got %s", txn.Status)
	}

	view, err := f.orch.Capture(context.Background(), result.Reference)
	if err != nil {
		t.Fatalf("Capture returned error: %v", err)
	}
	if view.Status != models.StatusConfirmed {
		t.Errorf("expected confirmed after capture, got %s", view.Status)
	}
	if !f.paypal.captured[txn.RemoteReference] {
		t.Error("capture was not issued against the remote order id")
	}

	// Capturing again is an idempotent no-op on the terminal record.
	again, err := f.orch.Capture(context.Background(), result.Reference)
	if err != nil {
		t.Fatalf("second Capture returned error: %v", err)
	}
	if again.Status != models.StatusConfirmed {
		t.Errorf("second capture changed status to %s", again.Status)
	}
}

func TestCaptureByOrderID(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:    10,
		Currency:  models.CurrencyUSD,
		ReturnURL: "https://r",
		CancelURL: "https://c",
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	txn, _ := f.repo.GetByReference(context.Background(), result.Reference)

	view, err := f.orch.CaptureByOrder(context.Background(), txn.RemoteReference)
	if err != nil {
		t.Fatalf("CaptureByOrder returned error: %v", err)
	}
	if view.Status != models.StatusConfirmed {
		t.Errorf("expected confirmed, got %s", view.Status)
	}

	if _, err := f.orch.CaptureByOrder(context.Background(), "ORDER-unknown"); !errors.Is(err, ErrUnknownReference) {
		t.Errorf("expected ErrUnknownReference for unknown order, got %v", err)
	}
}

func TestVerifyDrivesConfirmation(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:   500,
		Currency: models.CurrencyKES,
		Email:    "a@b.com",
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	f.paystack.status = &provider.Status{Settled: true}

	view, err := f.orch.Verify(context.Background(), result.Reference)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if view.Status != models.StatusConfirmed {
		t.Errorf("expected confirmed, got %s", view.Status)
	}
	if view.ConfirmedAt == nil {
		t.Error("expected confirmed_at to be set")
	}
}

func TestVerifyProviderOutageReturnsLocalView(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:   500,
		Currency: models.CurrencyKES,
		Email:    "a@b.com",
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	f.paystack.statusErr = &provider.Error{
		Provider: models.ProviderPaystack,
		Kind:     provider.KindTransient,
		Message:  "paystack request timed out",
	}

	view, err := f.orch.Verify(context.Background(), result.Reference)
	if err != nil {
		t.Fatalf("Verify must not fail on provider outage: %v", err)
	}
	if view.Status != models.StatusPendingConfirmation {
		t.Errorf("expected local pending_confirmation view, got %s", view.Status)
	}
}

func TestCancelAbandonedCheckout(t *testing.T) {
	f := newFixture(t)
	// No checkout URL issued: the transaction stays in initiated.
	f.paystack.intent = &provider.IntentResult{RemoteReference: "remote-1"}

	result, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:   500,
		Currency: models.CurrencyKES,
		Email:    "a@b.com",
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	view, err := f.orch.Cancel(context.Background(), result.Reference)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if view.Status != models.StatusCanceled {
		t.Errorf("expected canceled, got %s", view.Status)
	}
}

func webhookBody(ref, event string) []byte {
	body, _ := json.Marshal(map[string]any{
		"event": event,
		"data":  map[string]any{"reference": ref, "status": "success"},
	})
	return body
}

func TestWebhookConfirms(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:   500,
		Currency: models.CurrencyKES,
		Email:    "a@b.com",
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	body := webhookBody(result.Reference, "charge.success")
	wr, err := f.orch.HandleWebhook(context.Background(), models.ProviderPaystack, body, signBody(body))
	if err != nil {
		t.Fatalf("HandleWebhook returned error: %v", err)
	}
	if !wr.Acted {
		t.Error("expected webhook to act on the transaction")
	}

	txn, _ := f.repo.GetByReference(context.Background(), result.Reference)
	if txn.Status != models.StatusConfirmed {
		t.Errorf("expected confirmed, got %s", txn.Status)
	}
}

func TestWebhookInvalidSignatureNeverTransitions(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:   500,
		Currency: models.CurrencyKES,
		Email:    "a@b.com",
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	body := webhookBody(result.Reference, "charge.success")
	_, err = f.orch.HandleWebhook(context.Background(), models.ProviderPaystack, body, "bad-signature")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	txn, _ := f.repo.GetByReference(context.Background(), result.Reference)
	if txn.Status != models.StatusPendingConfirmation {
		t.Errorf("transaction must not transition on bad signature, got %s", txn.Status)
	}
}

func TestWebhookUnknownReferenceAcknowledged(t *testing.T) {
	f := newFixture(t)

	body := webhookBody("ps_999_zzzzzz", "charge.success")
	wr, err := f.orch.HandleWebhook(context.Background(), models.ProviderPaystack, body, signBody(body))
	if err != nil {
		t.Fatalf("unknown reference must be acknowledged, got error %v", err)
	}
	if wr.Acted {
		t.Error("unknown reference must not be acted on")
	}
	if f.repo.Size() != 0 {
		t.Error("no transaction may be created from a webhook")
	}
}

func TestWebhookConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:   500,
		Currency: models.CurrencyKES,
		Email:    "a@b.com",
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	body := webhookBody(result.Reference, "charge.success")
	for i := 0; i < 2; i++ {
		if _, err := f.orch.HandleWebhook(context.Background(), models.ProviderPaystack, body, signBody(body)); err != nil {
			t.Fatalf("delivery %d returned error: %v", i+1, err)
		}
	}

	if got := countTransitions(f.repo, result.Reference, models.StatusPendingConfirmation, models.StatusConfirmed); got != 1 {
		t.Errorf("expected exactly 1 confirm audit entry, got %d", got)
	}
}

func TestStaleFailedWebhookCannotReverseConfirmed(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:   500,
		Currency: models.CurrencyKES,
		Email:    "a@b.com",
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	success := webhookBody(result.Reference, "charge.success")
	if _, err := f.orch.HandleWebhook(context.Background(), models.ProviderPaystack, success, signBody(success)); err != nil {
		t.Fatalf("confirm webhook returned error: %v", err)
	}

	stale := webhookBody(result.Reference, "charge.failed")
	if _, err := f.orch.HandleWebhook(context.Background(), models.ProviderPaystack, stale, signBody(stale)); err != nil {
		t.Fatalf("stale webhook must be acknowledged, got error %v", err)
	}

	txn, _ := f.repo.GetByReference(context.Background(), result.Reference)
	if txn.Status != models.StatusConfirmed {
		t.Errorf("stale failed webhook reversed confirmation: %s", txn.Status)
	}
}

func TestConcurrentDuplicateWebhooksSingleTransition(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:   500,
		Currency: models.CurrencyKES,
		Email:    "a@b.com",
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	body := webhookBody(result.Reference, "charge.success")
	sig := signBody(body)

	const deliveries = 8
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.HandleWebhook(context.Background(), models.ProviderPaystack, body, sig)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent delivery returned error: %v", err)
		}
	}

	if got := countTransitions(f.repo, result.Reference, models.StatusPendingConfirmation, models.StatusConfirmed); got != 1 {
		t.Errorf("expected exactly 1 confirm transition, got %d", got)
	}
	if f.publisher.confirmedCount() != 1 {
		t.Errorf("expected exactly 1 confirmation event published, got %d", f.publisher.confirmedCount())
	}
}

func TestWebhookIrrelevantEventTypeIgnored(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Initiate(context.Background(), models.PaymentRequest{
		Amount:   500,
		Currency: models.CurrencyKES,
		Email:    "a@b.com",
	})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}

	body := webhookBody(result.Reference, "subscription.create")
	wr, err := f.orch.HandleWebhook(context.Background(), models.ProviderPaystack, body, signBody(body))
	if err != nil {
		t.Fatalf("irrelevant event must be acknowledged, got %v", err)
	}
	if wr.Acted {
		t.Error("irrelevant event type must not transition the transaction")
	}
}

func TestGetUnknownReference(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Get(context.Background(), "ps_1_nosuch")
	if !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("expected ErrUnknownReference, got %v", err)
	}
}
