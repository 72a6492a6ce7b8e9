package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pixelpost/payment-orchestrator/internal/models"
)

// Memory is the development-mode transaction store, used when DATABASE_URL
// is not configured. Same conditioned-transition semantics as the postgres
// implementation, no durability.
type Memory struct {
	mu     sync.Mutex
	txns   map[string]*models.Transaction
	events []*models.TransactionEvent
}

func NewMemory() *Memory {
	return &Memory{txns: make(map[string]*models.Transaction)}
}

func (r *Memory) Insert(_ context.Context, txn *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.txns[txn.Reference]; exists {
		return fmt.Errorf("duplicate reference %s", txn.Reference)
	}
	clone := *txn
	r.txns[txn.Reference] = &clone
	return nil
}

func (r *Memory) GetByReference(_ context.Context, reference string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.txns[reference]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *txn
	return &clone, nil
}

func (r *Memory) GetByRemoteReference(_ context.Context, remoteRef string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, txn := range r.txns {
		if txn.RemoteReference == remoteRef {
			clone := *txn
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (r *Memory) TransitionStatus(_ context.Context, reference string, from []models.TransactionStatus, to models.TransactionStatus, failureReason string, providerRaw json.RawMessage) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.txns[reference]
	if !ok {
		return 0, nil
	}
	matched := false
	for _, f := range from {
		if txn.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return 0, nil
	}
	txn.Status = to
	if failureReason != "" {
		txn.FailureReason = failureReason
	}
	if len(providerRaw) > 0 {
		txn.ProviderRaw = providerRaw
	}
	if to == models.StatusConfirmed {
		now := time.Now()
		txn.ConfirmedAt = &now
	}
	txn.UpdatedAt = time.Now()
	return 1, nil
}

func (r *Memory) AppendEvent(_ context.Context, event *models.TransactionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *event
	r.events = append(r.events, &clone)
	return nil
}

// Events returns a snapshot of the audit trail.
func (r *Memory) Events() []*models.TransactionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.TransactionEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Size returns the number of stored transactions.
func (r *Memory) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txns)
}
