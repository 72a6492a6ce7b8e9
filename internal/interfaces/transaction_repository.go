package interfaces

import (
	"context"
	"encoding/json"

	"github.com/pixelpost/payment-orchestrator/internal/models"
)

// TransactionRepository defines the contract for transaction persistence.
// Transactions are append-oriented: records are never deleted and the audit
// trail only grows.
type TransactionRepository interface {
	Insert(ctx context.Context, txn *models.Transaction) error
	GetByReference(ctx context.Context, reference string) (*models.Transaction, error)
	GetByRemoteReference(ctx context.Context, remoteRef string) (*models.Transaction, error)
	// TransitionStatus conditionally moves a transaction from one of the
	// given states to the target state, returning the number of rows
	// changed. Zero rows means the precondition no longer held.
	TransitionStatus(ctx context.Context, reference string, from []models.TransactionStatus, to models.TransactionStatus, failureReason string, providerRaw json.RawMessage) (int64, error)
	AppendEvent(ctx context.Context, event *models.TransactionEvent) error
}

// ReferenceLocker scopes mutual exclusion to a single payment reference so
// concurrent webhook deliveries and verify calls for the same transaction
// serialize their read/decide/write sections. The lock is never held across
// provider round-trips.
type ReferenceLocker interface {
	Lock(ctx context.Context, reference string) (release func(), err error)
}

// EventPublisher fans committed lifecycle changes out to the rest of the
// platform. Publish failures never fail the payment operation.
type EventPublisher interface {
	PublishStateChanged(ctx context.Context, event models.StateChanged)
	PublishConfirmed(ctx context.Context, event models.PaymentConfirmed)
}
