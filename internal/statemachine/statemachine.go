package statemachine

import (
	"fmt"

	"github.com/pixelpost/payment-orchestrator/internal/models"
)

// ConflictError reports an attempted transition out of a terminal state.
// Stale or duplicate provider events routinely trigger this; callers log a
// warning and acknowledge without mutating the record.
type ConflictError struct {
	Reference string
	From      models.TransactionStatus
	To        models.TransactionStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state conflict: transaction %s is %s, cannot transition to %s",
		e.Reference, e.From, e.To)
}

// InvalidTransitionError reports a transition that is not part of the
// lifecycle graph (e.g. confirmed directly from canceled input states that
// were never pending).
type InvalidTransitionError struct {
	Reference string
	From      models.TransactionStatus
	To        models.TransactionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for transaction %s: %s -> %s",
		e.Reference, e.From, e.To)
}

// transitions is the lifecycle graph:
//
//	initiated -> pending_confirmation -> {confirmed | failed}
//	initiated -> {confirmed | failed | canceled}
//
// fail is legal from any non-terminal state; nothing leaves a terminal state.
var transitions = map[models.TransactionStatus][]models.TransactionStatus{
	models.StatusInitiated: {
		models.StatusPendingConfirmation,
		models.StatusConfirmed,
		models.StatusFailed,
		models.StatusCanceled,
	},
	models.StatusPendingConfirmation: {
		models.StatusConfirmed,
		models.StatusFailed,
	},
}

// Outcome describes what a requested transition should do.
type Outcome int

const (
	// Apply: the transition is legal and must be persisted.
	Apply Outcome = iota
	// Noop: the transaction is already in the requested state; duplicate
	// deliveries land here and must succeed without a second write.
	Noop
)

// Plan validates a requested transition. It returns Noop for idempotent
// re-application of the current state, a ConflictError for any attempt to
// leave a terminal state, and an InvalidTransitionError for edges not in
// the lifecycle graph.
func Plan(reference string, from, to models.TransactionStatus) (Outcome, error) {
	if from == to {
		return Noop, nil
	}
	if from.Terminal() {
		return 0, &ConflictError{Reference: reference, From: from, To: to}
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return Apply, nil
		}
	}
	return 0, &InvalidTransitionError{Reference: reference, From: from, To: to}
}
