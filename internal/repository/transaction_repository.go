package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/pixelpost/payment-orchestrator/internal/models"
)

// ErrNotFound is returned when no transaction exists for a reference.
var ErrNotFound = sql.ErrNoRows

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			reference VARCHAR(255) PRIMARY KEY,
			provider VARCHAR(50) NOT NULL,
			currency VARCHAR(10) NOT NULL,
			amount_minor BIGINT NOT NULL,
			status VARCHAR(50) NOT NULL,
			remote_reference VARCHAR(255),
			checkout_url TEXT,
			failure_reason TEXT,
			provider_raw JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			confirmed_at TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status)`,
		`CREATE TABLE IF NOT EXISTS transaction_events (
			id VARCHAR(64) PRIMARY KEY,
			reference VARCHAR(255) NOT NULL REFERENCES transactions(reference),
			from_status VARCHAR(50) NOT NULL,
			to_status VARCHAR(50) NOT NULL,
			source VARCHAR(50) NOT NULL,
			detail JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transaction_events_reference ON transaction_events(reference)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (r *TransactionRepository) Insert(ctx context.Context, txn *models.Transaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions
			(reference, provider, currency, amount_minor, status,
			 remote_reference, checkout_url, provider_raw, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, txn.Reference, txn.Provider, txn.Currency, txn.AmountMinor, txn.Status,
		txn.RemoteReference, txn.CheckoutURL, nullableJSON(txn.ProviderRaw))
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", txn.Reference, err)
	}
	return nil
}

func (r *TransactionRepository) GetByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	var txn models.Transaction
	var remoteRef, checkoutURL, failureReason sql.NullString
	var providerRaw []byte
	var confirmedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT reference, provider, currency, amount_minor, status,
		       remote_reference, checkout_url, failure_reason, provider_raw,
		       created_at, confirmed_at, updated_at
		FROM transactions WHERE reference = $1
	`, reference).Scan(
		&txn.Reference, &txn.Provider, &txn.Currency, &txn.AmountMinor, &txn.Status,
		&remoteRef, &checkoutURL, &failureReason, &providerRaw,
		&txn.CreatedAt, &confirmedAt, &txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.RemoteReference = remoteRef.String
	txn.CheckoutURL = checkoutURL.String
	txn.FailureReason = failureReason.String
	txn.ProviderRaw = providerRaw
	if confirmedAt.Valid {
		txn.ConfirmedAt = &confirmedAt.Time
	}
	return &txn, nil
}

// GetByRemoteReference resolves a transaction from the provider-side id,
// e.g. a PayPal order id sent back by the client for capture.
func (r *TransactionRepository) GetByRemoteReference(ctx context.Context, remoteRef string) (*models.Transaction, error) {
	var ref string
	err := r.db.QueryRowContext(ctx,
		`SELECT reference FROM transactions WHERE remote_reference = $1`, remoteRef,
	).Scan(&ref)
	if err != nil {
		return nil, err
	}
	return r.GetByReference(ctx, ref)
}

// TransitionStatus applies a conditioned update so that concurrent writers
// cannot both move the same transaction: the row changes only while its
// status is still one of the expected source states.
func (r *TransactionRepository) TransitionStatus(ctx context.Context, reference string, from []models.TransactionStatus, to models.TransactionStatus, failureReason string, providerRaw json.RawMessage) (int64, error) {
	fromStates := make([]string, len(from))
	for i, s := range from {
		fromStates[i] = string(s)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1,
		    failure_reason = COALESCE(NULLIF($2, ''), failure_reason),
		    provider_raw = COALESCE($3, provider_raw),
		    confirmed_at = CASE WHEN $1 = 'confirmed' THEN NOW() ELSE confirmed_at END,
		    updated_at = NOW()
		WHERE reference = $4 AND status = ANY($5)
	`, to, failureReason, nullableJSON(providerRaw), reference, pq.Array(fromStates))
	if err != nil {
		return 0, fmt.Errorf("transition transaction %s to %s: %w", reference, to, err)
	}
	return result.RowsAffected()
}

func (r *TransactionRepository) AppendEvent(ctx context.Context, event *models.TransactionEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transaction_events (id, reference, from_status, to_status, source, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, event.ID, event.Reference, event.FromStatus, event.ToStatus, event.Source, nullableJSON(event.Detail))
	if err != nil {
		return fmt.Errorf("append event for %s: %w", event.Reference, err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
