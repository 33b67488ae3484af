package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists transactions in postgres.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the transactions table if it does not exist. The
// unique tx_hash makes the retry queue's at-least-once writes idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id                UUID PRIMARY KEY,
			user_id           TEXT NOT NULL,
			amount            NUMERIC NOT NULL,
			healthcoin_amount NUMERIC NOT NULL,
			status            TEXT NOT NULL,
			tx_hash           TEXT UNIQUE,
			bill_ref          TEXT,
			audited_amount    NUMERIC,
			negotiable_amount NUMERIC,
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_user_status_created
			ON transactions (user_id, status, created_at)`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Insert writes a transaction record. A conflicting id or tx_hash means the
// record is already there, which is success for an at-least-once writer.
func (s *Store) Insert(ctx context.Context, tx *Transaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, amount, healthcoin_amount, status,
			tx_hash, bill_ref, audited_amount, negotiable_amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT DO NOTHING`,
		tx.ID, tx.UserID, tx.Amount, tx.HealthcoinAmount, tx.Status,
		tx.TxHash, tx.BillRef, tx.AuditedAmount, tx.NegotiableAmount,
		tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// MonthlyConfirmedTotal sums confirmed healthcoin amounts for a user since
// the given instant. Implements limits.History.
func (s *Store) MonthlyConfirmedTotal(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(healthcoin_amount), 0)
		 FROM transactions
		 WHERE user_id = $1 AND status = $2 AND created_at >= $3`,
		userID, StatusConfirmed, since,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum monthly transfers: %w", err)
	}
	return total, nil
}

// ListByUser returns a user's transactions, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, healthcoin_amount, status, tx_hash, bill_ref,
			audited_amount, negotiable_amount, created_at, updated_at
		 FROM transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.HealthcoinAmount,
			&tx.Status, &tx.TxHash, &tx.BillRef, &tx.AuditedAmount,
			&tx.NegotiableAmount, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
