// Package settlement records the durable outcome of bill payments.
package settlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a transaction record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Transaction is the persisted settlement record. Amount is the original
// bill; HealthcoinAmount is what actually moved (or will move) on chain.
type Transaction struct {
	ID               uuid.UUID        `json:"id"`
	UserID           string           `json:"user_id"`
	Amount           decimal.Decimal  `json:"amount"`
	HealthcoinAmount decimal.Decimal  `json:"healthcoin_amount"`
	Status           Status           `json:"status"`
	TxHash           *string          `json:"tx_hash,omitempty"`
	BillRef          *string          `json:"bill_ref,omitempty"`
	AuditedAmount    *decimal.Decimal `json:"audited_amount,omitempty"`
	NegotiableAmount *decimal.Decimal `json:"negotiable_amount,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
