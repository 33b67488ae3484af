package messaging

import (
	"github.com/google/uuid"
)

// Event subjects.
const (
	EventTypeAuditCompleted     = "audits.completed"
	EventTypeLimitRejected      = "limits.rejected"
	EventTypeSettlementRecorded = "settlements.recorded"
	EventTypeSettlementRequeued = "settlements.requeued"
)

// AuditCompletedEvent is published after every audit, including fallback ones.
type AuditCompletedEvent struct {
	HospitalName     string `json:"hospital_name"`
	BillAmount       string `json:"bill_amount"`
	AuditedAmount    string `json:"audited_amount"`
	NegotiableAmount string `json:"negotiable_amount"`
	Confidence       int    `json:"confidence"`
	Fallback         bool   `json:"fallback"`
}

// LimitRejectedEvent is published when a payment fails a transfer-limit check.
type LimitRejectedEvent struct {
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

// SettlementRecordedEvent is published when a transaction record is persisted.
type SettlementRecordedEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Amount        string    `json:"amount"`
	Status        string    `json:"status"`
	TxHash        string    `json:"tx_hash,omitempty"`
}

// SettlementRequeuedEvent is published when a record write fails after an
// on-chain submission and is queued for retry.
type SettlementRequeuedEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	TxHash        string    `json:"tx_hash,omitempty"`
}
