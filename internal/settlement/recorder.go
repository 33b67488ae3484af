package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/healthpay/healthpayd/internal/audit"
	"github.com/healthpay/healthpayd/internal/wallet"
	"github.com/healthpay/healthpayd/pkg/messaging"
)

// ErrDeferred reports that the durable write failed and the record was
// queued for retry. The on-chain payment already happened; callers surface
// this as a warning, never as a failure.
var ErrDeferred = errors.New("settlement: record deferred for retry")

// TransactionStore is the durable side of the recorder.
type TransactionStore interface {
	Insert(ctx context.Context, tx *Transaction) error
}

// Enqueuer buffers records whose first write failed.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *Transaction) error
}

// Recorder assembles and persists transaction records. Pure assembly: all
// business rules run before the recorder is reached.
type Recorder struct {
	store  TransactionStore
	queue  Enqueuer
	events *messaging.Client
	now    func() time.Time
}

// NewRecorder creates a recorder. queue and events may be nil.
func NewRecorder(store TransactionStore, queue Enqueuer, events *messaging.Client) *Recorder {
	return &Recorder{store: store, queue: queue, events: events, now: time.Now}
}

// Record maps an audit result and the chosen amount into the persisted
// shape. handle may be nil for bills submitted without an on-chain payment.
//
// A store failure does not undo anything: the chain is the source of truth.
// The record is queued for an idempotent retry and ErrDeferred is returned
// alongside the assembled transaction.
func (r *Recorder) Record(ctx context.Context, res audit.Result, userID string, selected decimal.Decimal, handle *wallet.TxHandle, status Status, billRef string) (*Transaction, error) {
	now := r.now()
	audited := res.AuditedAmount
	negotiable := res.NegotiableAmount

	tx := &Transaction{
		ID:               uuid.New(),
		UserID:           userID,
		Amount:           res.OriginalAmount,
		HealthcoinAmount: selected,
		Status:           status,
		AuditedAmount:    &audited,
		NegotiableAmount: &negotiable,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if handle != nil {
		hash := handle.Hash
		tx.TxHash = &hash
	}
	if billRef != "" {
		ref := billRef
		tx.BillRef = &ref
	}

	if err := r.store.Insert(ctx, tx); err != nil {
		slog.Warn("could not save transaction", "tx_id", tx.ID, "error", err)
		return tx, r.deferRecord(ctx, tx, err)
	}

	r.publishRecorded(ctx, tx)
	return tx, nil
}

func (r *Recorder) deferRecord(ctx context.Context, tx *Transaction, cause error) error {
	if r.queue == nil {
		return fmt.Errorf("settlement: record lost (no retry queue): %w", cause)
	}
	if err := r.queue.Enqueue(ctx, tx); err != nil {
		return fmt.Errorf("settlement: record lost (enqueue failed: %v): %w", err, cause)
	}

	if err := r.events.Publish(ctx, messaging.EventTypeSettlementRequeued, messaging.SettlementRequeuedEvent{
		TransactionID: tx.ID,
		TxHash:        hashOf(tx),
	}); err != nil {
		slog.Debug("requeue event publish failed", "error", err)
	}
	return ErrDeferred
}

func (r *Recorder) publishRecorded(ctx context.Context, tx *Transaction) {
	if err := r.events.Publish(ctx, messaging.EventTypeSettlementRecorded, messaging.SettlementRecordedEvent{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Amount:        tx.HealthcoinAmount.String(),
		Status:        string(tx.Status),
		TxHash:        hashOf(tx),
	}); err != nil {
		slog.Debug("settlement event publish failed", "error", err)
	}
}

func hashOf(tx *Transaction) string {
	if tx.TxHash == nil {
		return ""
	}
	return *tx.TxHash
}
