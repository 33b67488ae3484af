package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthpay/healthpayd/internal/audit"
	"github.com/healthpay/healthpayd/internal/wallet"
)

type fakeStore struct {
	inserted []*Transaction
	err      error
}

func (s *fakeStore) Insert(ctx context.Context, tx *Transaction) error {
	if s.err != nil {
		return s.err
	}
	s.inserted = append(s.inserted, tx)
	return nil
}

type fakeQueue struct {
	queued []*Transaction
	err    error
}

func (q *fakeQueue) Enqueue(ctx context.Context, tx *Transaction) error {
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, tx)
	return nil
}

func auditResult() audit.Result {
	return audit.Result{
		IsValid:          true,
		OriginalAmount:   decimal.NewFromInt(5000),
		AuditedAmount:    decimal.NewFromInt(4500),
		NegotiableAmount: decimal.NewFromInt(3600),
		Confidence:       65,
	}
}

func TestRecord(t *testing.T) {
	t.Run("should assemble the persisted shape", func(t *testing.T) {
		store := &fakeStore{}
		rec := NewRecorder(store, nil, nil)
		rec.now = func() time.Time { return time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC) }

		tx, err := rec.Record(context.Background(), auditResult(), "u1",
			decimal.NewFromInt(3600), &wallet.TxHandle{Hash: "0xabc"}, StatusConfirmed, "bill.jpg")

		require.NoError(t, err)
		require.Len(t, store.inserted, 1)
		assert.Equal(t, "u1", tx.UserID)
		assert.Equal(t, "5000", tx.Amount.String())
		assert.Equal(t, "3600", tx.HealthcoinAmount.String())
		assert.Equal(t, StatusConfirmed, tx.Status)
		require.NotNil(t, tx.TxHash)
		assert.Equal(t, "0xabc", *tx.TxHash)
		require.NotNil(t, tx.AuditedAmount)
		assert.Equal(t, "4500", tx.AuditedAmount.String())
		require.NotNil(t, tx.NegotiableAmount)
		assert.Equal(t, "3600", tx.NegotiableAmount.String())
		require.NotNil(t, tx.BillRef)
		assert.Equal(t, "bill.jpg", *tx.BillRef)
		assert.Equal(t, rec.now(), tx.CreatedAt)
		assert.Equal(t, tx.CreatedAt, tx.UpdatedAt)
	})

	t.Run("should record pending bills without a hash", func(t *testing.T) {
		store := &fakeStore{}
		rec := NewRecorder(store, nil, nil)

		tx, err := rec.Record(context.Background(), auditResult(), "u1",
			decimal.NewFromInt(4500), nil, StatusPending, "")

		require.NoError(t, err)
		assert.Nil(t, tx.TxHash)
		assert.Nil(t, tx.BillRef)
		assert.Equal(t, StatusPending, tx.Status)
	})

	t.Run("should defer to the retry queue when the store fails", func(t *testing.T) {
		store := &fakeStore{err: errors.New("store down")}
		queue := &fakeQueue{}
		rec := NewRecorder(store, queue, nil)

		tx, err := rec.Record(context.Background(), auditResult(), "u1",
			decimal.NewFromInt(3600), &wallet.TxHandle{Hash: "0xabc"}, StatusConfirmed, "")

		assert.ErrorIs(t, err, ErrDeferred)
		require.NotNil(t, tx)
		require.Len(t, queue.queued, 1)
		assert.Equal(t, tx.ID, queue.queued[0].ID)
	})

	t.Run("should report a lost record when no queue exists", func(t *testing.T) {
		rec := NewRecorder(&fakeStore{err: errors.New("store down")}, nil, nil)

		_, err := rec.Record(context.Background(), auditResult(), "u1",
			decimal.NewFromInt(3600), &wallet.TxHandle{Hash: "0xabc"}, StatusConfirmed, "")

		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDeferred)
	})

	t.Run("should report a lost record when the queue also fails", func(t *testing.T) {
		rec := NewRecorder(
			&fakeStore{err: errors.New("store down")},
			&fakeQueue{err: errors.New("queue down")},
			nil,
		)

		_, err := rec.Record(context.Background(), auditResult(), "u1",
			decimal.NewFromInt(3600), &wallet.TxHandle{Hash: "0xabc"}, StatusConfirmed, "")

		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDeferred)
	})
}
