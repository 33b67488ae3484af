package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type historyFunc func(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)

func (f historyFunc) MonthlyConfirmedTotal(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	return f(ctx, userID, since)
}

func fixedTotal(total int64) historyFunc {
	return func(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
		return decimal.NewFromInt(total), nil
	}
}

func TestPerTransactionCeiling(t *testing.T) {
	t.Run("should reject above the cap without a history lookup", func(t *testing.T) {
		looked := false
		enf := NewEnforcer(historyFunc(func(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
			looked = true
			return decimal.Zero, nil
		}), nil)

		d := enf.CheckAndAuthorize(context.Background(), "u1", decimal.NewFromInt(1_000_001))

		assert.False(t, d.Authorized)
		assert.Contains(t, d.Reason, "per-transaction limit")
		assert.False(t, looked)
	})

	t.Run("should allow exactly the cap", func(t *testing.T) {
		enf := NewEnforcer(fixedTotal(0), nil)
		d := enf.CheckAndAuthorize(context.Background(), "u1", decimal.NewFromInt(1_000_000))
		assert.True(t, d.Authorized)
	})
}

func TestMonthlyCeiling(t *testing.T) {
	t.Run("should reject when the month total would breach the cap", func(t *testing.T) {
		enf := NewEnforcer(fixedTotal(990_000), nil)

		d := enf.CheckAndAuthorize(context.Background(), "u1", decimal.NewFromInt(20_000))

		assert.False(t, d.Authorized)
		assert.Contains(t, d.Reason, "monthly limit exceeded")
		assert.Contains(t, d.Reason, "$10000.00")
	})

	t.Run("should authorize within the remaining allowance", func(t *testing.T) {
		enf := NewEnforcer(fixedTotal(990_000), nil)
		d := enf.CheckAndAuthorize(context.Background(), "u1", decimal.NewFromInt(5_000))
		assert.True(t, d.Authorized)
	})

	t.Run("should clamp the quoted allowance at zero", func(t *testing.T) {
		enf := NewEnforcer(fixedTotal(1_200_000), nil)
		d := enf.CheckAndAuthorize(context.Background(), "u1", decimal.NewFromInt(1))
		assert.False(t, d.Authorized)
		assert.Contains(t, d.Reason, "$0.00")
	})

	t.Run("should query from the first instant of the current month", func(t *testing.T) {
		var gotSince time.Time
		enf := NewEnforcer(historyFunc(func(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
			gotSince = since
			return decimal.Zero, nil
		}), nil)
		enf.now = func() time.Time {
			return time.Date(2024, time.March, 17, 15, 4, 5, 0, time.Local)
		}

		enf.CheckAndAuthorize(context.Background(), "u1", decimal.NewFromInt(10))

		assert.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.Local), gotSince)
	})
}

func TestHistoryLookupFailure(t *testing.T) {
	failing := historyFunc(func(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("store unavailable")
	})

	t.Run("should not block the user when history is unavailable", func(t *testing.T) {
		enf := NewEnforcer(failing, nil)
		d := enf.CheckAndAuthorize(context.Background(), "u1", decimal.NewFromInt(900_000))
		assert.True(t, d.Authorized)
	})

	t.Run("should still apply the per-transaction ceiling", func(t *testing.T) {
		enf := NewEnforcer(failing, nil)
		d := enf.CheckAndAuthorize(context.Background(), "u1", decimal.NewFromInt(1_000_001))
		assert.False(t, d.Authorized)
	})
}
