// Package limits enforces transfer ceilings before funds move.
package limits

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/healthpay/healthpayd/pkg/messaging"
)

// MaxTransferAmount caps both a single transfer and the rolling
// calendar-month total, in currency units.
const MaxTransferAmount = 1_000_000

// History looks up a user's confirmed spend. Implemented by the settlement
// store.
type History interface {
	MonthlyConfirmedTotal(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
}

// Decision is the outcome of a limit check.
type Decision struct {
	Authorized bool
	Reason     string
}

// Enforcer checks candidate payments against the transfer caps. The monthly
// total is recomputed from history on every check, never cached, so later
// corrections to past records are always reflected.
type Enforcer struct {
	history History
	cap     decimal.Decimal
	events  *messaging.Client
	now     func() time.Time
}

// NewEnforcer creates an enforcer backed by the given history. events may be
// nil.
func NewEnforcer(history History, events *messaging.Client) *Enforcer {
	return &Enforcer{
		history: history,
		cap:     decimal.NewFromInt(MaxTransferAmount),
		events:  events,
		now:     time.Now,
	}
}

// CheckAndAuthorize decides whether amount may be transferred for userID.
//
// The per-transaction ceiling is checked first, without touching history.
// The monthly ceiling sums confirmed transfers since the first instant of
// the current calendar month (local time). A failed history lookup counts as
// zero prior spend: availability wins over strictness, and the
// per-transaction ceiling still applies.
func (e *Enforcer) CheckAndAuthorize(ctx context.Context, userID string, amount decimal.Decimal) Decision {
	if amount.GreaterThan(e.cap) {
		return e.reject(ctx, userID, amount,
			"amount exceeds the per-transaction limit of "+e.cap.String()+" HealthCoin")
	}

	now := e.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	total, err := e.history.MonthlyConfirmedTotal(ctx, userID, monthStart)
	if err != nil {
		slog.Warn("monthly limit lookup failed, assuming zero prior spend",
			"user_id", userID, "error", err)
		total = decimal.Zero
	}

	if total.Add(amount).GreaterThan(e.cap) {
		remaining := e.cap.Sub(total)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		return e.reject(ctx, userID, amount,
			"monthly limit exceeded: you can transfer up to $"+remaining.StringFixed(2)+" more this month")
	}

	return Decision{Authorized: true}
}

func (e *Enforcer) reject(ctx context.Context, userID string, amount decimal.Decimal, reason string) Decision {
	if err := e.events.Publish(ctx, messaging.EventTypeLimitRejected, messaging.LimitRejectedEvent{
		UserID: userID,
		Amount: amount.String(),
		Reason: reason,
	}); err != nil {
		slog.Debug("limit event publish failed", "error", err)
	}
	return Decision{Authorized: false, Reason: reason}
}
