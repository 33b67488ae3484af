package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// retryKey is the redis list holding records awaiting a durable write.
const retryKey = "settlements:retry"

// RetryQueue buffers transaction records in redis until the store accepts
// them. Together with the store's conflict-ignoring insert this gives
// at-least-once, idempotent recording keyed by tx hash.
type RetryQueue struct {
	rdb *redis.Client
}

// NewRetryQueue creates a queue over an existing redis client.
func NewRetryQueue(rdb *redis.Client) *RetryQueue {
	return &RetryQueue{rdb: rdb}
}

// Enqueue pushes a record onto the retry list.
func (q *RetryQueue) Enqueue(ctx context.Context, tx *Transaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	if err := q.rdb.LPush(ctx, retryKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue transaction: %w", err)
	}
	return nil
}

// Len returns the number of queued records.
func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, retryKey).Result()
}

// RetryWorker drains the retry queue into the store.
type RetryWorker struct {
	queue   *RetryQueue
	store   TransactionStore
	backoff time.Duration
}

// NewRetryWorker creates a worker. backoff is the pause after a failed
// write attempt.
func NewRetryWorker(queue *RetryQueue, store TransactionStore, backoff time.Duration) *RetryWorker {
	if backoff == 0 {
		backoff = 5 * time.Second
	}
	return &RetryWorker{queue: queue, store: store, backoff: backoff}
}

// Run blocks on the queue until ctx is cancelled. Records that still fail
// to write go back to the end of the queue after the backoff pause.
func (w *RetryWorker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		vals, err := w.queue.rdb.BRPop(ctx, 5*time.Second, retryKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("retry queue pop failed", "error", err)
			w.pause(ctx)
			continue
		}
		if len(vals) != 2 {
			continue
		}

		var tx Transaction
		if err := json.Unmarshal([]byte(vals[1]), &tx); err != nil {
			slog.Error("dropping undecodable retry record", "error", err)
			continue
		}

		if err := w.store.Insert(ctx, &tx); err != nil {
			slog.Warn("retried write failed, requeueing", "tx_id", tx.ID, "error", err)
			if err := w.queue.Enqueue(ctx, &tx); err != nil {
				slog.Error("could not requeue transaction", "tx_id", tx.ID, "error", err)
			}
			w.pause(ctx)
			continue
		}

		slog.Info("recovered transaction record", "tx_id", tx.ID)
	}
}

func (w *RetryWorker) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.backoff):
	}
}
