package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// The boards row is the hottest lock in the system: every mutation tool call
// funnels through its version counter, and attempts from different processes
// may contend on the same board. Conflicts there are short-lived, so the
// counter path absorbs a few retries instead of surfacing them.
const (
	conflictRetries   = 3
	conflictRetryBase = 10 * time.Millisecond
)

// retriable reports whether err is a transient conflict worth retrying:
// serialization failures, deadlocks, and lock timeouts.
func retriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// withRetry runs fn, retrying transient conflicts with jittered exponential
// backoff. Retried attempts are logged so sustained contention on a board
// shows up in the logs rather than only as latency.
func (db *DB) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := conflictRetryBase
	var err error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		err = fn()
		if err == nil || !retriable(err) {
			return err
		}
		if attempt == conflictRetries {
			break
		}
		db.logger.Debug("retrying after transient conflict",
			"op", op,
			"attempt", attempt+1,
			"error", err,
		)
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}
