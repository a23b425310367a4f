package database

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	readRetries        = 3
	readRetryBaseDelay = 50 * time.Millisecond
)

// IsTransient reports whether err is a connection-level failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	// a bare deadline is the caller's; context.DeadlineExceeded is also a net.Error
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, 57P01: admin shutdown
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" || pgErr.Code == "57P01"
	}
	return false
}

// ReadWithRetry runs an idempotent read, retrying transient failures with
// exponential backoff. Writes must not go through here.
func ReadWithRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	delay := readRetryBaseDelay
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil || attempt >= readRetries || !IsTransient(err) {
			return v, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
