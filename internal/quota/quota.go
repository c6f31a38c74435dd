package quota

import (
	"context"
	"fmt"
	"time"
)

const (
	counterKey = "daily_limit:count"
	window     = 24 * time.Hour

	// DefaultLimit caps upstream model calls per day across the whole process.
	DefaultLimit int64 = 2500
)

// Counter is the durable atomic counter backing the daily ceiling. It must
// survive process restarts; the redis client satisfies it.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
}

// Quota enforces the process-wide daily allowance of upstream model calls.
type Quota struct {
	counter Counter
	limit   int64
}

func New(counter Counter, limit int64) *Quota {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Quota{counter: counter, limit: limit}
}

// Result reports the outcome of one admission check. RetryAfter is only
// meaningful when Allowed is false.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// CheckAndConsume counts one upstream call against the daily window. The
// increment is atomic at the storage layer, so concurrent callers cannot
// lose updates; a fresh window starts at the first call after expiry.
func (q *Quota) CheckAndConsume(ctx context.Context) (Result, error) {
	n, remaining, err := q.counter.IncrWithExpiry(ctx, counterKey, window)
	if err != nil {
		return Result{}, fmt.Errorf("daily limit counter: %w", err)
	}
	if n > q.limit {
		if remaining <= 0 {
			remaining = time.Hour
		}
		return Result{RetryAfter: remaining}, nil
	}
	return Result{Allowed: true}, nil
}

// WaitMessage renders a denial the way end users see it: hours rounded to
// one decimal, never below one.
func WaitMessage(retryAfter time.Duration) string {
	hours := retryAfter.Hours()
	if hours < 1 {
		hours = 1
	}
	hours = float64(int(hours*10+0.5)) / 10
	unit := "hours"
	if hours < 2 {
		unit = "hour"
	}
	return fmt.Sprintf("Daily usage limit reached. Please try again in %g %s 🙏", hours, unit)
}
