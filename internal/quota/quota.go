// Package quota implements the quota-check gate: a per (tenant, window)
// counter reset on a rolling hour/day/month boundary, incremented only
// after a successful forward and unwound on cancellation so a failed
// request never counts against a tenant's budget.
//
// The acquire/best-effort-release shape is the same one a channel-based
// concurrency semaphore uses, generalized from "in-flight count" to "count
// within a rolling window"; the in-process backend's sweeper goroutine
// bounds memory growth across rolling buckets the same way the mapping
// store's sweeper does.
package quota

import (
	"context"
	"time"
)

// Window is a quota accounting period.
type Window string

const (
	WindowHour  Window = "hour"
	WindowDay   Window = "day"
	WindowMonth Window = "month"
)

// bucketStart truncates now to the start of the rolling window it falls
// in, UTC, so every replica derives the same bucket boundary.
func bucketStart(now time.Time, w Window) time.Time {
	now = now.UTC()
	switch w {
	case WindowHour:
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
	case WindowDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return now
	}
}

// bucketTTL is how long a bucket's counter remains valid past its start —
// exactly the window's own length, so a bucket never needs to be consulted
// after its period ends.
func bucketTTL(w Window) time.Duration {
	switch w {
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	case WindowMonth:
		return 31 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Counter is the quota backend interface; an in-process and a Redis-backed
// implementation share it, mirroring internal/mapping.Store's split.
type Counter interface {
	// Increment records one successful forward against (tenant, window)'s
	// current bucket and returns the bucket's new count.
	Increment(ctx context.Context, tenant string, w Window) (int64, error)
	// Check reports whether tenant is within limit for window without
	// mutating the counter, plus the current count.
	Check(ctx context.Context, tenant string, w Window, limit int64) (allowed bool, current int64, err error)
	// Unwind reverses a previously recorded Increment — used when a
	// cancelled or failed request had already been counted speculatively.
	Unwind(ctx context.Context, tenant string, w Window) error
	Close() error
}
