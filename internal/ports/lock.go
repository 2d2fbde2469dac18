package ports

import (
	"context"
	"time"
)

// LockPort serializes repository mutations across processes.
type LockPort interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	Release(ctx context.Context) error
	Healthy() bool
	// CheckHealth never blocks; it fails when the lease can no longer
	// guarantee mutual exclusion.
	CheckHealth() error
}
