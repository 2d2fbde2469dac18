package core

import (
	"context"
	"sync"
	"time"

	"repo-publisher/internal/ports"
)

// NopLock stands in for the storage lock when publishing into a
// per-run testing namespace, which no other process writes to.
type NopLock struct {
	mu   sync.Mutex
	held bool
}

func NewNopLock() *NopLock {
	return &NopLock{}
}

func (l *NopLock) Acquire(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = true
	return nil
}

func (l *NopLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ErrNotLocked
	}
	l.held = false
	return nil
}

func (l *NopLock) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *NopLock) CheckHealth() error {
	if !l.Healthy() {
		return ErrNotLocked
	}
	return nil
}

var _ ports.LockPort = (*NopLock)(nil)
