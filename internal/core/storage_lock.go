package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	assert "github.com/ZanzyTHEbar/assert-lib"
	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"repo-publisher/internal/obs"
	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
)

const (
	// MaxRenewFailures is the number of consecutive failed renewals after
	// which a lease is declared unhealthy.
	MaxRenewFailures = 3

	// DefaultStaleAfter is the age after which an unrenewed lock object
	// may be taken over.
	DefaultStaleAfter = 5 * time.Minute

	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultMaxJitter      = time.Second
	cleanupTimeout        = 30 * time.Second
	maxImmediateRetries   = 3
)

var (
	// ErrLockTimeout reports that the lock stayed held by another process
	// until the acquisition deadline.
	ErrLockTimeout = errors.New("timed out acquiring lock")
	// ErrNotLocked is returned by Release and CheckHealth when this
	// process does not hold the lock.
	ErrNotLocked = errors.New("lock is not held")
	// ErrLockUnhealthy means renewals failed often enough that mutual
	// exclusion is no longer guaranteed.
	ErrLockUnhealthy = errors.New("lock is not healthy")
)

// StorageLockConfig configures a StorageLock. Zero durations take their
// defaults.
type StorageLockConfig struct {
	// URL names the lock object, e.g. gs://bucket/locks/apt.
	URL string
	// StaleAfter is the age after which an unrenewed lock object is
	// presumed abandoned. It should be on the order of minutes.
	StaleAfter time.Duration
	// RenewInterval must be smaller than StaleAfter / MaxRenewFailures.
	// Defaults to StaleAfter / 8.
	RenewInterval  time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxJitter      time.Duration
	Clock          func() time.Time
	Metrics        *obs.Metrics
}

// StorageLock is a mutual-exclusion lease backed by a single object. The
// object exists if and only if the lock is held; exclusivity relies on
// the store's conditional writes. While held, a background goroutine
// refreshes the object so that other processes do not consider it stale.
type StorageLock struct {
	store  ports.ObjectStorePort
	cfg    StorageLockConfig
	holder string

	mu          sync.Mutex
	held        bool
	generation  int64
	failures    int
	unhealthy   bool
	acquiredAt  time.Time
	stopRenewal context.CancelFunc
	renewalDone chan struct{}
}

func NewStorageLock(store ports.ObjectStorePort, cfg StorageLockConfig) (*StorageLock, error) {
	if store == nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("lock object store is required")
	}
	if cfg.URL == "" {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("lock url is required")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.StaleAfter / 8
	}
	if cfg.RenewInterval >= cfg.StaleAfter/MaxRenewFailures {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("renew interval %s must be smaller than stale time / %d", cfg.RenewInterval, MaxRenewFailures))
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	} else if cfg.MaxJitter == 0 {
		cfg.MaxJitter = defaultMaxJitter
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &StorageLock{
		store:  store,
		cfg:    cfg,
		holder: uuid.NewString(),
	}, nil
}

func (l *StorageLock) URL() string {
	return l.cfg.URL
}

func (l *StorageLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Acquire blocks until the lock object is created by this process, a
// stale object has been taken over, or timeout elapses. A zero timeout
// waits up to the stale time.
func (l *StorageLock) Acquire(ctx context.Context, timeout time.Duration) error {
	assert.NotEmpty(ctx, l.holder, "lease holder id must be set")
	if l.Held() {
		return errbuilder.New().
			WithCode(errbuilder.CodeAlreadyExists).
			WithMsg("lock is already held by this process")
	}
	if timeout <= 0 {
		timeout = l.cfg.StaleAfter
	}
	started := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := l.cfg.InitialBackoff
	immediate := 0
	for {
		now := l.cfg.Clock()
		attrs, err := l.store.Put(attemptCtx, l.cfg.URL, l.leaseContent(now, now), types.WriteOptions{
			Precondition: types.Precondition{DoesNotExist: true},
			CacheControl: "no-store",
			ContentType:  "application/json",
		})
		if err == nil {
			l.start(ctx, attrs.Generation, now)
			l.cfg.Metrics.ObserveAcquire("acquired", time.Since(started))
			log.Info().
				Str("url", l.cfg.URL).
				Int64("generation", attrs.Generation).
				Msg("lock acquired")
			return nil
		}
		if attemptCtx.Err() != nil {
			l.cleanupInterruptedCreate(ctx)
			return l.acquireInterrupted(ctx, started, err)
		}
		if !errors.Is(err, ports.ErrPreconditionFailed) {
			// The create may have landed before the error was reported.
			l.cleanupInterruptedCreate(ctx)
			l.cfg.Metrics.ObserveAcquire("error", time.Since(started))
			return fmt.Errorf("acquire lock %s: %w", l.cfg.URL, err)
		}

		if immediate < maxImmediateRetries && l.reclaimIfStale(attemptCtx) {
			immediate++
			continue
		}
		immediate = 0

		sleep := backoff
		if l.cfg.MaxJitter > 0 {
			sleep += rand.N(l.cfg.MaxJitter)
		}
		if deadline, ok := attemptCtx.Deadline(); ok {
			if remaining := time.Until(deadline); sleep > remaining {
				sleep = remaining
			}
		}
		log.Info().
			Str("url", l.cfg.URL).
			Dur("sleep", sleep).
			Msg("unable to acquire lock, will try again")
		if !sleepContext(attemptCtx, sleep) {
			return l.acquireInterrupted(ctx, started, attemptCtx.Err())
		}
		backoff *= 2
		if backoff > l.cfg.MaxBackoff {
			backoff = l.cfg.MaxBackoff
		}
	}
}

func (l *StorageLock) acquireInterrupted(parent context.Context, started time.Time, cause error) error {
	if err := parent.Err(); err != nil {
		l.cfg.Metrics.ObserveAcquire("error", time.Since(started))
		return err
	}
	l.cfg.Metrics.ObserveAcquire("timeout", time.Since(started))
	return fmt.Errorf("%w: %s after %s: %v", ErrLockTimeout, l.cfg.URL, time.Since(started).Round(time.Millisecond), cause)
}

// cleanupInterruptedCreate removes the lock object when an interrupted
// create may still have reached the store on our behalf.
func (l *StorageLock) cleanupInterruptedCreate(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cleanupTimeout)
	defer cancel()
	generation, ok := l.ownedGeneration(ctx)
	if !ok {
		return
	}
	if err := l.store.Delete(ctx, l.cfg.URL, types.Precondition{GenerationMatch: generation}); err != nil {
		log.Warn().Err(err).Str("url", l.cfg.URL).Msg("unable to remove lock object left by interrupted acquisition")
	}
}

// ownedGeneration returns the generation of the lock object when its
// lease record names this process as holder. The generation is read
// before the content, so a later rewrite by another holder makes any
// write keyed on it fail.
func (l *StorageLock) ownedGeneration(ctx context.Context) (int64, bool) {
	attrs, err := l.store.Stat(ctx, l.cfg.URL)
	if err != nil {
		return 0, false
	}
	data, err := l.store.Get(ctx, l.cfg.URL)
	if err != nil {
		return 0, false
	}
	var record types.LeaseRecord
	if json.Unmarshal(data, &record) != nil || record.Holder != l.holder {
		return 0, false
	}
	return attrs.Generation, true
}

// reclaimIfStale deletes the lock object when it is older than the stale
// time. It reports whether creation should be retried right away.
func (l *StorageLock) reclaimIfStale(ctx context.Context) bool {
	attrs, err := l.store.Stat(ctx, l.cfg.URL)
	if errors.Is(err, ports.ErrObjectNotFound) {
		return true
	}
	if err != nil {
		log.Warn().Err(err).Str("url", l.cfg.URL).Msg("unable to inspect lock object")
		return false
	}
	age := l.cfg.Clock().Sub(attrs.UpdateTime)
	if age <= l.cfg.StaleAfter {
		return false
	}
	log.Warn().
		Str("url", l.cfg.URL).
		Int64("generation", attrs.Generation).
		Dur("age", age).
		Msg("lock is stale, resetting lock")
	err = l.store.Delete(ctx, l.cfg.URL, types.Precondition{GenerationMatch: attrs.Generation})
	switch {
	case err == nil:
		l.cfg.Metrics.ObserveStaleTakeover()
		return true
	case errors.Is(err, ports.ErrObjectNotFound), errors.Is(err, ports.ErrPreconditionFailed):
		return true
	default:
		log.Warn().Err(err).Str("url", l.cfg.URL).Msg("unable to delete stale lock object")
		return false
	}
}

func (l *StorageLock) start(ctx context.Context, generation int64, now time.Time) {
	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	l.mu.Lock()
	l.held = true
	l.generation = generation
	l.failures = 0
	l.unhealthy = false
	l.acquiredAt = now
	l.stopRenewal = cancel
	l.renewalDone = done
	l.mu.Unlock()

	go l.renewLoop(renewCtx, done)
}

func (l *StorageLock) renewLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(l.cfg.RenewInterval)
	defer timer.Stop()

	for {
		log.Debug().Dur("interval", l.cfg.RenewInterval).Msg("next lock renewal scheduled")
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := l.renew(ctx)
		if ctx.Err() != nil {
			return
		}
		l.cfg.Metrics.ObserveRenew(err == nil)

		l.mu.Lock()
		if err == nil {
			l.failures = 0
		} else {
			l.failures++
			log.Error().
				Err(err).
				Str("url", l.cfg.URL).
				Int("failures", l.failures).
				Msg("error renewing lock")
		}
		if l.failures >= MaxRenewFailures {
			l.unhealthy = true
			failures := l.failures
			l.mu.Unlock()
			log.Error().
				Str("url", l.cfg.URL).
				Int("failures", failures).
				Msg("lock renewal failed repeatedly, declaring lock unhealthy")
			return
		}
		l.mu.Unlock()
		timer.Reset(l.cfg.RenewInterval)
	}
}

func (l *StorageLock) renew(ctx context.Context) error {
	l.mu.Lock()
	generation := l.generation
	acquiredAt := l.acquiredAt
	l.mu.Unlock()

	renewCtx, cancel := context.WithTimeout(ctx, l.cfg.RenewInterval)
	defer cancel()
	log.Debug().Str("url", l.cfg.URL).Int64("generation", generation).Msg("renewing lock")
	attrs, err := l.store.Put(renewCtx, l.cfg.URL, l.leaseContent(acquiredAt, l.cfg.Clock()), types.WriteOptions{
		Precondition: types.Precondition{GenerationMatch: generation},
		CacheControl: "no-store",
		ContentType:  "application/json",
	})
	if err != nil {
		// A write reported as failed may still have landed and moved the
		// generation. The lease record tells whether it was ours.
		if current, ok := l.ownedGeneration(renewCtx); ok && current != generation {
			log.Warn().
				Err(err).
				Str("url", l.cfg.URL).
				Int64("generation", current).
				Msg("lock renewal reported an error but the lease was rewritten by this process")
			attrs.Generation = current
		} else if errors.Is(err, ports.ErrPreconditionFailed) {
			return fmt.Errorf("lock object has an unexpected generation: %w", err)
		} else {
			return err
		}
	}

	l.mu.Lock()
	l.generation = attrs.Generation
	l.mu.Unlock()
	return nil
}

// Release stops the renewal goroutine, waits for it to exit and then
// deletes the lock object, keyed on the last generation this process
// wrote so that a lock recreated by another process is left alone.
func (l *StorageLock) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return ErrNotLocked
	}
	stop, done := l.stopRenewal, l.renewalDone
	l.mu.Unlock()

	stop()
	<-done

	l.mu.Lock()
	generation := l.generation
	l.held = false
	l.stopRenewal = nil
	l.renewalDone = nil
	l.mu.Unlock()

	err := l.store.Delete(ctx, l.cfg.URL, types.Precondition{GenerationMatch: generation})
	switch {
	case err == nil:
		log.Info().Str("url", l.cfg.URL).Msg("lock released")
		return nil
	case errors.Is(err, ports.ErrObjectNotFound), errors.Is(err, ports.ErrPreconditionFailed):
		log.Warn().
			Str("url", l.cfg.URL).
			Int64("generation", generation).
			Msg("lock object was removed or replaced by another process before release")
		return nil
	default:
		return fmt.Errorf("release lock %s: %w", l.cfg.URL, err)
	}
}

// Healthy reports whether the lock is held and renewals are succeeding.
func (l *StorageLock) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && !l.unhealthy
}

func (l *StorageLock) CheckHealth() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ErrNotLocked
	}
	if l.unhealthy {
		return fmt.Errorf("%w: %d consecutive renewals failed for %s", ErrLockUnhealthy, l.failures, l.cfg.URL)
	}
	return nil
}

// Inspect describes the current lock object without touching it.
func (l *StorageLock) Inspect(ctx context.Context) (types.LockStatus, error) {
	status := types.LockStatus{URL: l.cfg.URL}
	attrs, err := l.store.Stat(ctx, l.cfg.URL)
	if errors.Is(err, ports.ErrObjectNotFound) {
		return status, nil
	}
	if err != nil {
		return status, err
	}
	status.Held = true
	status.Generation = attrs.Generation
	status.UpdateTime = attrs.UpdateTime
	status.Age = l.cfg.Clock().Sub(attrs.UpdateTime)
	status.Stale = status.Age > l.cfg.StaleAfter
	data, err := l.store.Get(ctx, l.cfg.URL)
	if err == nil {
		// Lock objects written by other tools may be empty.
		_ = json.Unmarshal(data, &status.Holder)
	}
	return status, nil
}

// ForceUnlock removes the lock object regardless of its holder. It is a
// manual recovery tool; the delete is still keyed on the generation that
// was inspected.
func (l *StorageLock) ForceUnlock(ctx context.Context) (bool, error) {
	attrs, err := l.store.Stat(ctx, l.cfg.URL)
	if errors.Is(err, ports.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = l.store.Delete(ctx, l.cfg.URL, types.Precondition{GenerationMatch: attrs.Generation})
	if errors.Is(err, ports.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Warn().Str("url", l.cfg.URL).Int64("generation", attrs.Generation).Msg("lock forcibly removed")
	return true, nil
}

func (l *StorageLock) leaseContent(acquiredAt time.Time, renewedAt time.Time) []byte {
	hostname, _ := os.Hostname()
	data, _ := json.Marshal(types.LeaseRecord{
		Holder:     l.holder,
		Hostname:   hostname,
		PID:        os.Getpid(),
		AcquiredAt: acquiredAt.UTC(),
		RenewedAt:  renewedAt.UTC(),
	})
	return data
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ ports.LockPort = (*StorageLock)(nil)
