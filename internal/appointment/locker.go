package appointment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// Locker serializes booking writes per key. The coordinator locks one key per
// clinic and date so two reservations for the same day never interleave their
// read-decide-write steps.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

func bookingLockKey(clinicID string, date time.Time) string {
	return fmt.Sprintf("booking:%s:%s", clinicID, schedule.FormatDate(date))
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex for single-instance deployments
// and tests. Entries are dropped once no caller holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	wait  time.Duration
}

// NewLocalLocker returns a locker whose callers give up with
// ErrSlotBeingBooked after waiting longer than wait. Zero waits until ctx ends.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{
		locks: make(map[string]*keyLock),
		wait:  wait,
	}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	kl := l.ref(key)
	defer l.unref(key, kl)

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	select {
	case kl.sem <- struct{}{}:
	case <-waitCtx.Done():
		return fmt.Errorf("%w: %w", ErrSlotBeingBooked, waitCtx.Err())
	}
	defer func() { <-kl.sem }()

	return fn(ctx)
}

func (l *LocalLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *LocalLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
