package thread

import (
	"log/slog"
	"sync"
	"time"
)

// threadLock is a mutual-exclusion primitive with timeout-bounded
// acquisition. A buffered channel of capacity one carries the "held" token,
// which lets Acquire race against a timer instead of blocking forever.
type threadLock struct {
	ch chan struct{}
}

func newThreadLock() *threadLock {
	return &threadLock{ch: make(chan struct{}, 1)}
}

// tryAcquire attempts to take the lock within timeout. A zero (or negative)
// timeout is a strict non-blocking attempt.
func (l *threadLock) tryAcquire(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case l.ch <- struct{}{}:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// release frees the lock. Returns false when the lock was already free,
// which callers treat as a tolerated double-release, not an error.
func (l *threadLock) release() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// LockManager maps thread keys to mutual-exclusion locks and records when
// each lock was acquired so a watchdog can spot locks held past a deadline.
//
// The table mutex protects only the two maps and is never held while waiting
// on a per-thread lock, so table operations cannot stall behind a slow
// conversation turn. Lock entries are created lazily and never removed; the
// key space is bounded by active conversations.
type LockManager struct {
	mu        sync.Mutex
	locks     map[string]*threadLock
	heldSince map[string]time.Time

	log *slog.Logger
	now func() time.Time
}

func NewLockManager(log *slog.Logger) *LockManager {
	if log == nil {
		log = slog.Default()
	}
	return &LockManager{
		locks:     make(map[string]*threadLock),
		heldSince: make(map[string]time.Time),
		log:       log,
		now:       time.Now,
	}
}

// getLock returns the lock for key, creating it on first reference.
// Creation is guarded by the table mutex so concurrent callers always get
// the same object for the same key.
func (lm *LockManager) getLock(key string) *threadLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.locks[key]
	if !ok {
		l = newThreadLock()
		lm.locks[key] = l
	}
	return l
}

// Acquire attempts to take the thread's lock within timeout and records the
// acquisition wall-clock time on success. A false return means the thread is
// busy; callers must not treat it as an error.
func (lm *LockManager) Acquire(key string, timeout time.Duration) bool {
	l := lm.getLock(key)
	if !l.tryAcquire(timeout) {
		lm.log.Debug("thread_lock_busy", "thread_key", key, "timeout", timeout.String())
		return false
	}
	lm.mu.Lock()
	lm.heldSince[key] = lm.now()
	lm.mu.Unlock()
	return true
}

// Release frees the thread's lock and clears its acquisition time. Releasing
// a lock that is already free logs and no-ops; error-handling paths may
// double-release defensively, and a force-released holder's own Release call
// must be harmless.
func (lm *LockManager) Release(key string) {
	lm.mu.Lock()
	l, ok := lm.locks[key]
	delete(lm.heldSince, key)
	lm.mu.Unlock()
	if !ok {
		lm.log.Debug("thread_lock_release_unknown", "thread_key", key)
		return
	}
	if !l.release() {
		lm.log.Debug("thread_lock_release_noop", "thread_key", key)
	}
}

// StuckThreads returns the keys of all locks held continuously longer than
// maxHeld. Pure read; detection and recovery are separate steps so the
// watchdog can log before it intervenes.
func (lm *LockManager) StuckThreads(maxHeld time.Duration) []string {
	now := lm.now()
	lm.mu.Lock()
	defer lm.mu.Unlock()
	var stuck []string
	for key, since := range lm.heldSince {
		if now.Sub(since) > maxHeld {
			stuck = append(stuck, key)
		}
	}
	return stuck
}

// ForceRelease unconditionally frees the lock and clears its timestamp. This
// is the one operation that releases a lock its caller does not own; it
// exists to recover from a handler that crashed or hung without reaching its
// Release call.
func (lm *LockManager) ForceRelease(key string) {
	lm.mu.Lock()
	l, ok := lm.locks[key]
	delete(lm.heldSince, key)
	lm.mu.Unlock()
	if !ok {
		return
	}
	if l.release() {
		lm.log.Warn("thread_lock_force_released", "thread_key", key)
	}
}

// HeldSince reports when the lock for key was acquired, if it is held.
func (lm *LockManager) HeldSince(key string) (time.Time, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	since, ok := lm.heldSince[key]
	return since, ok
}
