package thread

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CachedMessage is the persistence layer's view of one stored message.
type CachedMessage struct {
	Role      string
	Content   string
	MessageTS string
	Metadata  map[string]any
}

// Store is the persistence contract the manager needs. Read failures on the
// hydration path are tolerated (the thread continues without deep history);
// write failures always propagate to the caller.
type Store interface {
	GetThreadConfig(ctx context.Context, threadKey string) (map[string]any, error)
	SaveThreadConfig(ctx context.Context, threadKey string, cfg map[string]any) error
	GetCachedMessages(ctx context.Context, threadKey string, limit int) ([]CachedMessage, error)
	CacheMessage(ctx context.Context, threadKey, role, content, messageTS string, metadata map[string]any) error
	GetUserPreferences(ctx context.Context, userID string) (map[string]any, error)
}

// Config controls the manager's lock-recovery and eviction behavior.
type Config struct {
	// StuckTimeout is how long a lock may be held before the watchdog
	// presumes its holder crashed or hung. It must be comfortably larger
	// than the slowest legitimate LLM round-trip (long reasoning requests
	// included) or the watchdog will preempt real work.
	StuckTimeout time.Duration
	// WatchdogInterval is the sweep period for stuck-lock detection.
	WatchdogInterval time.Duration
	// MaxThreadAge is the inactivity threshold for evicting threads from
	// memory during the periodic cleanup sweep.
	MaxThreadAge time.Duration
	// CleanupInterval is how often the watchdog loop also runs eviction.
	CleanupInterval time.Duration
	// HydrateLimit caps how many cached messages are loaded when a thread
	// is rebuilt from the store.
	HydrateLimit int
	// Trim bounds each thread's in-memory history.
	Trim TrimConfig
	// SystemDefaults is the base generation-parameter layer merged under
	// user preferences and thread overrides.
	SystemDefaults map[string]any
}

func DefaultConfig() Config {
	return Config{
		StuckTimeout:     5 * time.Minute,
		WatchdogInterval: 30 * time.Second,
		MaxThreadAge:     24 * time.Hour,
		CleanupInterval:  10 * time.Minute,
		HydrateLimit:     50,
		Trim: TrimConfig{
			TokenBudget: 64000,
			TrimBatch:   4,
		},
	}
}

// Stats is a point-in-time snapshot of manager occupancy.
type Stats struct {
	ActiveThreads     int
	ProcessingThreads int
}

// Manager is the single entry point message-processing uses to get thread
// state, coordinate per-thread exclusivity, and keep memory bounded. State
// is hydrated lazily from the store on first access and evicted again after
// inactivity; the store retains messages and config across restarts.
type Manager struct {
	cfg     Config
	store   Store
	counter TokenCounter
	locks   *LockManager
	log     *slog.Logger

	mu      sync.Mutex
	threads map[string]*State
	ledgers map[string]*AssetLedger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithClock injects a time source; tests use it to drive stuck-lock and
// eviction deadlines without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
			m.locks.now = now
		}
	}
}

func NewManager(store Store, counter TokenCounter, cfg Config, log *slog.Logger, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = 5 * time.Minute
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 30 * time.Second
	}
	if cfg.MaxThreadAge <= 0 {
		cfg.MaxThreadAge = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.HydrateLimit <= 0 {
		cfg.HydrateLimit = 50
	}
	m := &Manager{
		cfg:     cfg,
		store:   store,
		counter: counter,
		locks:   NewLockManager(log),
		log:     log,
		threads: make(map[string]*State),
		ledgers: make(map[string]*AssetLedger),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start launches the watchdog loop. The loop stops when ctx is cancelled or
// Close is called; Close also waits for it to exit.
func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchdogLoop(ctx)
	}()
	m.log.Info("thread_manager_start",
		"stuck_timeout", m.cfg.StuckTimeout.String(),
		"watchdog_interval", m.cfg.WatchdogInterval.String(),
		"max_thread_age", m.cfg.MaxThreadAge.String(),
	)
}

// Close stops the watchdog and waits for it to finish.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// GetOrCreateThread returns the in-memory state for a thread, hydrating it
// from the store on first access. Calling it twice for the same key without
// an intervening eviction returns the same State object.
//
// Hydration never takes the thread's conversation lock; it only touches the
// manager's own bookkeeping. A store read failure falls back to fresh state:
// losing cached history is degraded service, crashing the handler is not.
func (m *Manager) GetOrCreateThread(ctx context.Context, threadTS, channelID, userID string) *State {
	key := Key(channelID, threadTS)

	m.mu.Lock()
	if st, ok := m.threads[key]; ok {
		m.mu.Unlock()
		return st
	}
	m.mu.Unlock()

	st := m.hydrate(ctx, threadTS, channelID, userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have hydrated the same key while we were reading
	// the store; first one in wins so identity stays stable.
	if existing, ok := m.threads[key]; ok {
		return existing
	}
	m.threads[key] = st
	m.ledgers[key] = st.Ledger()
	return st
}

func (m *Manager) hydrate(ctx context.Context, threadTS, channelID, userID string) *State {
	key := Key(channelID, threadTS)
	st := NewState(channelID, threadTS, m.counter, m.cfg.Trim, m.now)

	cfg, err := m.store.GetThreadConfig(ctx, key)
	if err != nil {
		m.log.Warn("thread_hydrate_config_error", "thread_key", key, "error", err.Error())
		cfg = nil
	}
	if cfg == nil && userID != "" {
		prefs, err := m.store.GetUserPreferences(ctx, userID)
		if err != nil {
			m.log.Warn("thread_hydrate_prefs_error", "thread_key", key, "user_id", userID, "error", err.Error())
		} else if prefs != nil {
			cfg = prefs
		}
	}
	if cfg != nil {
		st.setOverrides(cfg)
	}

	cached, err := m.store.GetCachedMessages(ctx, key, m.cfg.HydrateLimit)
	if err != nil {
		m.log.Warn("thread_hydrate_messages_error", "thread_key", key, "error", err.Error())
		return st
	}
	if len(cached) > 0 {
		msgs := make([]Message, 0, len(cached))
		for _, c := range cached {
			msgs = append(msgs, Message{
				Role:      Role(c.Role),
				Content:   c.Content,
				MessageTS: c.MessageTS,
				Metadata:  c.Metadata,
			})
		}
		st.setMessages(msgs)
		m.log.Info("thread_hydrated", "thread_key", key, "messages", len(cached))
	}
	return st
}

// AcquireThreadLock attempts to take the conversation lock for the thread
// within timeout. On success the thread is marked processing. A false
// return means another turn is in flight — contention, not an error.
func (m *Manager) AcquireThreadLock(threadTS, channelID string, timeout time.Duration) bool {
	key := Key(channelID, threadTS)
	if !m.locks.Acquire(key, timeout) {
		return false
	}
	if st := m.lookup(key); st != nil {
		st.setProcessing(true)
	}
	return true
}

// ReleaseThreadLock frees the conversation lock, clears the processing flag
// and bumps last-activity. Safe to call on an already-released lock.
func (m *Manager) ReleaseThreadLock(threadTS, channelID string) {
	key := Key(channelID, threadTS)
	m.locks.Release(key)
	if st := m.lookup(key); st != nil {
		st.setProcessing(false)
		st.touch()
	}
}

// IsThreadBusy reports whether another turn currently holds the thread's
// lock, without blocking. Callers use it to fail fast with a "still
// processing" response instead of waiting.
func (m *Manager) IsThreadBusy(threadTS, channelID string) bool {
	key := Key(channelID, threadTS)
	if !m.locks.Acquire(key, 0) {
		return true
	}
	m.locks.Release(key)
	return false
}

// UpdateThreadConfig merges overrides into the thread's config and persists
// the merged result. Callers must hold the thread lock. The store write
// error propagates: silently losing a config write would desync memory and
// disk in a way that is hard to detect later.
func (m *Manager) UpdateThreadConfig(ctx context.Context, threadTS, channelID string, overrides map[string]any) error {
	key := Key(channelID, threadTS)
	st := m.lookup(key)
	if st == nil {
		return fmt.Errorf("unknown thread %q", key)
	}
	merged := st.MergeOverrides(overrides)
	if err := m.store.SaveThreadConfig(ctx, key, merged); err != nil {
		return fmt.Errorf("save thread config: %w", err)
	}
	return nil
}

// EffectiveConfigFor resolves the thread's generation parameters for this
// turn: system defaults, then userPrefs, then the thread's overrides.
func (m *Manager) EffectiveConfigFor(st *State, userPrefs map[string]any) map[string]any {
	return EffectiveConfig(m.cfg.SystemDefaults, userPrefs, st.ConfigOverrides())
}

// GetOrCreateAssetLedger returns the ledger for threadKey, creating a
// standalone one when the thread itself is not in memory. Ledger access is
// independent of the thread lock.
func (m *Manager) GetOrCreateAssetLedger(threadKey string) *AssetLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if al, ok := m.ledgers[threadKey]; ok {
		return al
	}
	al := NewAssetLedger(threadKey)
	m.ledgers[threadKey] = al
	return al
}

// CleanupOldThreads evicts threads whose last activity is older than maxAge.
// Threads currently processing are never evicted regardless of age;
// correctness over memory efficiency. Returns the number evicted.
func (m *Manager) CleanupOldThreads(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for key, st := range m.threads {
		if st.Processing() {
			continue
		}
		if st.LastActivity().Before(cutoff) {
			delete(m.threads, key)
			delete(m.ledgers, key)
			evicted++
		}
	}
	if evicted > 0 {
		m.log.Info("thread_cleanup", "evicted", evicted, "remaining", len(m.threads))
	}
	return evicted
}

// Stats returns a snapshot of thread occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{ActiveThreads: len(m.threads)}
	for _, st := range m.threads {
		if st.Processing() {
			s.ProcessingThreads++
		}
	}
	return s
}

func (m *Manager) lookup(key string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[key]
}

// watchdogLoop periodically force-releases stuck locks and evicts inactive
// threads. Each sweep runs inside its own failure boundary so one bad sweep
// cannot kill the loop.
func (m *Manager) watchdogLoop(ctx context.Context) {
	sweep := time.NewTicker(m.cfg.WatchdogInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(m.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("thread_watchdog_stop", "reason", ctx.Err().Error())
			return
		case <-sweep.C:
			m.runSweep(m.sweepStuckLocks)
		case <-cleanup.C:
			m.runSweep(func() { m.CleanupOldThreads(m.cfg.MaxThreadAge) })
		}
	}
}

func (m *Manager) runSweep(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("thread_watchdog_sweep_panic", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// sweepStuckLocks detects and clears locks held longer than StuckTimeout.
// Force-release frees only the lock, letting new turns proceed; the stuck
// handler's goroutine, if it ever completes, finds its own release a no-op.
func (m *Manager) sweepStuckLocks() {
	stuck := m.locks.StuckThreads(m.cfg.StuckTimeout)
	for _, key := range stuck {
		since, _ := m.locks.HeldSince(key)
		m.log.Warn("thread_lock_stuck",
			"thread_key", key,
			"held_since", since.UTC().Format(time.RFC3339),
			"stuck_timeout", m.cfg.StuckTimeout.String(),
		)
		m.locks.ForceRelease(key)
	}
}
