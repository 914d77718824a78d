package thread

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeStore is an in-memory Store with switchable failure modes.
type fakeStore struct {
	configs  map[string]map[string]any
	messages map[string][]CachedMessage
	prefs    map[string]map[string]any

	failReads  bool
	failWrites bool

	savedConfigs int
	cachedWrites int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		configs:  make(map[string]map[string]any),
		messages: make(map[string][]CachedMessage),
		prefs:    make(map[string]map[string]any),
	}
}

var errStore = errors.New("store unavailable")

func (f *fakeStore) GetThreadConfig(_ context.Context, threadKey string) (map[string]any, error) {
	if f.failReads {
		return nil, errStore
	}
	return f.configs[threadKey], nil
}

func (f *fakeStore) SaveThreadConfig(_ context.Context, threadKey string, cfg map[string]any) error {
	if f.failWrites {
		return errStore
	}
	f.configs[threadKey] = cfg
	f.savedConfigs++
	return nil
}

func (f *fakeStore) GetCachedMessages(_ context.Context, threadKey string, limit int) ([]CachedMessage, error) {
	if f.failReads {
		return nil, errStore
	}
	msgs := f.messages[threadKey]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeStore) CacheMessage(_ context.Context, threadKey, role, content, messageTS string, metadata map[string]any) error {
	if f.failWrites {
		return errStore
	}
	f.messages[threadKey] = append(f.messages[threadKey], CachedMessage{
		Role: role, Content: content, MessageTS: messageTS, Metadata: metadata,
	})
	f.cachedWrites++
	return nil
}

func (f *fakeStore) GetUserPreferences(_ context.Context, userID string) (map[string]any, error) {
	if f.failReads {
		return nil, errStore
	}
	return f.prefs[userID], nil
}

func newTestManager(t *testing.T, store *fakeStore, now *time.Time) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StuckTimeout = 2 * time.Minute
	cfg.MaxThreadAge = time.Hour
	m, err := NewManager(store, nil, cfg, nil, WithClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManagerHydrationIdentity(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := newFakeStore()
	store.messages["C1:T1"] = []CachedMessage{
		{Role: "user", Content: "earlier question", MessageTS: "1.1"},
		{Role: "assistant", Content: "earlier answer", MessageTS: "1.2"},
	}
	m := newTestManager(t, store, &now)

	first := m.GetOrCreateThread(context.Background(), "T1", "C1", "")
	second := m.GetOrCreateThread(context.Background(), "T1", "C1", "")

	if first != second {
		t.Fatalf("GetOrCreateThread should return the identical State object")
	}
	if got := first.MessageCount(); got != 2 {
		t.Fatalf("hydrated message count = %d, want 2", got)
	}
}

func TestManagerHydrationSeedsFromUserPrefs(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := newFakeStore()
	store.prefs["U1"] = map[string]any{"model": "m1", "temperature": 0.5}
	m := newTestManager(t, store, &now)

	st := m.GetOrCreateThread(context.Background(), "T1", "C1", "U1")
	if got := st.ConfigOverrides()["model"]; got != "m1" {
		t.Fatalf("model override = %v, want m1 (seeded from user prefs)", got)
	}

	// Stored thread config wins over user prefs for a known thread.
	store.configs["C1:T2"] = map[string]any{"model": "m2"}
	st2 := m.GetOrCreateThread(context.Background(), "T2", "C1", "U1")
	if got := st2.ConfigOverrides()["model"]; got != "m2" {
		t.Fatalf("model override = %v, want m2 (thread config)", got)
	}
}

func TestManagerHydrationReadFailureFallsBack(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := newFakeStore()
	store.failReads = true
	m := newTestManager(t, store, &now)

	st := m.GetOrCreateThread(context.Background(), "T1", "C1", "U1")
	if st == nil {
		t.Fatalf("hydration must not fail on store read errors")
	}
	if got := st.MessageCount(); got != 0 {
		t.Fatalf("fresh state expected, got %d messages", got)
	}
}

func TestManagerBusyThreadScenario(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := newFakeStore()
	m := newTestManager(t, store, &now)
	m.GetOrCreateThread(context.Background(), "T1", "C1", "")

	if !m.AcquireThreadLock("T1", "C1", 5*time.Second) {
		t.Fatalf("first acquire should succeed")
	}
	if !m.IsThreadBusy("T1", "C1") {
		t.Fatalf("IsThreadBusy should observe true while lock is held")
	}
	if m.AcquireThreadLock("T1", "C1", 0) {
		t.Fatalf("second acquire should fail while first holds the lock")
	}

	m.ReleaseThreadLock("T1", "C1")
	if m.IsThreadBusy("T1", "C1") {
		t.Fatalf("IsThreadBusy should observe false after release")
	}
}

func TestManagerProcessingFlagFollowsLock(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := newFakeStore()
	m := newTestManager(t, store, &now)
	st := m.GetOrCreateThread(context.Background(), "T1", "C1", "")

	m.AcquireThreadLock("T1", "C1", 0)
	if !st.Processing() {
		t.Fatalf("processing flag should be set while the lock is held")
	}
	stats := m.Stats()
	if stats.ActiveThreads != 1 || stats.ProcessingThreads != 1 {
		t.Fatalf("Stats() = %+v, want 1 active / 1 processing", stats)
	}

	m.ReleaseThreadLock("T1", "C1")
	if st.Processing() {
		t.Fatalf("processing flag should clear on release")
	}
	if got := m.Stats().ProcessingThreads; got != 0 {
		t.Fatalf("processing threads = %d, want 0", got)
	}
}

func TestManagerCleanupRespectsProcessing(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := newFakeStore()
	m := newTestManager(t, store, &now)

	idle := m.GetOrCreateThread(context.Background(), "T1", "C1", "")
	m.GetOrCreateThread(context.Background(), "T2", "C1", "")
	m.AcquireThreadLock("T2", "C1", 0)

	now = now.Add(2 * time.Hour)
	evicted := m.CleanupOldThreads(time.Hour)

	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	stats := m.Stats()
	if stats.ActiveThreads != 1 {
		t.Fatalf("active threads = %d, want 1 (processing thread retained)", stats.ActiveThreads)
	}

	// Re-access after eviction rehydrates a fresh object.
	fresh := m.GetOrCreateThread(context.Background(), "T1", "C1", "")
	if fresh == idle {
		t.Fatalf("evicted thread should be rebuilt, not returned by identity")
	}
}

func TestManagerWatchdogSweepForceReleasesStuckLock(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := newFakeStore()
	m := newTestManager(t, store, &now)
	st := m.GetOrCreateThread(context.Background(), "T1", "C1", "")

	if !m.AcquireThreadLock("T1", "C1", 0) {
		t.Fatalf("acquire should succeed")
	}

	m.sweepStuckLocks()
	if m.AcquireThreadLock("T1", "C1", 0) {
		t.Fatalf("sweep before the stuck timeout must not release the lock")
	}

	now = now.Add(3 * time.Minute)
	m.sweepStuckLocks()

	if !m.AcquireThreadLock("T1", "C1", 0) {
		t.Fatalf("acquire after stuck sweep should succeed immediately")
	}
	// The watchdog frees only the lock; the processing flag belongs to the
	// (possibly still running) original handler.
	if !st.Processing() {
		t.Fatalf("force release must not clear the processing flag")
	}
}

func TestManagerUpdateThreadConfigPersists(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := newFakeStore()
	m := newTestManager(t, store, &now)
	m.GetOrCreateThread(context.Background(), "T1", "C1", "")

	if err := m.UpdateThreadConfig(context.Background(), "T1", "C1", map[string]any{"model": "m2"}); err != nil {
		t.Fatalf("UpdateThreadConfig: %v", err)
	}
	if store.savedConfigs != 1 {
		t.Fatalf("saved configs = %d, want 1", store.savedConfigs)
	}
	if got := store.configs["C1:T1"]["model"]; got != "m2" {
		t.Fatalf("persisted model = %v, want m2", got)
	}

	store.failWrites = true
	if err := m.UpdateThreadConfig(context.Background(), "T1", "C1", map[string]any{"model": "m3"}); err == nil {
		t.Fatalf("write failure must propagate")
	}
}

func TestManagerEffectiveConfigFor(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.SystemDefaults = map[string]any{"temperature": 0.7, "model": "m0"}
	m, err := NewManager(store, nil, cfg, nil, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	st := m.GetOrCreateThread(context.Background(), "T1", "C1", "")
	st.MergeOverrides(map[string]any{"model": "m2"})

	got := m.EffectiveConfigFor(st, map[string]any{"temperature": 0.5, "model": "m1"})
	if got["temperature"] != 0.5 || got["model"] != "m2" {
		t.Fatalf("EffectiveConfigFor() = %v, want temperature=0.5 model=m2", got)
	}
}

func TestManagerAssetLedgerIndependentOfLock(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := newFakeStore()
	m := newTestManager(t, store, &now)

	st := m.GetOrCreateThread(context.Background(), "T1", "C1", "")
	ledger := m.GetOrCreateAssetLedger("C1:T1")
	if ledger != st.Ledger() {
		t.Fatalf("manager ledger should be the state's own ledger")
	}

	// Ledger for a thread not in memory is still usable.
	side := m.GetOrCreateAssetLedger("C9:T9")
	side.AddImage(nil, "p", now, "")
	if side.Len() != 1 {
		t.Fatalf("standalone ledger should accept appends")
	}
}

func TestManagerStartClose(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.WatchdogInterval = 5 * time.Millisecond
	cfg.CleanupInterval = 5 * time.Millisecond
	m, err := NewManager(store, nil, cfg, nil, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	m.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	m.Close()
}
