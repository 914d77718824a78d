package db

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "bridgebot_test.sqlite")
	gdb, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store, err := NewStore(gdb)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestStoreThreadConfigRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetThreadConfig(ctx, "C1:T1")
	if err != nil {
		t.Fatalf("GetThreadConfig: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil config for unknown thread, got %v", got)
	}

	if err := store.SaveThreadConfig(ctx, "C1:T1", map[string]any{"model": "m1", "temperature": 0.5}); err != nil {
		t.Fatalf("SaveThreadConfig: %v", err)
	}
	// Second save replaces, not duplicates.
	if err := store.SaveThreadConfig(ctx, "C1:T1", map[string]any{"model": "m2"}); err != nil {
		t.Fatalf("SaveThreadConfig (update): %v", err)
	}

	got, err = store.GetThreadConfig(ctx, "C1:T1")
	if err != nil {
		t.Fatalf("GetThreadConfig: %v", err)
	}
	if got["model"] != "m2" {
		t.Fatalf("model = %v, want m2", got["model"])
	}
	if _, stale := got["temperature"]; stale {
		t.Fatalf("save should replace the whole override map, got %v", got)
	}
}

func TestStoreCachedMessagesOrderAndLimit(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	for _, m := range []struct{ role, content, ts string }{
		{"system", "be brief", ""},
		{"user", "first", "1.1"},
		{"assistant", "second", "1.2"},
		{"user", "third", "1.3"},
	} {
		if err := store.CacheMessage(ctx, "C1:T1", m.role, m.content, m.ts, map[string]any{"seq": m.content}); err != nil {
			t.Fatalf("CacheMessage(%s): %v", m.content, err)
		}
	}

	all, err := store.GetCachedMessages(ctx, "C1:T1", 0)
	if err != nil {
		t.Fatalf("GetCachedMessages: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len(all) = %d, want 4", len(all))
	}
	if all[0].Role != "system" || all[3].Content != "third" {
		t.Fatalf("messages out of order: first=%+v last=%+v", all[0], all[3])
	}
	if all[1].Metadata["seq"] != "first" {
		t.Fatalf("metadata not preserved: %#v", all[1].Metadata)
	}

	recent, err := store.GetCachedMessages(ctx, "C1:T1", 2)
	if err != nil {
		t.Fatalf("GetCachedMessages(limit): %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	// Most recent two, oldest-first.
	if recent[0].Content != "second" || recent[1].Content != "third" {
		t.Fatalf("recent = [%q, %q], want [second, third]", recent[0].Content, recent[1].Content)
	}
}

func TestStoreUserPreferences(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetUserPreferences(ctx, "U1")
	if err != nil {
		t.Fatalf("GetUserPreferences: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil prefs for unknown user, got %v", got)
	}

	if err := store.SaveUserPreferences(ctx, "U1", map[string]any{"model": "m1"}); err != nil {
		t.Fatalf("SaveUserPreferences: %v", err)
	}
	if err := store.SaveUserPreferences(ctx, "U1", map[string]any{"model": "m3"}); err != nil {
		t.Fatalf("SaveUserPreferences (update): %v", err)
	}

	got, err = store.GetUserPreferences(ctx, "U1")
	if err != nil {
		t.Fatalf("GetUserPreferences: %v", err)
	}
	if got["model"] != "m3" {
		t.Fatalf("model = %v, want m3", got["model"])
	}
}

func TestStoreValidation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetThreadConfig(ctx, "  "); err == nil {
		t.Fatalf("empty thread_key should error")
	}
	if err := store.CacheMessage(ctx, "C1:T1", "", "content", "", nil); err == nil {
		t.Fatalf("empty role should error")
	}
}
