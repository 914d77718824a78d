package chatflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cobaltlane/bridgebot/llm"
	"github.com/cobaltlane/bridgebot/thread"
)

type memStore struct {
	mu         sync.Mutex
	cached     []thread.CachedMessage
	failWrites int // fail the next N writes
}

func (s *memStore) GetThreadConfig(context.Context, string) (map[string]any, error) {
	return nil, nil
}

func (s *memStore) SaveThreadConfig(context.Context, string, map[string]any) error {
	return nil
}

func (s *memStore) GetCachedMessages(context.Context, string, int) ([]thread.CachedMessage, error) {
	return nil, nil
}

func (s *memStore) CacheMessage(_ context.Context, _, role, content, messageTS string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites > 0 {
		s.failWrites--
		return errors.New("disk full")
	}
	s.cached = append(s.cached, thread.CachedMessage{
		Role: role, Content: content, MessageTS: messageTS, Metadata: metadata,
	})
	return nil
}

func (s *memStore) GetUserPreferences(context.Context, string) (map[string]any, error) {
	return nil, nil
}

func (s *memStore) cachedRoles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.cached))
	for _, m := range s.cached {
		out = append(out, m.Role)
	}
	return out
}

type fakeLLM struct {
	intent  llm.Intent
	reply   string
	blockCh chan struct{} // when set, CreateTextResponse blocks until closed
}

func (f *fakeLLM) CreateTextResponse(ctx context.Context, req llm.Request) (llm.Response, error) {
	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	return llm.Response{Content: f.reply}, nil
}

func (f *fakeLLM) ClassifyIntent(context.Context, string, bool) (llm.Intent, error) {
	if f.intent == "" {
		return llm.IntentRespondText, nil
	}
	return f.intent, nil
}

func (f *fakeLLM) GenerateImage(_ context.Context, req llm.ImageRequest) (llm.ImageResult, error) {
	return llm.ImageResult{Data: []byte{0x89, 0x50}, RevisedPrompt: req.Prompt}, nil
}

type fakeSender struct {
	mu       sync.Mutex
	texts    []string
	imageURL string
}

func (s *fakeSender) SendText(_ context.Context, _, _, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSender) SendImage(context.Context, string, string, []byte, string) (string, error) {
	return s.imageURL, nil
}

func (s *fakeSender) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func newTestFlow(t *testing.T, store *memStore, client *fakeLLM, opts Options) (*Flow, *thread.Manager) {
	t.Helper()
	mgr, err := thread.NewManager(store, nil, thread.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	flow, err := New(mgr, store, client, nil, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return flow, mgr
}

func TestHandleMessageTextTurn(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	client := &fakeLLM{reply: "hello back"}
	flow, mgr := newTestFlow(t, store, client, DefaultOptions())
	sender := &fakeSender{}

	err := flow.HandleMessage(context.Background(), Inbound{
		ChannelID: "C1", ThreadTS: "T1", MessageTS: "1.1", UserID: "U1", Text: "hello",
	}, sender)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	if got := sender.sentTexts(); len(got) != 1 || got[0] != "hello back" {
		t.Fatalf("sent = %v, want [hello back]", got)
	}
	if roles := store.cachedRoles(); len(roles) != 2 || roles[0] != "user" || roles[1] != "assistant" {
		t.Fatalf("cached roles = %v, want [user assistant]", roles)
	}
	if mgr.IsThreadBusy("T1", "C1") {
		t.Fatalf("thread lock should be released after the turn")
	}
}

func TestHandleMessageBusyReply(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	block := make(chan struct{})
	client := &fakeLLM{reply: "slow answer", blockCh: block}
	opts := DefaultOptions()
	opts.LockTimeout = 20 * time.Millisecond
	flow, _ := newTestFlow(t, store, client, opts)

	firstSender := &fakeSender{}
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- flow.HandleMessage(context.Background(), Inbound{
			ChannelID: "C1", ThreadTS: "T1", UserID: "U1", Text: "long question",
		}, firstSender)
	}()

	// Wait until the first turn holds the lock (it blocks inside the LLM).
	deadline := time.After(2 * time.Second)
	for {
		if len(store.cachedRoles()) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("first turn never reached the LLM call")
		case <-time.After(5 * time.Millisecond):
		}
	}

	secondSender := &fakeSender{}
	err := flow.HandleMessage(context.Background(), Inbound{
		ChannelID: "C1", ThreadTS: "T1", UserID: "U2", Text: "me too",
	}, secondSender)
	if err != nil {
		t.Fatalf("busy turn should not error: %v", err)
	}
	got := secondSender.sentTexts()
	if len(got) != 1 || !strings.Contains(got[0], "Still working") {
		t.Fatalf("busy reply = %v", got)
	}

	close(block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first turn: %v", err)
	}
}

func TestHandleMessageImageTurnRecordsLedger(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	client := &fakeLLM{intent: llm.IntentGenerateImage}
	flow, mgr := newTestFlow(t, store, client, DefaultOptions())
	sender := &fakeSender{imageURL: "https://files.example.com/img.png"}

	err := flow.HandleMessage(context.Background(), Inbound{
		ChannelID: "C1", ThreadTS: "T1", UserID: "U1", Text: "draw a lighthouse",
	}, sender)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	ledger := mgr.GetOrCreateAssetLedger("C1:T1")
	recent := ledger.RecentImages(1)
	if len(recent) != 1 {
		t.Fatalf("ledger should record the generated image")
	}
	if recent[0].PlatformURL != "https://files.example.com/img.png" {
		t.Fatalf("platform url = %q", recent[0].PlatformURL)
	}
	if recent[0].Prompt != "draw a lighthouse" {
		t.Fatalf("prompt = %q", recent[0].Prompt)
	}

	texts := sender.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "https://files.example.com/img.png") {
		t.Fatalf("reply should link the hosted image, got %v", texts)
	}
}

func TestHandleMessagePersistWriteFailurePropagates(t *testing.T) {
	t.Parallel()

	store := &memStore{failWrites: 10}
	client := &fakeLLM{reply: "ok"}
	opts := DefaultOptions()
	opts.PersistAttempts = 2
	flow, mgr := newTestFlow(t, store, client, opts)

	err := flow.HandleMessage(context.Background(), Inbound{
		ChannelID: "C1", ThreadTS: "T1", UserID: "U1", Text: "hello",
	}, &fakeSender{})
	if err == nil {
		t.Fatalf("exhausted persistence retries must propagate")
	}
	if mgr.IsThreadBusy("T1", "C1") {
		t.Fatalf("lock must be released on the error path")
	}
}

func TestHandleMessagePersistRetrySucceeds(t *testing.T) {
	t.Parallel()

	store := &memStore{failWrites: 1}
	client := &fakeLLM{reply: "ok"}
	flow, _ := newTestFlow(t, store, client, DefaultOptions())

	err := flow.HandleMessage(context.Background(), Inbound{
		ChannelID: "C1", ThreadTS: "T1", UserID: "U1", Text: "hello",
	}, &fakeSender{})
	if err != nil {
		t.Fatalf("one transient write failure should be retried: %v", err)
	}
	if roles := store.cachedRoles(); len(roles) != 2 {
		t.Fatalf("cached roles = %v, want 2 entries", roles)
	}
}

func TestHandleMessageIgnoresEmptyText(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	flow, _ := newTestFlow(t, store, &fakeLLM{}, DefaultOptions())
	sender := &fakeSender{}

	if err := flow.HandleMessage(context.Background(), Inbound{
		ChannelID: "C1", ThreadTS: "T1", Text: "   ",
	}, sender); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(sender.sentTexts()) != 0 {
		t.Fatalf("empty text should be dropped silently")
	}
}
