// Package chatflow runs one inbound chat message through the thread state
// manager and the LLM backend: acquire the thread's lock (or reply "busy"),
// append and persist the user's message, produce a text or image response,
// persist the assistant's side, release.
package chatflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/cobaltlane/bridgebot/llm"
	"github.com/cobaltlane/bridgebot/thread"
)

// Sender delivers responses back to the originating platform.
type Sender interface {
	SendText(ctx context.Context, channelID, threadTS, text string) error
	// SendImage uploads image bytes to the platform and returns the hosted
	// URL, when the platform supports it. Implementations without upload
	// support return ("", nil) and the flow falls back to a text notice.
	SendImage(ctx context.Context, channelID, threadTS string, data []byte, caption string) (string, error)
}

// Options configures a Flow.
type Options struct {
	// LockTimeout is how long a turn waits for the thread's lock before
	// replying busy. Short by design: contention means a turn is already
	// in flight, and the user should hear that quickly.
	LockTimeout time.Duration
	// BusyMessage is the reply sent when the thread's lock is contended.
	BusyMessage string
	// PersistAttempts is the retry budget for persistence writes.
	PersistAttempts uint
}

func DefaultOptions() Options {
	return Options{
		LockTimeout:     2 * time.Second,
		BusyMessage:     "Still working on the previous message in this thread — give me a moment.",
		PersistAttempts: 3,
	}
}

// Inbound is one platform-normalized incoming message.
type Inbound struct {
	ChannelID string
	ThreadTS  string
	MessageTS string
	UserID    string
	Text      string
}

// Flow wires the thread manager, the persistence store, and the LLM client
// into a per-message pipeline. One Flow serves all threads; per-thread
// exclusivity comes from the manager's locks.
type Flow struct {
	manager *thread.Manager
	store   thread.Store
	client  llm.Client
	log     *slog.Logger
	opts    Options
	now     func() time.Time
}

func New(manager *thread.Manager, store thread.Store, client llm.Client, log *slog.Logger, opts Options) (*Flow, error) {
	if manager == nil {
		return nil, fmt.Errorf("nil thread manager")
	}
	if store == nil {
		return nil, fmt.Errorf("nil store")
	}
	if client == nil {
		return nil, fmt.Errorf("nil llm client")
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	if strings.TrimSpace(opts.BusyMessage) == "" {
		opts.BusyMessage = DefaultOptions().BusyMessage
	}
	if opts.PersistAttempts == 0 {
		opts.PersistAttempts = 3
	}
	return &Flow{
		manager: manager,
		store:   store,
		client:  client,
		log:     log,
		opts:    opts,
		now:     time.Now,
	}, nil
}

// HandleMessage processes one inbound message end to end. Lock contention
// is not an error: the user gets the busy reply and the call returns nil.
// Persistence write failures propagate so the adapter can tell the user the
// turn partially failed.
func (f *Flow) HandleMessage(ctx context.Context, msg Inbound, sender Sender) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	threadKey := thread.Key(msg.ChannelID, msg.ThreadTS)
	turnID := "turn_" + uuid.NewString()

	st := f.manager.GetOrCreateThread(ctx, msg.ThreadTS, msg.ChannelID, msg.UserID)

	if !f.manager.AcquireThreadLock(msg.ThreadTS, msg.ChannelID, f.opts.LockTimeout) {
		f.log.Debug("chatflow_thread_busy", "thread_key", threadKey, "turn_id", turnID)
		if err := sender.SendText(ctx, msg.ChannelID, msg.ThreadTS, f.opts.BusyMessage); err != nil {
			f.log.Warn("chatflow_busy_reply_error", "thread_key", threadKey, "error", err.Error())
		}
		return nil
	}
	defer f.manager.ReleaseThreadLock(msg.ThreadTS, msg.ChannelID)

	userPrefs, err := f.store.GetUserPreferences(ctx, msg.UserID)
	if err != nil {
		f.log.Warn("chatflow_user_prefs_error", "user_id", msg.UserID, "error", err.Error())
		userPrefs = nil
	}
	cfg := f.manager.EffectiveConfigFor(st, userPrefs)

	meta := map[string]any{"user_id": msg.UserID, "turn_id": turnID}
	st.AddMessage(thread.RoleUser, text, meta)
	if err := f.persistMessage(ctx, threadKey, string(thread.RoleUser), text, msg.MessageTS, meta); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}

	ledger := f.manager.GetOrCreateAssetLedger(threadKey)
	intent, err := f.client.ClassifyIntent(ctx, text, ledger.Len() > 0)
	if err != nil {
		f.log.Warn("chatflow_classify_error", "thread_key", threadKey, "error", err.Error())
		intent = llm.IntentRespondText
	}

	var reply string
	switch intent {
	case llm.IntentGenerateImage, llm.IntentEditImage:
		reply, err = f.runImageTurn(ctx, st, ledger, intent, text, cfg, sender, msg)
	default:
		reply, err = f.runTextTurn(ctx, st, cfg)
	}
	if err != nil {
		return err
	}

	st.AddMessage(thread.RoleAssistant, reply, map[string]any{"turn_id": turnID, "intent": string(intent)})
	if err := f.persistMessage(ctx, threadKey, string(thread.RoleAssistant), reply, "", map[string]any{"turn_id": turnID}); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}

	if err := sender.SendText(ctx, msg.ChannelID, msg.ThreadTS, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	f.log.Info("chatflow_turn_done", "thread_key", threadKey, "turn_id", turnID, "intent", string(intent))
	return nil
}

func (f *Flow) runTextTurn(ctx context.Context, st *thread.State, cfg map[string]any) (string, error) {
	req := llm.Request{
		Model:       thread.ConfigString(cfg, "model", ""),
		Temperature: thread.ConfigFloat(cfg, "temperature", 0),
		MaxTokens:   thread.ConfigInt(cfg, "max_tokens", 0),
	}
	for _, m := range st.Messages() {
		req.Messages = append(req.Messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	resp, err := f.client.CreateTextResponse(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create text response: %w", err)
	}
	return resp.Content, nil
}

func (f *Flow) runImageTurn(
	ctx context.Context,
	st *thread.State,
	ledger *thread.AssetLedger,
	intent llm.Intent,
	text string,
	cfg map[string]any,
	sender Sender,
	msg Inbound,
) (string, error) {
	prompt := text
	if intent == llm.IntentEditImage {
		// An edit request references the latest ledger entry; fold its
		// original prompt into the new one so the generation stays close.
		if recent := ledger.RecentImages(1); len(recent) > 0 && recent[0].Prompt != "" {
			prompt = fmt.Sprintf("%s\n\n(Previous image prompt: %s)", text, recent[0].Prompt)
		}
	}

	result, err := f.client.GenerateImage(ctx, llm.ImageRequest{
		Prompt: prompt,
		Model:  thread.ConfigString(cfg, "image_model", ""),
		Size:   thread.ConfigString(cfg, "image_size", ""),
	})
	if err != nil {
		return "", fmt.Errorf("generate image: %w", err)
	}

	caption := result.RevisedPrompt
	if caption == "" {
		caption = prompt
	}
	url, err := sender.SendImage(ctx, msg.ChannelID, msg.ThreadTS, result.Data, caption)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	ledger.AddImage(result.Data, prompt, f.now(), url)

	if url != "" {
		return fmt.Sprintf("Here's the image: %s", url), nil
	}
	return "Generated the image, but this channel doesn't support uploads.", nil
}

// persistMessage writes one message to the store, retrying transient
// failures. Exhausted retries propagate: a silently lost write desyncs
// memory and disk.
func (f *Flow) persistMessage(ctx context.Context, threadKey, role, content, messageTS string, metadata map[string]any) error {
	return retry.Do(
		func() error {
			return f.store.CacheMessage(ctx, threadKey, role, content, messageTS, metadata)
		},
		retry.Context(ctx),
		retry.Attempts(f.opts.PersistAttempts),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}
