package thread

import (
	"maps"
	"sync"
	"time"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a thread's conversation history. Insertion order
// is meaningful: the message slice is the literal LLM context window.
type Message struct {
	Role      Role
	Content   string
	MessageTS string
	Metadata  map[string]any
}

// TokenCounter estimates the token cost of text. Counting is delegated so
// the state layer stays independent of any particular tokenizer.
type TokenCounter interface {
	Count(text string) int
}

// perMessageOverhead approximates the per-message framing tokens chat APIs
// charge beyond the raw content.
const perMessageOverhead = 4

// TrimConfig bounds a thread's accumulated history.
type TrimConfig struct {
	// TokenBudget is the ceiling for the estimated token cost of all
	// messages. Zero disables trimming.
	TokenBudget int
	// TrimBatch is how many non-system messages are dropped per trim pass.
	// Trimming in groups avoids re-trimming on every subsequent append.
	TrimBatch int
}

// State is the in-memory representation of one conversation thread.
//
// Turn-level mutations (appends, config writes) are serialized by the
// thread's lock in LockManager; State's own mutex only makes individual
// reads and writes safe against background readers such as the cleanup
// sweep, which inspects Processing and LastActivity without holding the
// thread lock.
type State struct {
	Key       string
	ChannelID string
	ThreadTS  string

	mu           sync.Mutex
	messages     []Message
	overrides    map[string]any
	processing   bool
	lastActivity time.Time

	ledger  *AssetLedger
	counter TokenCounter
	trim    TrimConfig
	now     func() time.Time
}

// NewState creates a fresh thread state. counter may be nil, which disables
// token-budget trimming.
func NewState(channelID, threadTS string, counter TokenCounter, trim TrimConfig, now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	if trim.TrimBatch <= 0 {
		trim.TrimBatch = 4
	}
	key := Key(channelID, threadTS)
	return &State{
		Key:          key,
		ChannelID:    channelID,
		ThreadTS:     threadTS,
		overrides:    make(map[string]any),
		lastActivity: now(),
		ledger:       NewAssetLedger(key),
		counter:      counter,
		trim:         trim,
		now:          now,
	}
}

// Key builds the composite thread identifier used across the manager, the
// lock table and the persistence layer.
func Key(channelID, threadTS string) string {
	return channelID + ":" + threadTS
}

// AddMessage appends to the conversation history and bumps last-activity.
// When the accumulated token estimate exceeds the budget, the oldest
// non-system messages are dropped in batches until the history fits again.
// A single leading system or developer message is always retained.
func (s *State) AddMessage(role Role, content string, metadata map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{
		Role:     role,
		Content:  content,
		Metadata: metadata,
	})
	s.lastActivity = s.now()
	s.trimLocked()
}

func (s *State) trimLocked() {
	if s.counter == nil || s.trim.TokenBudget <= 0 {
		return
	}
	for s.tokenEstimateLocked() > s.trim.TokenBudget {
		if !s.dropOldestLocked(s.trim.TrimBatch) {
			return
		}
	}
}

func (s *State) tokenEstimateLocked() int {
	total := 0
	for _, m := range s.messages {
		total += s.counter.Count(m.Content) + perMessageOverhead
	}
	return total
}

// dropOldestLocked removes up to n of the oldest non-system messages.
// Returns false when nothing removable remains.
func (s *State) dropOldestLocked(n int) bool {
	dropped := 0
	kept := s.messages[:0]
	for i, m := range s.messages {
		leading := i == 0 && (m.Role == RoleSystem || m.Role == RoleDeveloper)
		if dropped < n && !leading {
			dropped++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return dropped > 0
}

// Messages returns a copy of the conversation history.
func (s *State) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// MessageCount reports the current history length.
func (s *State) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// setMessages replaces the history wholesale; used only during hydration.
func (s *State) setMessages(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = msgs
	s.trimLocked()
}

// ConfigOverrides returns a copy of the thread-scoped config overrides.
func (s *State) ConfigOverrides() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.overrides)
}

// MergeOverrides folds new override keys into the thread's config and
// returns the merged result. Callers must hold the thread lock so a
// concurrent turn's config read cannot race the write.
func (s *State) MergeOverrides(overrides map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrides == nil {
		s.overrides = make(map[string]any)
	}
	maps.Copy(s.overrides, overrides)
	return maps.Clone(s.overrides)
}

func (s *State) setOverrides(overrides map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if overrides == nil {
		overrides = make(map[string]any)
	}
	s.overrides = overrides
}

// Processing reports whether a turn currently holds this thread's lock.
func (s *State) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

func (s *State) setProcessing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = v
}

// LastActivity reports when the thread last appended a message or released
// its lock. Drives staleness-based eviction.
func (s *State) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *State) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
}

// Ledger returns the thread's asset ledger. The ledger shares the thread's
// lifetime exactly.
func (s *State) Ledger() *AssetLedger {
	return s.ledger
}
