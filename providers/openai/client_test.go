package openai

import (
	"testing"

	"github.com/cobaltlane/bridgebot/llm"
)

func TestBuildMessagesRoleMapping(t *testing.T) {
	t.Parallel()

	out := buildMessages([]llm.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "tool", Content: "fallback to user"},
	})
	if len(out) != 4 {
		t.Fatalf("len(out) = %d, want 4", len(out))
	}
	if out[0].OfSystem == nil {
		t.Fatalf("first message should map to a system message")
	}
	if out[1].OfUser == nil {
		t.Fatalf("second message should map to a user message")
	}
	if out[2].OfAssistant == nil {
		t.Fatalf("third message should map to an assistant message")
	}
	if out[3].OfUser == nil {
		t.Fatalf("unknown roles should fall back to user messages")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Model: "gpt-5"}); err == nil {
		t.Fatalf("missing api key should error")
	}
	if _, err := New(Config{APIKey: "sk-test"}); err == nil {
		t.Fatalf("missing model should error")
	}
	c, err := New(Config{APIKey: "sk-test", Model: "gpt-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.imageModel == "" {
		t.Fatalf("image model default should be set")
	}
}
