// Package tokenizer provides token-count estimation for context-window
// budgeting.
package tokenizer

import (
	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates token costs with a tiktoken encoding when one is
// available for the model, falling back to a byte heuristic otherwise.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New builds a counter for model. Unknown models use the cl100k_base
// encoding; if even that fails to load the heuristic fallback applies.
func New(model string) *Counter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	return &Counter{enc: enc}
}

// Count returns the estimated token cost of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	// Rough chat-model average of four bytes per token.
	return (len(text) + 3) / 4
}
