// Package llm defines the client contract the message-processing layer uses
// to talk to a model backend, independent of any provider SDK.
package llm

import "context"

// Message is one turn of model context.
type Message struct {
	Role    string
	Content string
}

// Request is a provider-neutral chat completion request.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message
}

// Response carries the assistant's reply and usage accounting.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Intent classifies what a user message is asking for.
type Intent string

const (
	IntentRespondText   Intent = "respond_text"
	IntentGenerateImage Intent = "generate_image"
	IntentEditImage     Intent = "edit_image"
)

// ImageRequest asks for one generated image.
type ImageRequest struct {
	Prompt string
	Model  string
	Size   string
}

// ImageResult is a generated image payload.
type ImageResult struct {
	Data          []byte
	MimeType      string
	RevisedPrompt string
}

// Client is the LLM collaborator contract. Implementations must honor ctx
// cancellation on every call.
type Client interface {
	CreateTextResponse(ctx context.Context, req Request) (Response, error)
	// ClassifyIntent decides whether a message wants a text reply, a new
	// image, or an edit of a recent image. hasRecentImages tells the
	// classifier whether "edit that image" could refer to anything.
	ClassifyIntent(ctx context.Context, text string, hasRecentImages bool) (Intent, error)
	GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error)
}
