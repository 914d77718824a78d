// Package openai implements the llm.Client contract over the OpenAI API
// (or any endpoint speaking the same protocol).
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	openaiapi "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/cobaltlane/bridgebot/llm"
)

// Config controls client construction.
type Config struct {
	APIKey string
	// Endpoint overrides the API base URL; empty uses the default.
	Endpoint string
	// Model is the default chat model when a request leaves Model empty.
	Model string
	// ImageModel is used for image generation.
	ImageModel string
	// RequestTimeout bounds each API call.
	RequestTimeout time.Duration
}

type Client struct {
	api        openaiapi.Client
	model      string
	imageModel string
	timeout    time.Duration
}

var _ llm.Client = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing api key")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("missing default model")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	imageModel := strings.TrimSpace(cfg.ImageModel)
	if imageModel == "" {
		imageModel = "gpt-image-1"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		api:        openaiapi.NewClient(opts...),
		model:      strings.TrimSpace(cfg.Model),
		imageModel: imageModel,
		timeout:    timeout,
	}, nil
}

func (c *Client) CreateTextResponse(ctx context.Context, req llm.Request) (llm.Response, error) {
	if len(req.Messages) == 0 {
		return llm.Response{}, fmt.Errorf("empty request messages")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	params := openaiapi.ChatCompletionNewParams{
		Model:    openaiapi.ChatModel(model),
		Messages: buildMessages(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = openaiapi.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiapi.Int(int64(req.MaxTokens))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("chat completion returned no choices")
	}
	return llm.Response{
		Content:      completion.Choices[0].Message.Content,
		Model:        completion.Model,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

const classifyPrompt = `Classify the user's message into exactly one label:
- respond_text: answer with text
- generate_image: the user asks to create a new image
- edit_image: the user asks to change a previously generated or uploaded image (only valid when recent images exist)
Reply with the label only.`

func (c *Client) ClassifyIntent(ctx context.Context, text string, hasRecentImages bool) (llm.Intent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return llm.IntentRespondText, nil
	}
	userContent := text
	if hasRecentImages {
		userContent = "(recent images exist in this conversation)\n" + text
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	completion, err := c.api.Chat.Completions.New(ctx, openaiapi.ChatCompletionNewParams{
		Model: openaiapi.ChatModel(c.model),
		Messages: []openaiapi.ChatCompletionMessageParamUnion{
			openaiapi.SystemMessage(classifyPrompt),
			openaiapi.UserMessage(userContent),
		},
	})
	if err != nil {
		return "", fmt.Errorf("classify intent: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("classify intent returned no choices")
	}

	label := strings.ToLower(strings.TrimSpace(completion.Choices[0].Message.Content))
	switch {
	case strings.Contains(label, string(llm.IntentEditImage)):
		if !hasRecentImages {
			return llm.IntentGenerateImage, nil
		}
		return llm.IntentEditImage, nil
	case strings.Contains(label, string(llm.IntentGenerateImage)):
		return llm.IntentGenerateImage, nil
	default:
		return llm.IntentRespondText, nil
	}
}

func (c *Client) GenerateImage(ctx context.Context, req llm.ImageRequest) (llm.ImageResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return llm.ImageResult{}, fmt.Errorf("missing image prompt")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.imageModel
	}
	params := openaiapi.ImageGenerateParams{
		Prompt: prompt,
		Model:  openaiapi.ImageModel(model),
	}
	if size := strings.TrimSpace(req.Size); size != "" {
		params.Size = openaiapi.ImageGenerateParamsSize(size)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.api.Images.Generate(ctx, params)
	if err != nil {
		return llm.ImageResult{}, fmt.Errorf("generate image: %w", err)
	}
	if len(resp.Data) == 0 {
		return llm.ImageResult{}, fmt.Errorf("image generation returned no data")
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return llm.ImageResult{}, fmt.Errorf("decode image payload: %w", err)
	}
	return llm.ImageResult{
		Data:          raw,
		MimeType:      "image/png",
		RevisedPrompt: resp.Data[0].RevisedPrompt,
	}, nil
}

func buildMessages(msgs []llm.Message) []openaiapi.ChatCompletionMessageParamUnion {
	out := make([]openaiapi.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			out = append(out, openaiapi.SystemMessage(m.Content))
		case "developer":
			out = append(out, openaiapi.DeveloperMessage(m.Content))
		case "assistant":
			out = append(out, openaiapi.AssistantMessage(m.Content))
		default:
			out = append(out, openaiapi.UserMessage(m.Content))
		}
	}
	return out
}
