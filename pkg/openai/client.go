// Package openai wraps the chat completions API of OpenAI and the providers
// that expose an OpenAI-compatible endpoint (DeepSeek, Gemini).
package openai

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	goopenai "github.com/sashabaranov/go-openai"
)

// Known OpenAI-compatible base URLs.
const (
	DeepSeekBaseURL = "https://api.deepseek.com/v1"
	GeminiBaseURL   = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// BaseURLFor returns the default endpoint for a provider name, or "" for
// the library default (api.openai.com).
func BaseURLFor(provider string) string {
	switch strings.ToLower(provider) {
	case "deepseek":
		return DeepSeekBaseURL
	case "gemini":
		return GeminiBaseURL
	default:
		return ""
	}
}

// Client defines the chat completion operation used for annotation calls.
type Client interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is our own request type.
type ChatRequest struct {
	Model       string
	System      string
	User        []string
	MaxTokens   int
	Temperature float32
	// JSONObject asks the provider for a JSON object response.
	JSONObject bool
}

// ChatResponse is our own response type.
type ChatResponse struct {
	ID           string
	Model        string
	Text         string
	FinishReason string
	InputTokens  int
	OutputTokens int
}

type sdkClient struct {
	client *goopenai.Client
}

// NewClient creates a client for apiKey. An empty baseURL uses the OpenAI
// default endpoint.
func NewClient(apiKey, baseURL string) Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &sdkClient{client: goopenai.NewClientWithConfig(cfg)}
}

func (c *sdkClient) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.User)+1)
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, u := range req.User {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleUser,
			Content: u,
		})
	}

	params := goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSONObject {
		params.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "openai: create chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("openai: response has no choices")
	}

	return &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Text:         resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// StatusCode returns the HTTP status of an API or transport error, or 0.
func StatusCode(err error) int {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
