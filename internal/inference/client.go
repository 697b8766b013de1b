// Package inference issues single annotation calls against the configured
// provider through the active credential slot.
package inference

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/groundtruth/internal/model"
	"github.com/sells-group/groundtruth/internal/resilience"
	"github.com/sells-group/groundtruth/pkg/anthropic"
	"github.com/sells-group/groundtruth/pkg/openai"
)

// Supported provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderDeepSeek  = "deepseek"
	ProviderGemini    = "gemini"
)

// ErrUnknownProvider is returned by NewDialer for unsupported providers.
var ErrUnknownProvider = eris.New("inference: unknown provider")

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	System      string
	User        []string
	MaxTokens   int
	Temperature float64
	JSONObject  bool
}

// Response is a provider-neutral completion response.
type Response struct {
	Text            string
	InputTokens     int
	OutputTokens    int
	CacheReadTokens int
}

// Client is one authenticated provider connection.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Dialer builds a Client for a credential slot.
type Dialer func(slot model.CredentialSlot) (Client, error)

// NewDialer returns a Dialer for the named provider. A non-empty baseURL
// overrides the provider's default endpoint.
func NewDialer(provider, baseURL string) (Dialer, error) {
	switch strings.ToLower(provider) {
	case ProviderAnthropic:
		return func(slot model.CredentialSlot) (Client, error) {
			return &anthropicClient{client: anthropic.NewClient(slot.Key, baseURL)}, nil
		}, nil
	case ProviderOpenAI, ProviderDeepSeek, ProviderGemini:
		url := baseURL
		if url == "" {
			url = openai.BaseURLFor(provider)
		}
		return func(slot model.CredentialSlot) (Client, error) {
			return &openaiClient{client: openai.NewClient(slot.Key, url)}, nil
		}, nil
	default:
		return nil, eris.Wrapf(ErrUnknownProvider, "provider %q", provider)
	}
}

// anthropicClient adapts pkg/anthropic to Client.
type anthropicClient struct {
	client anthropic.Client
}

func (a *anthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]anthropic.Message, len(req.User))
	for i, u := range req.User {
		msgs[i] = anthropic.Message{Role: "user", Content: u}
	}
	params := anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   int64(req.MaxTokens),
		Messages:    msgs,
		Temperature: &req.Temperature,
	}
	if req.System != "" {
		// The system prompt repeats across every call of a run.
		params.System = []anthropic.SystemBlock{{Text: req.System, Cache: true}}
	}

	resp, err := a.client.CreateMessage(ctx, params)
	if err != nil {
		return nil, withStatus(err, anthropic.StatusCode(err))
	}
	return &Response{
		Text:            resp.Text(),
		InputTokens:     int(resp.Usage.InputTokens),
		OutputTokens:    int(resp.Usage.OutputTokens),
		CacheReadTokens: int(resp.Usage.CacheReadInputTokens),
	}, nil
}

// openaiClient adapts pkg/openai to Client.
type openaiClient struct {
	client openai.Client
}

func (o *openaiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := o.client.Complete(ctx, openai.ChatRequest{
		Model:       req.Model,
		System:      req.System,
		User:        req.User,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		JSONObject:  req.JSONObject,
	})
	if err != nil {
		return nil, withStatus(err, openai.StatusCode(err))
	}
	return &Response{
		Text:         resp.Text,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

func withStatus(err error, code int) error {
	if code == 0 {
		return err
	}
	return resilience.WithStatus(err, code)
}
