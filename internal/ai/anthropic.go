package ai

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient talks to Anthropic-format APIs through the official
// SDK. Works against api.anthropic.com and compatible endpoints.
type AnthropicClient struct {
	client *anthropic.Client
	name   string
}

// NewAnthropic creates a client for an Anthropic-format API. baseURL
// may be empty for the default endpoint.
func NewAnthropic(name, baseURL, apiKey string) *AnthropicClient {
	opts := []option.RequestOption{}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)

	if name == "" {
		name = "anthropic"
	}
	return &AnthropicClient{client: &client, name: name}
}

func (c *AnthropicClient) Name() string { return c.name }

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	// Anthropic takes the system prompt out of band.
	var system string
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	// Streaming keeps the connection alive on long generations; chunks
	// are accumulated and returned as one response.
	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return nil, &ProviderError{Message: "stream accumulate: " + err.Error(), Provider: c.name}
		}
	}
	if err := stream.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ProviderError{Message: "request timed out", Provider: c.name, Timeout: true}
		}
		return nil, &ProviderError{Message: err.Error(), Provider: c.name}
	}

	var content string
	for _, block := range message.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += textBlock.Text
		}
	}

	return &Response{
		Content:      content,
		Model:        string(message.Model),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		FinishReason: string(message.StopReason),
	}, nil
}

// CompleteStream delivers the reply as a single chunk. The SDK call
// itself streams internally; incremental delivery is only wired for
// the OpenAI format.
func (c *AnthropicClient) CompleteStream(ctx context.Context, req Request, onChunk func(string)) error {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}
	if resp.Content != "" {
		onChunk(resp.Content)
	}
	return nil
}

// GenerateImage is not part of the Anthropic API surface.
func (c *AnthropicClient) GenerateImage(ctx context.Context, prompt, model string) (string, error) {
	return "", &ProviderError{Message: "image generation not supported", Provider: c.name}
}
