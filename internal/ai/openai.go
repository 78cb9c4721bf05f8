package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OpenAIClient talks to any OpenAI-compatible chat/completions API.
type OpenAIClient struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewOpenAI creates a client for an OpenAI-compatible API.
func NewOpenAI(name, baseURL, apiKey string) *OpenAIClient {
	if name == "" {
		name = "openai"
	}
	return &OpenAIClient{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		// Deadlines come from the caller's context, not the transport.
		http: http.DefaultClient,
	}
}

func (c *OpenAIClient) Name() string { return c.name }

// chatCompletionResponse is the subset of the OpenAI response we read.
type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	respBody, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var oaiResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("parse response: %v", err), Provider: c.name}
	}

	var content, finishReason string
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
		finishReason = oaiResp.Choices[0].FinishReason
	}

	return &Response{
		Content:      content,
		Model:        oaiResp.Model,
		InputTokens:  oaiResp.Usage.PromptTokens,
		OutputTokens: oaiResp.Usage.CompletionTokens,
		FinishReason: finishReason,
	}, nil
}

func (c *OpenAIClient) CompleteStream(ctx context.Context, req Request, onChunk func(string)) error {
	body := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   true,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.wrapTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return &ProviderError{
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(errBody)),
			StatusCode: resp.StatusCode,
			Provider:   c.name,
		}
	}

	// SSE-style stream: "data: {json}" lines, terminated by "data: [DONE]".
	// Malformed chunk lines are skipped rather than failing the stream.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onChunk(chunk.Choices[0].Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return c.wrapTransport(err)
	}
	return nil
}

func (c *OpenAIClient) GenerateImage(ctx context.Context, prompt, model string) (string, error) {
	body := map[string]any{
		"prompt": prompt,
		"n":      1,
		"size":   "1024x1024",
	}
	if model != "" {
		body["model"] = model
	}

	respBody, err := c.post(ctx, "/images/generations", body)
	if err != nil {
		return "", err
	}

	var imgResp struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &imgResp); err != nil {
		return "", &ProviderError{Message: fmt.Sprintf("parse image response: %v", err), Provider: c.name}
	}
	if len(imgResp.Data) == 0 || imgResp.Data[0].URL == "" {
		return "", &ProviderError{Message: "no image returned", Provider: c.name}
	}
	return imgResp.Data[0].URL, nil
}

// post sends a JSON request and returns the raw response body, mapping
// HTTP and deadline failures to typed provider errors.
func (c *OpenAIClient) post(ctx context.Context, path string, body map[string]any) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.wrapTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.wrapTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody)),
			StatusCode: resp.StatusCode,
			Provider:   c.name,
		}
	}
	return respBody, nil
}

func (c *OpenAIClient) wrapTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Message: "request timed out", Provider: c.name, Timeout: true}
	}
	return &ProviderError{Message: err.Error(), Provider: c.name}
}
