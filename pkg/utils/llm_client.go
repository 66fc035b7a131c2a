package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LLMProvider represents the type of LLM provider
type LLMProvider string

const (
	// OpenAI provider, also used for OpenAI-compatible endpoints
	OpenAI LLMProvider = "openai"
	// Anthropic provider
	Anthropic LLMProvider = "anthropic"
)

// DefaultLLMTimeout bounds a single completion call
const DefaultLLMTimeout = 60 * time.Second

// LLMClient talks to a chat completion API
type LLMClient struct {
	httpClient *HTTPClient
	provider   LLMProvider
	apiKey     string
	baseURL    string
	timeout    time.Duration
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMRequest represents a request to an LLM
type LLMRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// LLMResponse is the provider independent completion result
type LLMResponse struct {
	Model        string `json:"model,omitempty"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	TotalTokens  int    `json:"total_tokens,omitempty"`
}

// LLMClientOptions configures an LLMClient
type LLMClientOptions struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *HTTPClient
}

// NewLLMClient creates a new LLM client
func NewLLMClient(provider LLMProvider, apiKey string, options LLMClientOptions) *LLMClient {
	client := &LLMClient{
		httpClient: options.HTTPClient,
		provider:   provider,
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(options.BaseURL, "/"),
		timeout:    options.Timeout,
	}
	if client.httpClient == nil {
		client.httpClient = NewHTTPClient()
	}
	if client.timeout <= 0 {
		client.timeout = DefaultLLMTimeout
	}
	if client.baseURL == "" {
		switch provider {
		case Anthropic:
			client.baseURL = "https://api.anthropic.com/v1"
		default:
			client.baseURL = "https://api.openai.com/v1"
		}
	}
	return client
}

// Complete sends a completion request to the LLM
func (c *LLMClient) Complete(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	switch c.provider {
	case OpenAI:
		return c.completeOpenAI(ctx, request)
	case Anthropic:
		return c.completeAnthropic(ctx, request)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", c.provider)
	}
}

func (c *LLMClient) completeOpenAI(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	resp, err := c.httpClient.Do(ctx, &HTTPRequest{
		URL:    c.baseURL + "/chat/completions",
		Method: "POST",
		Body:   request,
		Headers: map[string]string{
			"Authorization": "Bearer " + c.apiKey,
		},
		Timeout: c.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI API request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("OpenAI API error (status %d): %s", resp.StatusCode, string(resp.RawBody))
	}

	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(resp.RawBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse OpenAI response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("OpenAI response has no choices")
	}
	return &LLMResponse{
		Model:        parsed.Model,
		Content:      parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		TotalTokens:  parsed.Usage.TotalTokens,
	}, nil
}

func (c *LLMClient) completeAnthropic(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	var systemPrompt string
	var messages []Message
	for _, msg := range request.Messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content
			continue
		}
		messages = append(messages, msg)
	}

	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body := map[string]interface{}{
		"model":      request.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if systemPrompt != "" {
		body["system"] = systemPrompt
	}
	if request.Temperature > 0 {
		body["temperature"] = request.Temperature
	}

	resp, err := c.httpClient.Do(ctx, &HTTPRequest{
		URL:    c.baseURL + "/messages",
		Method: "POST",
		Body:   body,
		Headers: map[string]string{
			"x-api-key":         c.apiKey,
			"anthropic-version": "2023-06-01",
		},
		Timeout: c.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("Anthropic API request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("Anthropic API error (status %d): %s", resp.StatusCode, string(resp.RawBody))
	}

	var parsed struct {
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(resp.RawBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse Anthropic response: %w", err)
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content = block.Text
			break
		}
	}
	return &LLMResponse{
		Model:        parsed.Model,
		Content:      content,
		FinishReason: parsed.StopReason,
		TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
	}, nil
}
