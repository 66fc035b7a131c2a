package connectors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tcmartin/convoflow/pkg/nodes"
	"github.com/tcmartin/convoflow/pkg/utils"
)

// Assistant answers aiAssistant nodes through an LLM provider
type Assistant struct {
	client       *utils.LLMClient
	defaultModel string
	temperature  float64
	maxTokens    int
}

// AssistantConfig configures an Assistant
type AssistantConfig struct {
	Provider     utils.LLMProvider
	APIKey       string
	BaseURL      string
	DefaultModel string
	Temperature  float64
	MaxTokens    int
}

// NewAssistant creates an assistant on the given provider
func NewAssistant(config AssistantConfig, httpClient *utils.HTTPClient) (*Assistant, error) {
	if config.APIKey == "" {
		return nil, errors.New("AI API key is required")
	}
	provider := config.Provider
	if provider == "" {
		provider = utils.OpenAI
	}
	client := utils.NewLLMClient(provider, config.APIKey, utils.LLMClientOptions{
		BaseURL:    config.BaseURL,
		HTTPClient: httpClient,
	})
	return &Assistant{
		client:       client,
		defaultModel: config.DefaultModel,
		temperature:  config.Temperature,
		maxTokens:    config.MaxTokens,
	}, nil
}

// Complete implements nodes.AIClient
func (a *Assistant) Complete(ctx context.Context, req nodes.AIRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	if model == "" {
		return "", errors.New("no AI model configured")
	}

	messages := make([]utils.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, utils.Message{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, utils.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := a.client.Complete(ctx, utils.LLMRequest{
		Model:       model,
		Messages:    messages,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to complete conversation for tenant %s: %w", req.TenantID, err)
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", errors.New("assistant returned an empty answer")
	}
	return answer, nil
}
