package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
)

// Assistant branches
const (
	BranchExit     = "exit"
	BranchMaxTurns = "max_turns"
)

// DefaultMaxTurns bounds a conversational assistant that does not configure it
const DefaultMaxTurns = 10

const (
	stateTurns      = "turns"
	stateTranscript = "transcript"
)

// AIAssistantHandler executes the aiAssistant node type
type AIAssistantHandler struct {
	client       AIClient
	defaultModel string
}

// NewAIAssistantHandler creates a handler answering through client
func NewAIAssistantHandler(client AIClient, defaultModel string) *AIAssistantHandler {
	return &AIAssistantHandler{client: client, defaultModel: defaultModel}
}

// Handle implements Handler
func (h *AIAssistantHandler) Handle(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.AIAssistantConfig](req.Node)
	if err != nil {
		return failed(err)
	}
	if h.client == nil {
		return failed(errors.New("no AI client configured"))
	}

	transcript := transcriptFrom(req.State)
	turns := intFrom(req.State[stateTurns])

	if req.Reply != nil {
		if isExitKeyword(req.Reply.Body, cfg.ExitKeywords) {
			return Result{Outcome: Continue{Branch: BranchExit}}, nil
		}
		transcript = append(transcript, AIMessage{Role: "user", Content: req.Reply.Body})
	} else if cfg.Prompt != "" {
		transcript = append(transcript, AIMessage{Role: "user", Content: req.Render(cfg.Prompt)})
	}

	model := cfg.Model
	if model == "" {
		model = h.defaultModel
	}
	answer, err := h.client.Complete(ctx, AIRequest{
		TenantID:     req.Execution.TenantID,
		Model:        model,
		SystemPrompt: req.Render(cfg.SystemPrompt),
		Messages:     transcript,
	})
	if err != nil {
		return Result{Outcome: Fail{Err: fmt.Errorf("assistant failed: %w", err), Branch: flow.LabelError}}, nil
	}
	transcript = append(transcript, AIMessage{Role: "assistant", Content: answer})
	intents := []models.Intent{req.Message(answer)}

	var updates *models.Variables
	if cfg.ResponseVariable != "" {
		updates = models.NewVariables(nil)
		updates.Set(cfg.ResponseVariable, answer)
	}

	if !cfg.Conversational {
		return Result{Outcome: Continue{Updates: updates}, Intents: intents}, nil
	}

	if req.Reply != nil {
		turns++
	}
	limit := cfg.MaxTurns
	if limit == 0 {
		limit = DefaultMaxTurns
	}
	if turns >= limit {
		return Result{Outcome: Continue{Branch: BranchMaxTurns, Updates: updates}, Intents: intents}, nil
	}

	input := models.InputSpec{
		Kind:         models.InputText,
		Prompt:       answer,
		MaxRetries:   DefaultMaxRetries,
		Reenter:      true,
		TimeoutClass: flow.TimeoutQuestion,
		State: map[string]interface{}{
			stateTurns:      turns,
			stateTranscript: transcriptState(transcript),
		},
	}
	return Result{Outcome: Suspend{Input: input, Updates: updates}, Intents: intents}, nil
}

func isExitKeyword(body string, keywords []string) bool {
	body = strings.TrimSpace(body)
	for _, k := range keywords {
		if strings.EqualFold(body, strings.TrimSpace(k)) {
			return true
		}
	}
	return false
}

// transcriptFrom reads the transcript back from suspended state, which may
// have been round-tripped through JSON
func transcriptFrom(state map[string]interface{}) []AIMessage {
	raw, _ := state[stateTranscript].([]interface{})
	out := make([]AIMessage, 0, len(raw)+2)
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		out = append(out, AIMessage{Role: role, Content: content})
	}
	return out
}

func transcriptState(transcript []AIMessage) []interface{} {
	out := make([]interface{}, len(transcript))
	for i, m := range transcript {
		out[i] = map[string]interface{}{"role": m.Role, "content": m.Content}
	}
	return out
}

func intFrom(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
