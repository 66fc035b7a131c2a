package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
)

// DefaultMaxRetries bounds re-prompts when a node does not configure it
const DefaultMaxRetries = 3

// DefaultInvalidMessage is sent ahead of a re-prompt
const DefaultInvalidMessage = "Sorry, I didn't understand that."

func maxRetries(configured int) int {
	if configured > 0 {
		return configured
	}
	return DefaultMaxRetries
}

// FormatOptions renders a prompt followed by one numbered line per option
func FormatOptions(prompt string, options []models.InputOption) string {
	var b strings.Builder
	b.WriteString(prompt)
	for i, opt := range options {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		label := opt.Label
		if label == "" {
			label = opt.Value
		}
		fmt.Fprintf(&b, "%d. %s", i+1, label)
	}
	return b.String()
}

func handleMenu(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.MenuConfig](req.Node)
	if err != nil {
		return failed(err)
	}

	options := make([]models.InputOption, len(cfg.Options))
	for i, opt := range cfg.Options {
		options[i] = models.InputOption{Value: opt.Value, Label: req.Render(opt.Label)}
	}
	prompt := FormatOptions(req.Render(cfg.Prompt), options)

	input := models.InputSpec{
		Kind:           models.InputMenu,
		Options:        options,
		Prompt:         prompt,
		InvalidMessage: req.Render(cfg.InvalidMessage),
		MaxRetries:     maxRetries(cfg.MaxRetries),
		TimeoutClass:   flow.TimeoutMenu,
	}
	return Result{
		Outcome: Suspend{Input: input},
		Intents: []models.Intent{req.Message(prompt)},
	}, nil
}

func handleQuestion(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.QuestionConfig](req.Node)
	if err != nil {
		return failed(err)
	}

	kind := models.InputKind(cfg.InputType)
	if kind == "" {
		kind = models.InputText
	}
	prompt := req.Render(cfg.Prompt)

	input := models.InputSpec{
		Kind:           kind,
		Variable:       cfg.Variable,
		InvalidMessage: req.Render(cfg.InvalidMessage),
		MaxRetries:     maxRetries(cfg.MaxRetries),
		Min:            cfg.Min,
		Max:            cfg.Max,
		Pattern:        cfg.Pattern,
		TimeoutClass:   flow.TimeoutQuestion,
	}
	if kind == models.InputOptions {
		for _, opt := range cfg.Options {
			input.Options = append(input.Options, models.InputOption{Value: opt, Label: opt})
		}
		prompt = FormatOptions(prompt, input.Options)
	}
	input.Prompt = prompt

	return Result{
		Outcome: Suspend{Input: input},
		Intents: []models.Intent{req.Message(prompt)},
	}, nil
}
