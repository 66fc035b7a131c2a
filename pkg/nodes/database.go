package nodes

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/utils"
)

// wholeVariable matches a parameter that is a single placeholder, which is
// bound with its raw value instead of its rendered text
var wholeVariable = regexp.MustCompile(`^\{\{\s*([A-Za-z0-9_.\[\]]+)\s*\}\}$`)

// DatabaseHandler executes the database node type
type DatabaseHandler struct {
	runner QueryRunner
}

// NewDatabaseHandler creates a handler running queries through runner
func NewDatabaseHandler(runner QueryRunner) *DatabaseHandler {
	return &DatabaseHandler{runner: runner}
}

// Handle implements Handler
func (h *DatabaseHandler) Handle(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.DatabaseConfig](req.Node)
	if err != nil {
		return failed(err)
	}
	if h.runner == nil {
		return failed(errors.New("no query runner configured"))
	}

	mode := cfg.Mode
	if mode == "" {
		mode = flow.QueryOne
	}
	args := bindParams(req, cfg.Params)

	var result interface{}
	err = withRetries(ctx, cfg.Retries, func() error {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout(cfg.TimeoutSeconds))
		defer cancel()

		r, err := h.runner.Query(callCtx, req.Execution.TenantID, cfg.Connection, mode, cfg.Query, args...)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return Result{Outcome: Fail{Err: fmt.Errorf("query failed: %w", err), Branch: flow.LabelError}}, nil
	}

	branch := BranchSuccess
	if isEmptyResult(mode, result) {
		branch = BranchEmpty
	}

	var updates *models.Variables
	if cfg.ResultVariable != "" {
		updates = models.NewVariables(nil)
		updates.Set(cfg.ResultVariable, result)
	}
	return Result{Outcome: Continue{Branch: branch, Updates: updates}}, nil
}

func bindParams(req Request, params []string) []interface{} {
	args := make([]interface{}, len(params))
	vars := req.Vars()
	for i, p := range params {
		if m := wholeVariable.FindStringSubmatch(strings.TrimSpace(p)); m != nil {
			args[i] = utils.GetNestedValue(vars, m[1])
			continue
		}
		args[i] = req.Render(p)
	}
	return args
}

func isEmptyResult(mode string, result interface{}) bool {
	switch mode {
	case flow.QueryOne:
		if result == nil {
			return true
		}
		m, ok := result.(map[string]interface{})
		return ok && m == nil
	case flow.QueryMany:
		switch rows := result.(type) {
		case nil:
			return true
		case []map[string]interface{}:
			return len(rows) == 0
		case []interface{}:
			return len(rows) == 0
		}
	}
	return false
}
