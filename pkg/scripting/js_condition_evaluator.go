package scripting

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/patrickmn/go-cache"
)

// DefaultTimeout bounds the evaluation of a single condition
const DefaultTimeout = 100 * time.Millisecond

var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// JSConditionEvaluator evaluates conditions with goja, caching compiled programs
type JSConditionEvaluator struct {
	programs *cache.Cache
	timeout  time.Duration
}

// NewJSConditionEvaluator creates a new JSConditionEvaluator
func NewJSConditionEvaluator() *JSConditionEvaluator {
	return &JSConditionEvaluator{
		programs: cache.New(30*time.Minute, 10*time.Minute),
		timeout:  DefaultTimeout,
	}
}

// WithTimeout sets the per-evaluation timeout
func (e *JSConditionEvaluator) WithTimeout(timeout time.Duration) *JSConditionEvaluator {
	e.timeout = timeout
	return e
}

// Compile checks that an expression is syntactically valid
func (e *JSConditionEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate runs an expression against the variables and returns its truthiness.
// Variables are reachable both as vars.name and, when the key is a valid
// identifier, as a bare name.
func (e *JSConditionEvaluator) Evaluate(expression string, vars map[string]any) (bool, error) {
	prog, err := e.program(expression)
	if err != nil {
		return false, err
	}

	vm := goja.New()
	if vars == nil {
		vars = map[string]any{}
	}
	if err := vm.Set("vars", vars); err != nil {
		return false, fmt.Errorf("failed to bind vars: %w", err)
	}
	for key, value := range vars {
		if key == "vars" || !identifierPattern.MatchString(key) {
			continue
		}
		if err := vm.Set(key, value); err != nil {
			return false, fmt.Errorf("failed to bind variable %s: %w", key, err)
		}
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("condition timed out")
	})
	defer timer.Stop()

	result, err := vm.RunProgram(prog)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition '%s': %w", expression, err)
	}
	return result.ToBoolean(), nil
}

func (e *JSConditionEvaluator) program(expression string) (*goja.Program, error) {
	src := unwrap(expression)
	if src == "" {
		return nil, fmt.Errorf("empty condition")
	}
	if cached, ok := e.programs.Get(src); ok {
		return cached.(*goja.Program), nil
	}
	prog, err := goja.Compile("condition", "("+src+")", true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition '%s': %w", src, err)
	}
	e.programs.Set(src, prog, cache.DefaultExpiration)
	return prog, nil
}

// unwrap accepts both "${expr}" and bare "expr"
func unwrap(expression string) string {
	s := strings.TrimSpace(expression)
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		s = strings.TrimSpace(s[2 : len(s)-1])
	}
	return s
}
