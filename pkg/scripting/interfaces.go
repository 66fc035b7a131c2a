// Package scripting evaluates JavaScript edge conditions against execution variables.
package scripting

// ConditionEvaluator decides whether a guarded edge may be taken
type ConditionEvaluator interface {
	// Compile checks that an expression is syntactically valid
	Compile(expression string) error

	// Evaluate runs an expression against the variables and returns its truthiness
	Evaluate(expression string, vars map[string]any) (bool, error)
}
