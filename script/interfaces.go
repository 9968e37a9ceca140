// Package script evaluates edge-condition expressions against workflow
// state.
package script

import (
	"context"
)

// Value represents the result of a script evaluation.
type Value interface {

	// Value returns the Go value for this value as an any
	Value() any

	// String returns the string representation of this value
	String() string

	// IsTruthy returns true if this value is truthy
	IsTruthy() bool
}

// Script represents a compiled script that can be evaluated.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler is an interface used to compile source code into a Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}

// EvalCondition compiles and evaluates a boolean expression. The expression
// sees the provided globals (the executor passes the post-merge state as
// "state").
func EvalCondition(ctx context.Context, compiler Compiler, code string, globals map[string]any) (bool, error) {
	compiled, err := compiler.Compile(ctx, code)
	if err != nil {
		return false, err
	}
	value, err := compiled.Evaluate(ctx, globals)
	if err != nil {
		return false, err
	}
	return value.IsTruthy(), nil
}
