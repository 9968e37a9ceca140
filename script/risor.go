package script

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorCompiler compiles Risor expressions with a fixed set of global
// names established at construction time.
type RisorCompiler struct {
	globals map[string]any
}

// NewRisorCompiler creates a compiler whose scripts may reference the given
// globals. Per-evaluation globals override these.
func NewRisorCompiler(globals map[string]any) *RisorCompiler {
	if globals == nil {
		globals = map[string]any{}
	}
	return &RisorCompiler{globals: globals}
}

// DefaultGlobals returns the globals available to edge conditions. The
// executor always supplies "state" at evaluation time.
func DefaultGlobals() map[string]any {
	return map[string]any{"state": map[string]any{}}
}

func (c *RisorCompiler) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	var globalNames []string
	for name := range c.globals {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)

	compiledCode, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &RisorScript{compiler: c, code: compiledCode}, nil
}

// RisorScript is a compiled Risor expression.
type RisorScript struct {
	compiler *RisorCompiler
	code     *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.compiler.globals)+len(globals))
	for name, value := range s.compiler.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	result, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate condition: %w", err)
	}
	return &RisorValue{obj: result}, nil
}

// RisorValue wraps a Risor object as a script Value.
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	switch o := v.obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.List:
		var result []any
		for _, item := range o.Value() {
			result = append(result, (&RisorValue{obj: item}).Value())
		}
		return result
	case *object.Map:
		result := make(map[string]any)
		for key, item := range o.Value() {
			result[key] = (&RisorValue{obj: item}).Value()
		}
		return result
	default:
		return o.Inspect()
	}
}

func (v *RisorValue) IsTruthy() bool {
	switch o := v.obj.(type) {
	case *object.Bool:
		return o.Value()
	case *object.Int:
		return o.Value() != 0
	case *object.Float:
		return o.Value() != 0.0
	case *object.String:
		value := o.Value()
		return value != "" && strings.ToLower(value) != "false"
	case *object.List:
		return len(o.Value()) > 0
	case *object.Map:
		return len(o.Value()) > 0
	default:
		return o.IsTruthy()
	}
}

func (v *RisorValue) String() string {
	switch o := v.obj.(type) {
	case *object.String:
		return o.Value()
	case *object.NilType:
		return ""
	default:
		return o.Inspect()
	}
}
