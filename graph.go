package workflow

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// EndStep is the reserved destination name that terminates a run.
const EndStep = "__end__"

// GraphOptions are used to configure a graph.
type GraphOptions struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []*Step `json:"steps" yaml:"steps"`

	// Handlers resolves Step.Handler names; Routers resolves
	// Step.RouterName names. Only needed for steps declared by name.
	Handlers map[string]StepFunc   `json:"-" yaml:"-"`
	Routers  map[string]RouterFunc `json:"-" yaml:"-"`
}

// Graph defines a proposal workflow as named steps with fixed and
// conditional edges. Execution starts at the first step and follows edges
// until a terminal step, an interrupt, or an unrecoverable error.
type Graph struct {
	name        string
	description string
	steps       []*Step
	stepsByName map[string]*Step
	start       *Step
}

// NewGraph builds and validates a graph.
func NewGraph(opts GraphOptions) (*Graph, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("graph name required")
	}
	if len(opts.Steps) == 0 {
		return nil, fmt.Errorf("steps required")
	}

	stepsByName := make(map[string]*Step, len(opts.Steps))
	for _, step := range opts.Steps {
		if step.Name == "" {
			return nil, fmt.Errorf("step name required")
		}
		if step.Name == EndStep {
			return nil, fmt.Errorf("step name %q is reserved", EndStep)
		}
		if _, exists := stepsByName[step.Name]; exists {
			return nil, fmt.Errorf("duplicate step %q", step.Name)
		}
		stepsByName[step.Name] = step
	}

	for _, step := range opts.Steps {
		if err := resolveStep(step, opts, stepsByName); err != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
	}

	return &Graph{
		name:        opts.Name,
		description: opts.Description,
		steps:       opts.Steps,
		stepsByName: stepsByName,
		start:       opts.Steps[0],
	}, nil
}

func resolveStep(step *Step, opts GraphOptions, stepsByName map[string]*Step) error {
	if step.Func == nil {
		if step.Handler == "" {
			return fmt.Errorf("handler required")
		}
		fn, ok := opts.Handlers[step.Handler]
		if !ok {
			return fmt.Errorf("handler %q not registered", step.Handler)
		}
		step.Func = fn
	}
	if step.Router == nil && step.RouterName != "" {
		router, ok := opts.Routers[step.RouterName]
		if !ok {
			return fmt.Errorf("router %q not registered", step.RouterName)
		}
		step.Router = router
	}
	if step.Router != nil && len(step.Destinations) == 0 {
		return fmt.Errorf("router requires declared destinations")
	}
	for _, dest := range step.Destinations {
		if dest == EndStep {
			continue
		}
		if _, ok := stepsByName[dest]; !ok {
			return fmt.Errorf("destination %q not found", dest)
		}
	}
	for _, edge := range step.Next {
		if edge.Step == EndStep {
			continue
		}
		if _, ok := stepsByName[edge.Step]; !ok {
			return fmt.Errorf("edge to step %q not found", edge.Step)
		}
	}
	return nil
}

// Name returns the graph name.
func (g *Graph) Name() string {
	return g.name
}

// Description returns the graph description.
func (g *Graph) Description() string {
	return g.description
}

// Start returns the entry step.
func (g *Graph) Start() *Step {
	return g.start
}

// Steps returns all steps.
func (g *Graph) Steps() []*Step {
	return g.steps
}

// GetStep returns a step by name.
func (g *Graph) GetStep(name string) (*Step, bool) {
	step, ok := g.stepsByName[name]
	return step, ok
}

// StepNames returns the sorted names of all steps.
func (g *Graph) StepNames() []string {
	names := make([]string, 0, len(g.stepsByName))
	for name := range g.stepsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile loads a graph definition from a YAML file, binding handlers and
// routers from the supplied registries.
func LoadFile(path string, handlers map[string]StepFunc, routers map[string]RouterFunc) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return LoadString(string(data), handlers, routers)
}

// LoadString loads a graph definition from a YAML document.
func LoadString(data string, handlers map[string]StepFunc, routers map[string]RouterFunc) (*Graph, error) {
	var opts GraphOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph definition: %w", err)
	}
	opts.Handlers = handlers
	opts.Routers = routers
	return NewGraph(opts)
}
