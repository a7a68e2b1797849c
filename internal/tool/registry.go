package tool

import (
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/homework-grader/constants"
)

// Definition declares one capability before its schemas are compiled.
type Definition struct {
	Name      string
	Version   string
	Args      map[string]any
	Output    map[string]any
	CostUnits int64
	Timeout   time.Duration
	Fallbacks []string
}

// Capability is a compiled registry entry.
type Capability struct {
	Name      string
	Version   string
	CostUnits int64
	Timeout   time.Duration
	Fallbacks []string

	args   *jsonschema.Schema
	output *jsonschema.Schema
}

func (c *Capability) ValidateArgs(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	return validateValue(c.args, args)
}

func (c *Capability) ValidateOutput(payload map[string]any) error {
	return validateValue(c.output, payload)
}

// Registry is the closed set of capabilities the engine may call.
type Registry struct {
	caps map[string]*Capability
}

// DefaultDefinitions lists the built-in capabilities; timeout applies to each.
func DefaultDefinitions(timeout time.Duration) []Definition {
	return []Definition{
		{Name: constants.CapExtractText, Version: "1", Args: ExtractArgsSchema(), Output: ExtractOutputSchema(),
			CostUnits: 40, Timeout: timeout, Fallbacks: []string{constants.CapExtractTextLite}},
		{Name: constants.CapExtractTextLite, Version: "1", Args: ExtractArgsSchema(), Output: ExtractOutputSchema(),
			CostUnits: 5, Timeout: timeout},
		{Name: constants.CapIsolateDiagram, Version: "1", Args: DiagramArgsSchema(), Output: DiagramOutputSchema(),
			CostUnits: 30, Timeout: timeout},
		{Name: constants.CapVerifyAnswer, Version: "1", Args: VerifyArgsSchema(), Output: VerifyOutputSchema(),
			CostUnits: 20, Timeout: timeout, Fallbacks: []string{constants.CapVerifyAnswerLite}},
		{Name: constants.CapVerifyAnswerLite, Version: "1", Args: VerifyArgsSchema(), Output: VerifyOutputSchema(),
			CostUnits: 8, Timeout: timeout},
		{Name: constants.CapDraftNarrative, Version: "1", Args: NarrativeArgsSchema(), Output: NarrativeOutputSchema(),
			CostUnits: 10, Timeout: timeout},
	}
}

// NewRegistry compiles every definition's schemas once.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{caps: make(map[string]*Capability, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("registry: capability without name")
		}
		if _, dup := r.caps[d.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate capability %q", d.Name)
		}
		args, err := compileSchema(d.Name+".args.json", d.Args)
		if err != nil {
			return nil, err
		}
		out, err := compileSchema(d.Name+".output.json", d.Output)
		if err != nil {
			return nil, err
		}
		r.caps[d.Name] = &Capability{
			Name:      d.Name,
			Version:   d.Version,
			CostUnits: d.CostUnits,
			Timeout:   d.Timeout,
			Fallbacks: append([]string(nil), d.Fallbacks...),
			args:      args,
			output:    out,
		}
	}
	for name, c := range r.caps {
		for _, fb := range c.Fallbacks {
			if _, ok := r.caps[fb]; !ok {
				return nil, fmt.Errorf("registry: %s falls back to unknown capability %q", name, fb)
			}
		}
	}
	return r, nil
}

// MustDefaultRegistry panics if the built-in schemas do not compile.
func MustDefaultRegistry(timeout time.Duration) *Registry {
	r, err := NewRegistry(DefaultDefinitions(timeout)...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(name string) (*Capability, bool) {
	c, ok := r.caps[name]
	return c, ok
}

func (r *Registry) Fallbacks(name string) []string {
	if c, ok := r.caps[name]; ok {
		return c.Fallbacks
	}
	return nil
}

// BaseCosts returns the declared cost of each capability.
func (r *Registry) BaseCosts() map[string]int64 {
	out := make(map[string]int64, len(r.caps))
	for name, c := range r.caps {
		out[name] = c.CostUnits
	}
	return out
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
