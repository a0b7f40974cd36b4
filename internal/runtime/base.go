package runtime

import (
	"fmt"
	"slices"
)

// Runtime defines how to execute a submission for a specific language.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python").
	Name() string

	// Image returns the container image reference for this runtime.
	Image() string

	// Binary returns the interpreter executable.
	Binary() string

	// Command returns the interpreter invocation for the given script
	// arguments. The first argument is the entry script.
	Command(args ...string) []string

	// FileName returns the name the submission is written under.
	FileName() string
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with the supported runtimes.
func NewRegistry(rts ...Runtime) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	if len(rts) == 0 {
		rts = []Runtime{NewPython("", "")}
	}
	for _, rt := range rts {
		r.Register(rt)
	}
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language. An empty language
// selects python.
func (r *Registry) Get(language string) (Runtime, error) {
	if language == "" {
		language = "python"
	}
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %v)", language, r.Languages())
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	slices.Sort(langs)
	return langs
}
