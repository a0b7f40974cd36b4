package analyzer

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed denylist.yaml
var defaultTableYAML []byte

// ErrInvalidTable is returned when a denylist table fails validation.
var ErrInvalidTable = errors.New("invalid denylist table")

// RuleKind selects which syntax construct a rule applies to.
type RuleKind string

const (
	RuleModule    RuleKind = "module"
	RuleCall      RuleKind = "call"
	RuleAttribute RuleKind = "attribute"
	RuleName      RuleKind = "name"
)

// Action is the policy applied when a rule matches.
type Action string

const (
	ActionBlock          Action = "block"
	ActionBlockReference Action = "block_reference"
)

// Rule maps one identifier to its policy.
type Rule struct {
	Name     string   `yaml:"name" json:"name"`
	Kind     RuleKind `yaml:"kind" json:"kind"`
	Action   Action   `yaml:"action,omitempty" json:"action,omitempty"`
	Category string   `yaml:"category" json:"category"`
	Reason   string   `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Table is a closed, versioned set of rules indexed by kind and name.
type Table struct {
	Version int    `yaml:"version"`
	Entries []Rule `yaml:"entries"`

	index map[RuleKind]map[string]Rule
}

// DefaultTable returns the embedded table.
func DefaultTable() *Table {
	t, err := ParseTable(defaultTableYAML)
	if err != nil {
		panic(fmt.Sprintf("analyzer: embedded denylist: %v", err))
	}
	return t
}

// LoadTable reads a table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading denylist: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes and validates a YAML table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing denylist: %w", err)
	}
	if err := t.build(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) build() error {
	if t.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1, got %d", ErrInvalidTable, t.Version)
	}

	t.index = make(map[RuleKind]map[string]Rule)
	for i, r := range t.Entries {
		if r.Name == "" {
			return fmt.Errorf("%w: entry %d has no name", ErrInvalidTable, i)
		}
		switch r.Kind {
		case RuleModule, RuleCall, RuleAttribute, RuleName:
		default:
			return fmt.Errorf("%w: entry %q has unknown kind %q", ErrInvalidTable, r.Name, r.Kind)
		}
		switch r.Action {
		case "":
			r.Action = ActionBlock
		case ActionBlock, ActionBlockReference:
		default:
			return fmt.Errorf("%w: entry %q has unknown action %q", ErrInvalidTable, r.Name, r.Action)
		}
		if r.Category == "" {
			r.Category = "uncategorized"
		}

		byName, ok := t.index[r.Kind]
		if !ok {
			byName = make(map[string]Rule)
			t.index[r.Kind] = byName
		}
		if _, dup := byName[r.Name]; dup {
			return fmt.Errorf("%w: duplicate %s entry %q", ErrInvalidTable, r.Kind, r.Name)
		}
		byName[r.Name] = r
		t.Entries[i] = r
	}
	return nil
}

// Lookup returns the rule for name under kind.
func (t *Table) Lookup(kind RuleKind, name string) (Rule, bool) {
	r, ok := t.index[kind][name]
	return r, ok
}

// referenced reports whether a bare identifier is forbidden wherever it
// appears, not only as a callee.
func (t *Table) referenced(name string) (Rule, bool) {
	if r, ok := t.index[RuleName][name]; ok {
		return r, true
	}
	if r, ok := t.index[RuleCall][name]; ok && r.Action == ActionBlockReference {
		return r, true
	}
	return Rule{}, false
}

// Names lists the identifiers of one kind, for reporting.
func (t *Table) Names(kind RuleKind) []string {
	var out []string
	for _, r := range t.Entries {
		if r.Kind == kind {
			out = append(out, r.Name)
		}
	}
	return out
}
