// Package scenario holds a catalog of escape attempts, safe programs and
// resource exhaustion cases with the outcome each must produce.
package scenario

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"code-sandbox/internal/analyzer"
	"code-sandbox/internal/pipeline"
	"code-sandbox/internal/sandbox"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

var ErrInvalidCatalog = errors.New("invalid scenario catalog")

// Categories.
const (
	CategoryEscape   = "escape"
	CategorySafe     = "safe"
	CategoryResource = "resource"
)

type Catalog struct {
	Version   int        `yaml:"version"`
	Scenarios []Scenario `yaml:"scenarios"`
}

type Scenario struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Category    string  `yaml:"category"`
	Description string  `yaml:"description"`
	Source      string  `yaml:"source"`
	Limits      *Limits `yaml:"limits,omitempty"`
	Expect      Expect  `yaml:"expect"`
}

// Limits override the default execution policy for one scenario.
type Limits struct {
	CPUSeconds    int64         `yaml:"cpu_seconds"`
	MemoryBytes   int64         `yaml:"memory_bytes"`
	FileSizeBytes int64         `yaml:"file_size_bytes"`
	MaxProcesses  int64         `yaml:"max_processes"`
	WallTimeout   time.Duration `yaml:"wall_timeout"`
}

// Expect is what a correct sandbox produces. Empty fields are not checked;
// Limits accepts any of the listed kinds.
type Expect struct {
	Verdict        string   `yaml:"verdict"`
	Outcome        string   `yaml:"outcome,omitempty"`
	Limits         []string `yaml:"limits,omitempty"`
	StdoutContains string   `yaml:"stdout_contains,omitempty"`
	StderrContains string   `yaml:"stderr_contains,omitempty"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded scenario catalog: %v", err))
	}
	return c
}

// Load reads a catalog from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading scenario catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var verdicts = []string{
	string(analyzer.VerdictSafe),
	string(analyzer.VerdictBlocked),
	string(analyzer.VerdictSyntaxInvalid),
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool, len(c.Scenarios))
	for i, s := range c.Scenarios {
		switch {
		case s.ID == "":
			return fmt.Errorf("%w: scenario %d has no id", ErrInvalidCatalog, i)
		case seen[s.ID]:
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidCatalog, s.ID)
		case strings.TrimSpace(s.Source) == "":
			return fmt.Errorf("%w: %s: empty source", ErrInvalidCatalog, s.ID)
		case !slices.Contains(verdicts, s.Expect.Verdict):
			return fmt.Errorf("%w: %s: unknown verdict %q", ErrInvalidCatalog, s.ID, s.Expect.Verdict)
		case s.Expect.Verdict != string(analyzer.VerdictSafe) && (s.Expect.Outcome != "" || len(s.Expect.Limits) > 0):
			return fmt.Errorf("%w: %s: only safe scenarios can expect an execution outcome", ErrInvalidCatalog, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Get returns the scenario with id.
func (c *Catalog) Get(id string) (Scenario, bool) {
	for _, s := range c.Scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

// ByCategory returns the scenarios of one category in catalog order.
func (c *Catalog) ByCategory(category string) []Scenario {
	var out []Scenario
	for _, s := range c.Scenarios {
		if s.Category == category {
			out = append(out, s)
		}
	}
	return out
}

// Submission builds the pipeline input for s.
func (s Scenario) Submission() pipeline.Submission {
	sub := pipeline.Submission{Source: s.Source}
	if l := s.Limits; l != nil {
		sub.Policy = &sandbox.ExecutionPolicy{
			CPUSeconds:    l.CPUSeconds,
			MemoryBytes:   l.MemoryBytes,
			FileSizeBytes: l.FileSizeBytes,
			MaxProcesses:  l.MaxProcesses,
			WallTimeout:   l.WallTimeout,
		}
	}
	return sub
}

// Check compares an outcome with the expectation and lists every mismatch.
func (s Scenario) Check(out *pipeline.Outcome) []string {
	var miss []string
	if got := string(out.Verdict.Kind); got != s.Expect.Verdict {
		miss = append(miss, fmt.Sprintf("verdict %s, want %s", got, s.Expect.Verdict))
	}

	r := out.Result
	if s.Expect.Verdict != string(analyzer.VerdictSafe) {
		if r != nil {
			miss = append(miss, "rejected source was executed")
		}
		return miss
	}
	if r == nil {
		return append(miss, "no execution result")
	}

	if s.Expect.Outcome != "" && string(r.Outcome) != s.Expect.Outcome {
		miss = append(miss, fmt.Sprintf("outcome %s, want %s", r.Outcome, s.Expect.Outcome))
	}
	if len(s.Expect.Limits) > 0 && !slices.Contains(s.Expect.Limits, string(r.Limit)) {
		miss = append(miss, fmt.Sprintf("limit %q, want one of %v", r.Limit, s.Expect.Limits))
	}
	if s.Expect.StdoutContains != "" && !strings.Contains(r.Stdout, s.Expect.StdoutContains) {
		miss = append(miss, fmt.Sprintf("stdout lacks %q", s.Expect.StdoutContains))
	}
	if s.Expect.StderrContains != "" && !strings.Contains(r.Stderr, s.Expect.StderrContains) {
		miss = append(miss, fmt.Sprintf("stderr lacks %q", s.Expect.StderrContains))
	}
	return miss
}

// Submitter is the part of the pipeline a run needs.
type Submitter interface {
	Submit(ctx context.Context, sub pipeline.Submission) (*pipeline.Outcome, error)
}

// Report is the result of running one scenario.
type Report struct {
	Scenario   Scenario
	Outcome    *pipeline.Outcome
	Err        error
	Mismatches []string
}

func (r Report) Passed() bool { return r.Err == nil && len(r.Mismatches) == 0 }

// Run submits s and checks the outcome.
func Run(ctx context.Context, p Submitter, s Scenario) Report {
	rep := Report{Scenario: s}
	out, err := p.Submit(ctx, s.Submission())
	if err != nil {
		rep.Err = err
		return rep
	}
	rep.Outcome = out
	rep.Mismatches = s.Check(out)
	return rep
}

// RunAll runs scenarios in order, stopping early only if ctx is done.
func RunAll(ctx context.Context, p Submitter, scenarios []Scenario) []Report {
	reports := make([]Report, 0, len(scenarios))
	for _, s := range scenarios {
		if ctx.Err() != nil {
			break
		}
		reports = append(reports, Run(ctx, p, s))
	}
	return reports
}
