package scenario

import (
	"context"
	"errors"
	"strings"
	"testing"

	"code-sandbox/internal/analyzer"
	"code-sandbox/internal/pipeline"
	"code-sandbox/internal/sandbox"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.Version != 1 {
		t.Errorf("Version = %d, want 1", c.Version)
	}
	for _, cat := range []string{CategoryEscape, CategorySafe, CategoryResource} {
		if len(c.ByCategory(cat)) == 0 {
			t.Errorf("no %s scenarios", cat)
		}
	}
	if _, ok := c.Get("safe-sum"); !ok {
		t.Error("safe-sum missing")
	}
	if _, ok := c.Get("nope"); ok {
		t.Error("Get found an unknown id")
	}
}

// Every verdict in the catalog must be what the analyzer actually returns.
func TestDefault_VerdictsMatchAnalyzer(t *testing.T) {
	a := analyzer.New(nil)
	for _, s := range Default().Scenarios {
		t.Run(s.ID, func(t *testing.T) {
			v, err := a.Analyze(context.Background(), s.Source)
			if err != nil {
				t.Fatal(err)
			}
			if string(v.Kind) != s.Expect.Verdict {
				t.Errorf("analyzer says %s (%s), catalog expects %s", v.Kind, v, s.Expect.Verdict)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "scenarios: [\n"},
		{"missing id", "scenarios:\n  - source: x\n    expect: {verdict: safe}\n"},
		{"duplicate id", "scenarios:\n  - {id: a, source: x, expect: {verdict: safe}}\n  - {id: a, source: y, expect: {verdict: safe}}\n"},
		{"empty source", "scenarios:\n  - {id: a, source: ' ', expect: {verdict: safe}}\n"},
		{"unknown verdict", "scenarios:\n  - {id: a, source: x, expect: {verdict: maybe}}\n"},
		{"outcome on blocked", "scenarios:\n  - {id: a, source: x, expect: {verdict: blocked, outcome: completed}}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); !errors.Is(err, ErrInvalidCatalog) {
				t.Errorf("Parse() = %v, want ErrInvalidCatalog", err)
			}
		})
	}
}

func TestSubmission_CarriesLimits(t *testing.T) {
	s, _ := Default().Get("infinite-loop")
	sub := s.Submission()
	if sub.Policy == nil || sub.Policy.CPUSeconds != 2 || sub.Policy.WallTimeout.Seconds() != 5 {
		t.Errorf("policy = %+v", sub.Policy)
	}
	s, _ = Default().Get("safe-sum")
	if s.Submission().Policy != nil {
		t.Error("scenario without limits produced a policy")
	}
}

func TestCheck(t *testing.T) {
	loop, _ := Default().Get("infinite-loop")
	blocked, _ := Default().Get("os-system")

	tests := []struct {
		name     string
		scenario Scenario
		out      *pipeline.Outcome
		wantMiss int
	}{
		{"cpu accepted", loop, &pipeline.Outcome{
			Verdict: analyzer.Verdict{Kind: analyzer.VerdictSafe},
			Result:  &sandbox.ExecutionResult{Outcome: sandbox.OutcomeResourceExceeded, Limit: sandbox.LimitCPU},
		}, 0},
		{"timeout accepted", loop, &pipeline.Outcome{
			Verdict: analyzer.Verdict{Kind: analyzer.VerdictSafe},
			Result:  &sandbox.ExecutionResult{Outcome: sandbox.OutcomeResourceExceeded, Limit: sandbox.LimitTimeout},
		}, 0},
		{"wrong limit", loop, &pipeline.Outcome{
			Verdict: analyzer.Verdict{Kind: analyzer.VerdictSafe},
			Result:  &sandbox.ExecutionResult{Outcome: sandbox.OutcomeResourceExceeded, Limit: sandbox.LimitMemory},
		}, 1},
		{"completed instead", loop, &pipeline.Outcome{
			Verdict: analyzer.Verdict{Kind: analyzer.VerdictSafe},
			Result:  &sandbox.ExecutionResult{Outcome: sandbox.OutcomeCompleted},
		}, 2},
		{"blocked ok", blocked, &pipeline.Outcome{
			Verdict: analyzer.Verdict{Kind: analyzer.VerdictBlocked},
		}, 0},
		{"blocked but executed", blocked, &pipeline.Outcome{
			Verdict: analyzer.Verdict{Kind: analyzer.VerdictSafe},
			Result:  &sandbox.ExecutionResult{Outcome: sandbox.OutcomeCompleted},
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			miss := tt.scenario.Check(tt.out)
			if len(miss) != tt.wantMiss {
				t.Errorf("mismatches = %v, want %d", miss, tt.wantMiss)
			}
		})
	}
}

type fakeSubmitter struct {
	outcomes map[string]*pipeline.Outcome
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, sub pipeline.Submission) (*pipeline.Outcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	for src, out := range f.outcomes {
		if strings.Contains(sub.Source, src) {
			return out, nil
		}
	}
	return &pipeline.Outcome{Verdict: analyzer.Verdict{Kind: analyzer.VerdictBlocked}}, nil
}

func TestRunAll(t *testing.T) {
	c := Default()
	sum, _ := c.Get("safe-sum")
	sys, _ := c.Get("os-system")

	f := &fakeSubmitter{outcomes: map[string]*pipeline.Outcome{
		"sum(range": {
			Verdict: analyzer.Verdict{Kind: analyzer.VerdictSafe},
			Result:  &sandbox.ExecutionResult{Outcome: sandbox.OutcomeCompleted, Stdout: "5050\n"},
		},
	}}

	reports := RunAll(context.Background(), f, []Scenario{sum, sys})
	if len(reports) != 2 {
		t.Fatalf("got %d reports", len(reports))
	}
	for _, r := range reports {
		if !r.Passed() {
			t.Errorf("%s failed: %v %v", r.Scenario.ID, r.Err, r.Mismatches)
		}
	}

	failing := RunAll(context.Background(), &fakeSubmitter{err: pipeline.ErrInfrastructure}, []Scenario{sum})
	if failing[0].Passed() || !errors.Is(failing[0].Err, pipeline.ErrInfrastructure) {
		t.Errorf("infrastructure failure reported as %+v", failing[0])
	}
}
