package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"code-sandbox/internal/analyzer"
	"code-sandbox/internal/audit"
	"code-sandbox/internal/config"
	"code-sandbox/internal/netguard"
	"code-sandbox/internal/pipeline"
	"code-sandbox/internal/sandbox"
	"code-sandbox/internal/scenario"
	"code-sandbox/internal/storage"
)

// localEnv is a pipeline running in this process, recording to SQLite.
type localEnv struct {
	cfg      *config.Config
	backend  sandbox.Backend
	store    *storage.SQLiteStore
	pipeline *pipeline.Pipeline
}

func newAnalyzer(cfg *config.Config) (*analyzer.Analyzer, error) {
	if cfg.Analyzer.DenylistPath == "" {
		return analyzer.New(nil), nil
	}
	table, err := analyzer.LoadTable(cfg.Analyzer.DenylistPath)
	if err != nil {
		return nil, err
	}
	return analyzer.New(table), nil
}

func resolveAuditPath(cfg *config.Config) (string, error) {
	if auditPath != "" {
		return auditPath, nil
	}
	if cfg.Audit.SQLitePath != "" {
		return cfg.Audit.SQLitePath, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating cache dir: %w", err)
	}
	return filepath.Join(dir, "code-sandbox", "audit.db"), nil
}

func openStore(cfg *config.Config) (*storage.SQLiteStore, error) {
	path, err := resolveAuditPath(cfg)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Msg("opening audit store")
	return storage.OpenSQLite(path)
}

func openLocal(ctx context.Context) (*localEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := newAnalyzer(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	p, err := pipeline.New(pipeline.Options{
		Analyzer:       a,
		Backend:        backend,
		DefaultPolicy:  sandbox.PolicyFromConfig(cfg.Sandbox.Limits),
		DefaultNetwork: pipeline.NetworkPolicyFromConfig(cfg.Network),
		Recorder:       store,
	})
	if err != nil {
		_ = backend.Close()
		_ = store.Close()
		return nil, err
	}
	return &localEnv{cfg: cfg, backend: backend, store: store, pipeline: p}, nil
}

func (e *localEnv) Close() {
	if err := e.backend.Close(); err != nil {
		log.Warn().Err(err).Msg("backend close error")
	}
	if err := e.store.Close(); err != nil {
		log.Warn().Err(err).Msg("audit store close error")
	}
}

// submission applies the policy flags to source.
func submission(source string) pipeline.Submission {
	sub := pipeline.Submission{Source: source}
	if cpuSeconds > 0 || memoryMB > 0 || wallTimeout > 0 {
		sub.Policy = &sandbox.ExecutionPolicy{
			CPUSeconds:  cpuSeconds,
			MemoryBytes: memoryMB << 20,
			WallTimeout: wallTimeout,
		}
	}
	if mode := effectiveNetworkMode(); mode != "" {
		sub.Network = &netguard.Policy{Mode: netguard.Mode(mode), Hosts: allowedHosts}
	}
	return sub
}

func effectiveNetworkMode() string {
	if networkMode == "" && len(allowedHosts) > 0 {
		return string(netguard.ModeWhitelist)
	}
	return networkMode
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runAnalyze(_ *cobra.Command, args []string) error {
	source, err := readSource(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newAnalyzer(cfg)
	if err != nil {
		return err
	}
	v, err := a.Analyze(context.Background(), source)
	if err != nil {
		return err
	}
	printJSON(v)
	if !v.Safe() {
		os.Exit(2)
	}
	return nil
}

func runLocal(_ *cobra.Command, args []string) error {
	source, err := readSource(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	env, err := openLocal(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	out, err := env.pipeline.SubmitStreaming(ctx, submission(source), os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	printSummary(os.Stderr, out)
	if code := exitCode(out); code != 0 {
		env.Close()
		os.Exit(code)
	}
	return nil
}

// exitCode maps an outcome onto the CLI's exit status: 2 for a rejected
// source, the child's status otherwise.
func exitCode(out *pipeline.Outcome) int {
	if !out.Verdict.Safe() {
		return 2
	}
	if out.Result.Outcome != sandbox.OutcomeCompleted && out.Result.ExitStatus == 0 {
		return 1
	}
	return out.Result.ExitStatus
}

func printSummary(w io.Writer, out *pipeline.Outcome) {
	fmt.Fprintf(w, "\n--- submission %s\n", out.ID)
	fmt.Fprintf(w, "verdict:  %s\n", out.Verdict)
	if out.Verdict.Fragment != "" {
		fmt.Fprintf(w, "at line %d: %s\n", out.Verdict.Line, out.Verdict.Fragment)
	}
	if r := out.Result; r != nil {
		fmt.Fprintf(w, "outcome:  %s", r.Outcome)
		if r.Limit != sandbox.LimitNone {
			fmt.Fprintf(w, " (%s)", r.Limit)
		}
		if r.Signal != "" {
			fmt.Fprintf(w, " killed by %s", r.Signal)
		}
		fmt.Fprintf(w, "\nexit:     %d in %s on %s\n", r.ExitStatus, r.Elapsed.Round(time.Millisecond), r.Backend)
	}
	fmt.Fprintf(w, "network:  %s\n", out.NetworkPolicy)
	for _, rec := range out.Audit {
		if rec.Kind == audit.KindExecution {
			continue
		}
		fmt.Fprintf(w, "audit:    %s %v\n", rec.Kind, rec.Fields)
	}
	for _, d := range out.Detections {
		fmt.Fprintf(w, "probe:    %s (%s)\n", d.Pattern, d.Severity)
	}
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	submissionID, _ := cmd.Flags().GetString("submission")
	kind, _ := cmd.Flags().GetString("kind")
	limit, _ := cmd.Flags().GetInt("limit")

	records, err := store.ListAudit(cmd.Context(), storage.AuditFilter{
		SubmissionID: submissionID,
		Kind:         kind,
		Limit:        limit,
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSUBMISSION\tSEQ\tKIND\tFIELDS")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05.000"), r.SubmissionID, r.Seq, r.Kind, formatFields(r.Fields))
	}
	return tw.Flush()
}

func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

func runLimits(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	policy := sandbox.PolicyFromConfig(cfg.Sandbox.Limits).WithDefaults(sandbox.DefaultPolicy())
	network := pipeline.NetworkPolicyFromConfig(cfg.Network)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "cpu\t%ds\tRLIMIT_CPU (SIGXCPU, then SIGKILL one second later)\n", policy.CPUSeconds)
	fmt.Fprintf(tw, "memory\t%dMB\tRLIMIT_AS (allocations fail with MemoryError)\n", policy.MemoryBytes>>20)
	fmt.Fprintf(tw, "file size\t%dKB\tRLIMIT_FSIZE (SIGXFSZ)\n", policy.FileSizeBytes>>10)
	fmt.Fprintf(tw, "processes\t%d\tRLIMIT_NPROC\n", policy.MaxProcesses)
	fmt.Fprintf(tw, "wall clock\t%s\tprocess group killed on expiry\n", policy.WallTimeout)
	fmt.Fprintf(tw, "network\t%s\t\n", network)
	fmt.Fprintf(tw, "backend\t%s\t\n", cfg.Sandbox.Backend)
	return tw.Flush()
}

func runScenarios(cmd *cobra.Command, args []string) error {
	catalog := scenario.Default()
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		var err error
		if catalog, err = scenario.Load(file); err != nil {
			return err
		}
	}

	selected := catalog.Scenarios
	if category, _ := cmd.Flags().GetString("category"); category != "" {
		selected = catalog.ByCategory(category)
	}
	if len(args) > 0 {
		selected = nil
		for _, id := range args {
			s, ok := catalog.Get(id)
			if !ok {
				return fmt.Errorf("unknown scenario %q", id)
			}
			selected = append(selected, s)
		}
	}

	if list, _ := cmd.Flags().GetBool("list"); list {
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCATEGORY\tEXPECT\tNAME")
		for _, s := range selected {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Category, expectation(s), s.Name)
		}
		return tw.Flush()
	}

	ctx, cancel := signalContext()
	defer cancel()
	env, err := openLocal(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	var failed int
	for _, rep := range scenario.RunAll(ctx, env.pipeline, selected) {
		status := "PASS"
		if !rep.Passed() {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%s  %-20s %s\n", status, rep.Scenario.ID, rep.Scenario.Name)
		if rep.Err != nil {
			fmt.Printf("      error: %v\n", rep.Err)
		}
		for _, m := range rep.Mismatches {
			fmt.Printf("      %s\n", m)
		}
		if out := rep.Outcome; out != nil && verbose {
			printSummary(os.Stdout, out)
		}
	}
	fmt.Printf("\n%d/%d scenarios passed\n", len(selected)-failed, len(selected))
	if failed > 0 {
		return fmt.Errorf("%d scenarios failed", failed)
	}
	return nil
}

func expectation(s scenario.Scenario) string {
	e := s.Expect
	if e.Outcome == "" {
		return e.Verdict
	}
	if len(e.Limits) > 0 {
		return fmt.Sprintf("%s/%s", e.Outcome, strings.Join(e.Limits, "|"))
	}
	return e.Outcome
}
