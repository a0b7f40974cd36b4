package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"code-sandbox/internal/config"
	"code-sandbox/internal/sandbox"
)

var (
	configPath string
	auditPath  string
	verbose    bool

	serverURL string
	apiKey    string
)

// Per-submission overrides shared by run, exec and repl.
var (
	cpuSeconds   int64
	memoryMB     int64
	wallTimeout  time.Duration
	networkMode  string
	allowedHosts []string
)

func main() {
	// The local pipeline's process backend re-executes this binary.
	if sandbox.IsInit() {
		sandbox.RunInit()
		return
	}

	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "sandbox-cli",
		Short: "Analyze and run untrusted Python under resource and network limits",
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Config file (defaults apply when empty or missing)")
	root.PersistentFlags().StringVar(&auditPath, "audit-db", "", "SQLite audit database (default: audit.sqlite_path or the user cache dir)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	// Local commands
	analyzeCmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Statically analyze a source without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAnalyze,
	}
	root.AddCommand(analyzeCmd)

	runCmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Analyze and run a source through the local pipeline",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLocal,
	}
	addPolicyFlags(runCmd)
	root.AddCommand(runCmd)

	replCmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive mode: type code, a blank line twice runs it, quit exits",
		Args:  cobra.NoArgs,
		RunE:  runREPL,
	}
	addPolicyFlags(replCmd)
	root.AddCommand(replCmd)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Print stored audit records",
		Args:  cobra.NoArgs,
		RunE:  runAudit,
	}
	auditCmd.Flags().String("submission", "", "Only records of this submission")
	auditCmd.Flags().String("kind", "", "Only records of this kind (connection, dlp, execution)")
	auditCmd.Flags().Int("limit", 50, "Maximum records")
	root.AddCommand(auditCmd)

	root.AddCommand(&cobra.Command{
		Use:   "limits",
		Short: "Print the effective default execution and network policy",
		Args:  cobra.NoArgs,
		RunE:  runLimits,
	})

	scenariosCmd := &cobra.Command{
		Use:   "scenarios [id...]",
		Short: "Run built-in escape and resource scenarios and check their outcomes",
		RunE:  runScenarios,
	}
	scenariosCmd.Flags().Bool("list", false, "List scenarios without running them")
	scenariosCmd.Flags().String("category", "", "Only scenarios of this category (escape, safe, resource)")
	scenariosCmd.Flags().String("file", "", "Scenario catalog (default: built-in)")
	root.AddCommand(scenariosCmd)

	// Remote commands
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Submit code to a sandbox server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addPolicyFlags(execCmd)
	addRemoteFlags(execCmd)
	root.AddCommand(execCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	}
	addRemoteFlags(healthCmd)
	root.AddCommand(healthCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addPolicyFlags(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&cpuSeconds, "cpu", 0, "CPU seconds (0 keeps the default)")
	cmd.Flags().Int64Var(&memoryMB, "memory", 0, "Address space in MB (0 keeps the default)")
	cmd.Flags().DurationVar(&wallTimeout, "timeout", 0, "Wall clock timeout (0 keeps the default)")
	cmd.Flags().StringVar(&networkMode, "network", "", "Network mode: block_all, whitelist or unrestricted")
	cmd.Flags().StringSliceVar(&allowedHosts, "allow-host", nil, "Whitelisted host (repeatable, implies --network whitelist)")
}

func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")
}

func setupLogging() {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(configPath)
}

// readSource reads the named file, or stdin when no file or "-" is given.
func readSource(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return string(data), nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
