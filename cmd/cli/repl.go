package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

// snippet collects lines until a blank line follows another blank line.
type snippet struct {
	lines []string
}

type feedResult int

const (
	feedMore feedResult = iota
	feedRun
	feedQuit
)

func (s *snippet) feed(line string) feedResult {
	if line == "quit" || line == "exit" {
		return feedQuit
	}
	if line == "" && len(s.lines) > 0 && s.lines[len(s.lines)-1] == "" {
		return feedRun
	}
	s.lines = append(s.lines, line)
	return feedMore
}

// take returns the collected source and resets the buffer.
func (s *snippet) take() string {
	code := strings.TrimSpace(strings.Join(s.lines, "\n"))
	s.lines = s.lines[:0]
	return code
}

func (s *snippet) empty() bool { return len(s.lines) == 0 }

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "code-sandbox")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "repl_history")
}

func runREPL(_ *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	env, err := openLocal(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          ">>> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("Sandbox REPL (%s backend, network %s)\n", env.backend.Name(), env.pipeline.DefaultNetwork())
	fmt.Println("Enter Python code. A blank line twice runs it, quit exits.")
	fmt.Println()

	var buf snippet
	for {
		if buf.empty() {
			rl.SetPrompt(">>> ")
		} else {
			rl.SetPrompt("... ")
		}

		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if buf.empty() {
				return nil
			}
			buf.take()
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		switch buf.feed(line) {
		case feedQuit:
			return nil
		case feedMore:
			continue
		}

		code := buf.take()
		if code == "" {
			continue
		}
		out, err := env.pipeline.SubmitStreaming(ctx, submission(code), os.Stdout, os.Stderr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		printSummary(os.Stdout, out)
		fmt.Println()
	}
}
