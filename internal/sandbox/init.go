package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// InitArg0 is the argv[0] under which the host binary acts as the init
// helper of a sandboxed child.
const InitArg0 = "sandbox-init"

// initFailureExit is the helper's exit status when it could not install the
// ceilings or exec the interpreter.
const initFailureExit = 125

// IsInit reports whether this process was started as the init helper.
// Binaries that construct a ProcessRunner must check it first thing in main
// and hand over to RunInit.
func IsInit() bool {
	return len(os.Args) > 0 && filepath.Base(os.Args[0]) == InitArg0
}

type initLimit struct {
	name string
	soft uint64
	hard uint64
}

// parseInitArgs splits "--rlimit=NAME:SOFT:HARD ... -- argv..." into limits
// and the interpreter argv.
func parseInitArgs(args []string) ([]initLimit, []string, error) {
	var limits []initLimit
	for i, a := range args {
		if a == "--" {
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("missing command after --")
			}
			return limits, args[i+1:], nil
		}
		spec, ok := strings.CutPrefix(a, "--rlimit=")
		if !ok {
			return nil, nil, fmt.Errorf("unexpected argument %q", a)
		}
		parts := strings.Split(spec, ":")
		if len(parts) != 3 {
			return nil, nil, fmt.Errorf("malformed rlimit %q", spec)
		}
		soft, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("rlimit %s soft: %w", parts[0], err)
		}
		hard, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("rlimit %s hard: %w", parts[0], err)
		}
		if soft > hard {
			return nil, nil, fmt.Errorf("rlimit %s: soft %d above hard %d", parts[0], soft, hard)
		}
		limits = append(limits, initLimit{name: parts[0], soft: soft, hard: hard})
	}
	return nil, nil, fmt.Errorf("missing -- separator")
}

func initFail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, InitArg0+": "+format+"\n", args...)
	os.Exit(initFailureExit)
}
