package process

import (
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/loykin/autoheal/internal/logger"
)

// Spec describes the supervised service: how to launch it and where its
// output goes.
type Spec struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`  // command line to start the service (shell)
	WorkDir string        `json:"work_dir"` // optional working dir
	Env     []string      `json:"env"`      // extra KEY=VALUE entries appended to the daemon env
	PIDFile string        `json:"pid_file"` // optional pidfile path, rewritten on every spawn
	Log     logger.Config `json:"log"`      // stdout/stderr capture
}

// Validate checks the fields needed to spawn the service.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("service name is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("service command is required")
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'python3 app.py'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	var cmd *exec.Cmd
	switch {
	case cmdStr == "":
		// #nosec G204
		cmd = exec.Command("/bin/true")
	default:
		if _, afterC, ok := parseExplicitShell(cmdStr); ok {
			// Absolute shell path avoids a PATH dependency when Env is overridden.
			// #nosec G204
			cmd = exec.Command("/bin/sh", "-c", afterC)
		} else if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
			// #nosec G204
			cmd = exec.Command("/bin/sh", "-c", cmdStr)
		} else {
			parts := strings.Fields(cmdStr)
			// #nosec G204
			cmd = exec.Command(parts[0], parts[1:]...)
		}
	}
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	configureSysProcAttr(cmd)
	return cmd
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of outer quotes so the shell parses the script itself.
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
