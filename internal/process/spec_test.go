package process

import (
	"strings"
	"testing"
)

// An explicit "sh -c '...'" command must not be wrapped in a second shell.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "x", Command: "sh -c 'python3 app.py'"}
	cmd := s.BuildCommand()
	if len(cmd.Args) != 3 || cmd.Args[1] != "-c" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Args[2] != "python3 app.py" {
		t.Fatalf("script not unwrapped: %q", cmd.Args[2])
	}
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "y", Command: "python3 app.py 2>>error.log"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[0] != "/bin/sh" || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_EmptyCommand(t *testing.T) {
	cmd := Spec{Name: "test"}.BuildCommand()
	if cmd.Path != "/bin/true" {
		t.Errorf("expected /bin/true for empty command, got %q", cmd.Path)
	}
}

func TestBuildCommand_SimpleCommand(t *testing.T) {
	cmd := Spec{Name: "test", Command: "ls -la"}.BuildCommand()
	if !(cmd.Path == "ls" || strings.HasSuffix(cmd.Path, "/ls")) {
		t.Errorf("expected ls or a path ending with /ls, got %q", cmd.Path)
	}
	expected := []string{"ls", "-la"}
	if len(cmd.Args) != len(expected) {
		t.Fatalf("expected args %v, got %v", expected, cmd.Args)
	}
	for i, arg := range expected {
		if cmd.Args[i] != arg {
			t.Errorf("expected arg[%d] = %q, got %q", i, arg, cmd.Args[i])
		}
	}
}

func TestBuildCommand_WorkDirAndEnv(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cmd := Spec{Name: "e", Command: "true", WorkDir: dir, Env: []string{"FLASK_ENV=production"}}.BuildCommand()
	if cmd.Dir != dir {
		t.Fatalf("workdir not applied: %q", cmd.Dir)
	}
	if len(cmd.Env) == 0 || cmd.Env[len(cmd.Env)-1] != "FLASK_ENV=production" {
		t.Fatalf("extra env not appended: %v", cmd.Env)
	}
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatalf("Setpgid not set")
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name        string
		spec        Spec
		errContains string
	}{
		{name: "valid", spec: Spec{Name: "web", Command: "python3 app.py"}},
		{name: "missing name", spec: Spec{Command: "python3 app.py"}, errContains: "name"},
		{name: "blank command", spec: Spec{Name: "web", Command: "   "}, errContains: "command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}

func TestParseExplicitShell(t *testing.T) {
	tests := []struct {
		name           string
		cmdStr         string
		expectedShell  string
		expectedAfter  string
		expectedResult bool
	}{
		{"sh -c with single quotes", "sh -c 'echo hello'", "sh", "echo hello", true},
		{"sh -c with double quotes", `sh -c "echo hello"`, "sh", "echo hello", true},
		{"/bin/sh -c", "/bin/sh -c 'echo hello'", "/bin/sh", "echo hello", true},
		{"/usr/bin/sh -c", "/usr/bin/sh -c 'echo hello'", "/usr/bin/sh", "echo hello", true},
		{"no quotes", "sh -c echo hello", "sh", "echo hello", true},
		{"not shell command", "echo hello", "", "", false},
		{"whitespace prefix", "  \tsh -c 'echo hello'", "sh", "echo hello", true},
		{"partial match", "bash -c 'echo hello'", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shell, after, ok := parseExplicitShell(tt.cmdStr)
			if ok != tt.expectedResult || shell != tt.expectedShell || after != tt.expectedAfter {
				t.Fatalf("parseExplicitShell(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.cmdStr, shell, after, ok, tt.expectedShell, tt.expectedAfter, tt.expectedResult)
			}
		})
	}
}
