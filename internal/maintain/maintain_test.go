package maintain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/autoheal/internal/backup"
	"github.com/loykin/autoheal/internal/logger"
	"github.com/loykin/autoheal/internal/logmon"
	"github.com/loykin/autoheal/internal/oracle"
	"github.com/loykin/autoheal/internal/patch"
	"github.com/loykin/autoheal/internal/process"
	"github.com/loykin/autoheal/internal/state"
	"github.com/loykin/autoheal/internal/supervisor"
)

const appSource = `def index():
    return str(1 / 0)
`

const traceback = `Traceback (most recent call last):
  File "app.py", line 2, in index
ZeroDivisionError: division by zero
`

type fakeRestarter struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRestarter) Restart(context.Context) error {
	f.calls.Add(1)
	return f.err
}

type fixture struct {
	dir     string
	target  string
	logPath string
	store   *state.Store
	restart *fakeRestarter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		target:  filepath.Join(dir, "app.py"),
		logPath: filepath.Join(dir, "error.log"),
		store:   state.New(filepath.Join(dir, "state.json"), nil),
		restart: &fakeRestarter{},
	}
	require.NoError(t, os.WriteFile(f.target, []byte(appSource), 0o644))
	return f
}

func (f *fixture) maintainer(t *testing.T, o oracle.Oracle, cfg Config) *Maintainer {
	t.Helper()
	backups, err := backup.NewDir(filepath.Join(f.dir, "backups"))
	require.NoError(t, err)
	if cfg.Target == "" {
		cfg.Target = f.target
	}
	return New(cfg, Deps{
		Monitor:   logmon.New(f.logPath, ""),
		Oracle:    o,
		Applier:   patch.NewApplier(backups, nil),
		State:     f.store,
		Restarter: f.restart,
	})
}

func goodPatch(path string) string {
	return "--- " + path + "\n+++ " + path + "\n@@ -1,2 +1,2 @@\n def index():\n-    return str(1 / 0)\n+    return \"ok\"\n"
}

func staticOracle(reply string, calls *atomic.Int32) oracle.Oracle {
	return oracle.Func(func(_ context.Context, req oracle.Request) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		return strings.ReplaceAll(reply, "{file}", req.File), nil
	})
}

func TestPollWithoutMarkerDoesNothing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte("all good\n"), 0o644))
	var calls atomic.Int32
	m := f.maintainer(t, staticOracle("", &calls), Config{})

	_, ran, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, calls.Load())
}

func TestPollAppliesPatchAndRestarts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte(traceback), 0o644))
	m := f.maintainer(t, oracle.Func(func(_ context.Context, req oracle.Request) (string, error) {
		assert.Equal(t, appSource, req.Code)
		assert.Contains(t, req.ErrorContext, "ZeroDivisionError")
		return goodPatch(req.File), nil
	}), Config{})

	out, ran, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, string(state.StatusApplied), out.Status)
	assert.True(t, out.Restarted)
	assert.Equal(t, "restarted", out.ReloadStatus())
	assert.EqualValues(t, 1, f.restart.calls.Load())

	got, err := os.ReadFile(f.target)
	require.NoError(t, err)
	assert.Contains(t, string(got), `return "ok"`)

	st, err := f.store.Load()
	require.NoError(t, err)
	require.Len(t, st.Patches, 1)
	assert.Equal(t, state.StatusApplied, st.Patches[0].Status)
	assert.Equal(t, f.target, st.Patches[0].File)
}

func TestRelativeTargetMatchesHeaderAsConfigured(t *testing.T) {
	f := newFixture(t)
	t.Chdir(f.dir)
	require.NoError(t, os.WriteFile(f.logPath, []byte(traceback), 0o644))
	var files []string
	m := f.maintainer(t, oracle.Func(func(_ context.Context, req oracle.Request) (string, error) {
		files = append(files, req.File)
		return goodPatch("app.py"), nil
	}), Config{Target: "app.py"})

	out, ran, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, string(state.StatusApplied), out.Status)
	assert.Equal(t, "app.py", out.File)
	assert.Equal(t, []string{"app.py"}, files)

	got, err := os.ReadFile(f.target)
	require.NoError(t, err)
	assert.Contains(t, string(got), `return "ok"`)

	st, err := f.store.Load()
	require.NoError(t, err)
	require.Len(t, st.Patches, 1)
	assert.Equal(t, "app.py", st.Patches[0].File)
}

func TestTargetNameSeparateFromPath(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte(traceback), 0o644))
	m := f.maintainer(t, staticOracle(goodPatch("{file}"), nil), Config{TargetName: "app.py"})

	out, ran, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, string(state.StatusApplied), out.Status)
	assert.Equal(t, "app.py", out.File)

	got, err := os.ReadFile(f.target)
	require.NoError(t, err)
	assert.Contains(t, string(got), `return "ok"`)
}

func TestApplyPatchUsesNameForHeader(t *testing.T) {
	f := newFixture(t)
	m := f.maintainer(t, staticOracle("", nil), Config{})

	out, err := m.ApplyPatch(context.Background(), "app.py", f.target, goodPatch("app.py"))
	require.NoError(t, err)
	assert.Equal(t, string(state.StatusApplied), out.Status)

	got, err := os.ReadFile(f.target)
	require.NoError(t, err)
	assert.Contains(t, string(got), `return "ok"`)

	// the absolute path is not the name the caller used
	require.NoError(t, os.WriteFile(f.target, []byte(appSource), 0o644))
	out, err = m.ApplyPatch(context.Background(), "app.py", f.target, goodPatch(f.target))
	assert.ErrorIs(t, err, patch.ErrFormatInvalid)
	assert.Equal(t, patch.ReasonInvalidHeader, out.Reason)
}

func TestRejectedPatchLeavesFileAndHistoryUntouched(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte(traceback), 0o644))
	m := f.maintainer(t, staticOracle("--- other.py\n+++ other.py\n@@\n-a\n+b\n", nil), Config{})

	out, ran, err := m.Poll(context.Background())
	require.True(t, ran)
	require.Error(t, err)
	assert.ErrorIs(t, err, patch.ErrFormatInvalid)
	assert.Equal(t, string(state.StatusRejected), out.Status)
	assert.Equal(t, patch.ReasonInvalidHeader, out.Reason)
	assert.Contains(t, out.Patch, "other.py")
	assert.Zero(t, f.restart.calls.Load())

	got, err := os.ReadFile(f.target)
	require.NoError(t, err)
	assert.Equal(t, appSource, string(got))

	st, err := f.store.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Patches)
}

func TestMissingHunkIsRejected(t *testing.T) {
	f := newFixture(t)
	m := f.maintainer(t, staticOracle("--- {file}\nsome prose instead of a diff\n", nil), Config{})

	out, err := m.Fix(context.Background(), f.target, "")
	require.ErrorIs(t, err, patch.ErrFormatInvalid)
	assert.Equal(t, patch.ReasonMissingHunk, out.Reason)
}

func TestMismatchedPatchIsRolledBack(t *testing.T) {
	f := newFixture(t)
	m := f.maintainer(t, staticOracle("--- {file}\n+++ {file}\n@@\n-    return 42\n+    return 43\n", nil), Config{})

	out, err := m.Fix(context.Background(), f.target, "")
	require.ErrorIs(t, err, patch.ErrApplyFailure)
	assert.Equal(t, string(state.StatusRolledBack), out.Status)
	assert.Equal(t, "skipped", out.ReloadStatus())
	assert.Zero(t, f.restart.calls.Load())

	got, err := os.ReadFile(f.target)
	require.NoError(t, err)
	assert.Equal(t, appSource, string(got))

	st, err := f.store.Load()
	require.NoError(t, err)
	require.Len(t, st.Patches, 1)
	assert.Equal(t, state.StatusRolledBack, st.Patches[0].Status)
}

func TestOracleFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	m := f.maintainer(t, oracle.Func(func(context.Context, oracle.Request) (string, error) {
		return "", errors.New("connection refused")
	}), Config{})

	out, err := m.Fix(context.Background(), f.target, "")
	require.ErrorIs(t, err, oracle.ErrUnavailable)
	assert.Equal(t, StatusOracleUnavailable, out.Status)

	st, err := f.store.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Patches)
}

func TestFixMissingTarget(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	m := f.maintainer(t, staticOracle("", &calls), Config{})

	out, err := m.Fix(context.Background(), filepath.Join(f.dir, "gone.py"), "")
	require.ErrorIs(t, err, patch.ErrFileNotFound)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Zero(t, calls.Load())
}

func TestRestartFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.restart.err = errors.New("spawn failed")
	m := f.maintainer(t, staticOracle(goodPatch("{file}"), nil), Config{})

	out, err := m.Fix(context.Background(), f.target, "")
	require.NoError(t, err)
	assert.False(t, out.Restarted)
	assert.Equal(t, "restart failed: spawn failed", out.ReloadStatus())
}

func TestApplyPatchDoesNotRestart(t *testing.T) {
	f := newFixture(t)
	m := f.maintainer(t, staticOracle("", nil), Config{})

	out, err := m.ApplyPatch(context.Background(), f.target, "", goodPatch(f.target))
	require.NoError(t, err)
	assert.Equal(t, string(state.StatusApplied), out.Status)
	assert.Zero(t, f.restart.calls.Load())
}

func TestSkipUnchangedSnapshot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte(traceback), 0o644))
	var calls atomic.Int32
	m := f.maintainer(t, staticOracle("--- other.py\n", &calls), Config{SkipUnchanged: true})

	_, ran, _ := m.Poll(context.Background())
	assert.True(t, ran)
	_, ran, _ = m.Poll(context.Background())
	assert.False(t, ran)
	assert.EqualValues(t, 1, calls.Load())

	fh, err := os.OpenFile(f.logPath, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fh.WriteString(traceback)
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	_, ran, _ = m.Poll(context.Background())
	assert.True(t, ran)
	assert.EqualValues(t, 2, calls.Load())
}

func TestConcurrentFixesOnOnePathAreSerialised(t *testing.T) {
	f := newFixture(t)
	var inFlight, maxInFlight atomic.Int32
	m := f.maintainer(t, oracle.Func(func(_ context.Context, req oracle.Request) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return "--- " + req.File + "\n+++ " + req.File + "\n", nil
	}), Config{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Fix(context.Background(), f.target, "")
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInFlight.Load())
}

func TestHealthScore(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte(traceback), 0o644))
	for i := 0; i < 3; i++ {
		_, err := f.store.IncrementRestarts()
		require.NoError(t, err)
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, f.store.AppendPatch(state.NewRecord(f.target, "p")))
	}
	m := f.maintainer(t, staticOracle("", nil), Config{})
	assert.Equal(t, 40, m.Health())

	require.NoError(t, os.WriteFile(f.logPath, []byte("fine\n"), 0o644))
	assert.Equal(t, 70, m.Health())
}

func TestRunPollsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte(traceback), 0o644))
	var calls atomic.Int32
	m := f.maintainer(t, staticOracle(goodPatch("{file}"), &calls), Config{Interval: 20 * time.Millisecond, SkipUnchanged: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for f.restart.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, f.restart.calls.Load())
}

func TestRunRecoversFromPanics(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logPath, []byte(traceback), 0o644))
	var calls atomic.Int32
	m := f.maintainer(t, oracle.Func(func(context.Context, oracle.Request) (string, error) {
		calls.Add(1)
		panic("boom")
	}), Config{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

// End to end: a real service writes a traceback to its stderr log, the
// maintainer patches the source and the supervisor relaunches the service.
func TestEndToEndWithSupervisedService(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a unix shell")
	}
	f := newFixture(t)
	logDir := filepath.Join(f.dir, "logs")
	script := filepath.Join(f.dir, "serve.sh")
	require.NoError(t, os.WriteFile(script, []byte(
		"if grep -q '1 / 0' "+f.target+"; then echo 'Traceback (most recent call last):' >&2; fi\nexec sleep 30\n"), 0o755))

	sup := supervisor.New(supervisor.Config{
		Spec: process.Spec{
			Name:    "app",
			Command: "sh " + script,
			Log:     logger.Config{Dir: logDir},
		},
		StopTimeout: time.Second,
	}, f.store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	supDone := make(chan error, 1)
	go func() { supDone <- sup.Run(ctx) }()
	defer func() {
		cancel()
		<-supDone
	}()

	errLog := filepath.Join(logDir, "app.stderr.log")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b, _ := os.ReadFile(errLog); strings.Contains(string(b), "Traceback") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	backups, err := backup.NewDir(filepath.Join(f.dir, "backups"))
	require.NoError(t, err)
	m := New(Config{Target: f.target}, Deps{
		Monitor:   logmon.New(errLog, ""),
		Oracle:    staticOracle(goodPatch("{file}"), nil),
		Applier:   patch.NewApplier(backups, nil),
		State:     f.store,
		Restarter: sup,
	})

	before := sup.PID()
	out, ran, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, string(state.StatusApplied), out.Status)
	assert.True(t, out.Restarted)
	assert.NotEqual(t, before, sup.PID())

	restarts, err := f.store.Restarts()
	require.NoError(t, err)
	assert.Equal(t, 1, restarts)

	st, err := f.store.Load()
	require.NoError(t, err)
	require.Len(t, st.Patches, 1)
	assert.Equal(t, state.StatusApplied, st.Patches[0].Status)
}
