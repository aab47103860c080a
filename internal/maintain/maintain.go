// Package maintain runs the self-healing cycle: it watches the service's error
// log and drives oracle, validation, apply, bookkeeping and restart.
package maintain

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/loykin/autoheal/internal/history"
	"github.com/loykin/autoheal/internal/logmon"
	"github.com/loykin/autoheal/internal/metrics"
	"github.com/loykin/autoheal/internal/notify"
	"github.com/loykin/autoheal/internal/oracle"
	"github.com/loykin/autoheal/internal/patch"
	"github.com/loykin/autoheal/internal/state"
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultHealthLines = 50
	DefaultMinWakeGap  = 5 * time.Second
)

// Outcome statuses beyond the record statuses of package state.
const (
	StatusOracleUnavailable = "oracle_unavailable"
	StatusFailed            = "failed"
)

// Config controls the maintenance loop.
type Config struct {
	// Target is the source file handed to the oracle on a failure signature.
	Target string
	// TargetName is how the target is named in the prompt and in diff
	// headers, typically the path as written in the config. Defaults to Target.
	TargetName string
	// Interval between polls.
	Interval time.Duration
	// Window is the number of trailing log bytes inspected and sent to the oracle.
	Window int
	// HealthLines is the number of trailing log lines used for the health score.
	HealthLines int
	// SkipUnchanged skips a poll whose snapshot equals the one that drove the
	// previous cycle.
	SkipUnchanged bool
	// Watch polls early on log writes, at most once per MinWakeGap.
	Watch      bool
	MinWakeGap time.Duration
}

// Restarter restarts the supervised service.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Deps are the collaborators of a Maintainer. Notifier, History and Restarter
// may be nil.
type Deps struct {
	Monitor   *logmon.Monitor
	Oracle    oracle.Oracle
	Applier   *patch.Applier
	State     *state.Store
	Notifier  *notify.Dispatcher
	History   *history.Exporter
	Restarter Restarter
	Logger    *slog.Logger
}

// Outcome reports one patch cycle.
type Outcome struct {
	File       string `json:"file"`
	Patch      string `json:"patch"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Restarted  bool   `json:"restarted"`
	RestartErr string `json:"restart_error,omitempty"`
}

// ReloadStatus summarises the restart that followed the cycle.
func (o Outcome) ReloadStatus() string {
	switch {
	case o.Restarted:
		return "restarted"
	case o.RestartErr != "":
		return "restart failed: " + o.RestartErr
	default:
		return "skipped"
	}
}

// Maintainer owns the maintenance loop. Fix and ApplyPatch may be called
// concurrently with Run; cycles on the same path are serialised.
type Maintainer struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	locks patch.PathLocks

	mu       sync.Mutex
	last     [sha256.Size]byte
	hasLast  bool
	lastPoll time.Time
}

func New(cfg Config, deps Deps) *Maintainer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = logmon.DefaultWindow
	}
	if cfg.HealthLines <= 0 {
		cfg.HealthLines = DefaultHealthLines
	}
	if cfg.MinWakeGap <= 0 {
		cfg.MinWakeGap = DefaultMinWakeGap
	}
	if cfg.TargetName == "" {
		cfg.TargetName = cfg.Target
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Maintainer{cfg: cfg, deps: deps, log: log.With("component", "maintainer")}
}

// Run polls every interval, and earlier on log writes when Watch is set,
// until ctx is done. Failures inside a poll are logged and notified.
func (m *Maintainer) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	if m.cfg.Watch {
		err := m.deps.Monitor.Watch(ctx, func() {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			m.log.Warn("log watch unavailable, polling only", "path", m.deps.Monitor.Path(), "error", err)
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.safePoll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.safePoll(ctx)
		case <-wake:
			m.mu.Lock()
			recent := time.Since(m.lastPoll) < m.cfg.MinWakeGap
			m.mu.Unlock()
			if !recent {
				m.safePoll(ctx)
			}
		}
	}
}

func (m *Maintainer) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("maintenance poll panicked", "panic", r)
			m.notify(notify.KindException, m.cfg.Target, fmt.Sprintf("%v\n\n%s", r, debug.Stack()))
		}
	}()
	m.mu.Lock()
	m.lastPoll = time.Now()
	m.mu.Unlock()

	out, ran, err := m.Poll(ctx)
	if !ran {
		if err != nil {
			m.log.Error("maintenance poll failed", "error", err)
			m.notify(notify.KindException, m.cfg.Target, err.Error())
		}
		return
	}
	if err != nil {
		m.log.Warn("patch cycle failed", "file", out.File, "status", out.Status, "error", err)
	}
	m.Health()
}

// Poll inspects the error log and runs one patch cycle on the target when the
// failure marker is present. ran reports whether a cycle was attempted.
func (m *Maintainer) Poll(ctx context.Context) (out Outcome, ran bool, err error) {
	snap, err := m.deps.Monitor.Capture(m.cfg.Window)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("capture error log: %w", err)
	}
	if !strings.Contains(snap.Content, m.deps.Monitor.Marker()) {
		m.log.Debug("no failure signature", "path", m.deps.Monitor.Path())
		return Outcome{}, false, nil
	}

	sum := sha256.Sum256([]byte(snap.Content))
	m.mu.Lock()
	unchanged := m.hasLast && sum == m.last
	if !unchanged || !m.cfg.SkipUnchanged {
		m.last, m.hasLast = sum, true
	}
	m.mu.Unlock()
	if unchanged && m.cfg.SkipUnchanged {
		m.log.Info("failure snapshot unchanged since last cycle, skipping")
		return Outcome{}, false, nil
	}

	m.log.Warn("failure signature detected", "marker", m.deps.Monitor.Marker(), "target", m.cfg.Target)
	out, err = m.fix(ctx, m.cfg.TargetName, m.cfg.Target, snap)
	return out, true, err
}

// Fix runs one Oracle, Validate, Apply cycle with the current error log as
// context and restarts the service when the patch was applied. name is the
// file as the caller refers to it: it goes into the prompt and must be the
// diff header. path locates the file on disk; empty means name.
func (m *Maintainer) Fix(ctx context.Context, name, path string) (Outcome, error) {
	snap, err := m.deps.Monitor.Capture(m.cfg.Window)
	if err != nil {
		return Outcome{File: name, Status: StatusFailed, Reason: err.Error()}, fmt.Errorf("capture error log: %w", err)
	}
	return m.fix(ctx, name, path, snap)
}

func (m *Maintainer) fix(ctx context.Context, name, path string, snap logmon.Snapshot) (Outcome, error) {
	path = resolve(name, path)
	unlock := m.locks.Lock(path)
	defer unlock()

	out := Outcome{File: name}
	code, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: %s", patch.ErrFileNotFound, path)
		}
		out.Status, out.Reason = StatusFailed, err.Error()
		return out, err
	}

	start := time.Now()
	diff, err := m.deps.Oracle.Generate(ctx, oracle.Request{File: name, Code: string(code), ErrorContext: snap.Content})
	metrics.ObserveOracleDuration(time.Since(start).Seconds())
	if err != nil {
		if !errors.Is(err, oracle.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", oracle.ErrUnavailable, err)
		}
		metrics.IncOracleFailure()
		m.log.Error("oracle failed", "file", name, "error", err)
		m.notify(notify.KindOracleFailure, name, "Patch generation failed: "+err.Error())
		out.Status, out.Reason = StatusOracleUnavailable, err.Error()
		return out, err
	}
	return m.applyAndRecord(ctx, name, path, diff, true)
}

// ApplyPatch validates and applies a caller-supplied unified diff. name and
// path are as for Fix. The service is not restarted.
func (m *Maintainer) ApplyPatch(ctx context.Context, name, path, text string) (Outcome, error) {
	path = resolve(name, path)
	unlock := m.locks.Lock(path)
	defer unlock()
	return m.applyAndRecord(ctx, name, path, text, false)
}

func (m *Maintainer) applyAndRecord(ctx context.Context, name, path, text string, restart bool) (Outcome, error) {
	rec := state.NewRecord(name, text)
	out := Outcome{File: name, Patch: text}

	if err := patch.Validate(name, text); err != nil {
		rec.Status = state.StatusRejected
		var rej *patch.RejectError
		if errors.As(err, &rej) {
			rec.Reason = rej.Reason
		} else {
			rec.Reason = err.Error()
		}
		m.finish(rec, notify.KindPatchInvalid, "Invalid patch received ("+rec.Reason+"):\n\n"+text)
		out.Status, out.Reason = string(rec.Status), rec.Reason
		return out, err
	}
	rec.Status = state.StatusValidated

	res, err := m.deps.Applier.Apply(path, text)
	switch {
	case err == nil:
		rec.Status = state.StatusApplied
		m.persist(rec)
		m.finish(rec, notify.KindPatchApplied, fmt.Sprintf("Patch applied to %s (%d hunks):\n\n%s", name, res.Hunks, text))
	case errors.Is(err, patch.ErrApplyFailure):
		rec.Status, rec.Reason = state.StatusRolledBack, err.Error()
		m.persist(rec)
		m.finish(rec, notify.KindPatchRolledBack, "Patch failed and was rolled back: "+err.Error()+"\n\n"+text)
	default:
		m.log.Error("patch not applied", "file", name, "path", path, "error", err)
		m.notify(notify.KindException, name, "Patch could not be applied: "+err.Error())
		out.Status, out.Reason = StatusFailed, err.Error()
		return out, err
	}
	out.Status, out.Reason = string(rec.Status), rec.Reason
	if err != nil {
		return out, err
	}

	if restart && m.deps.Restarter != nil {
		if rerr := m.deps.Restarter.Restart(ctx); rerr != nil {
			out.RestartErr = rerr.Error()
			m.log.Error("restart after patch failed", "file", name, "error", rerr)
		} else {
			out.Restarted = true
		}
	}
	return out, nil
}

func (m *Maintainer) persist(rec state.PatchRecord) {
	if err := m.deps.State.AppendPatch(rec); err != nil {
		m.log.Error("persist patch record failed", "id", rec.ID, "error", err)
	}
}

func (m *Maintainer) finish(rec state.PatchRecord, kind notify.Kind, body string) {
	metrics.IncPatchAttempt(string(rec.Status))
	m.log.Info("patch cycle finished", "file", rec.File, "status", string(rec.Status), "reason", rec.Reason)
	m.deps.History.Export(history.Event{
		ID:       rec.ID,
		Type:     history.EventPatch,
		File:     rec.File,
		Status:   string(rec.Status),
		Reason:   rec.Reason,
		Patch:    rec.Patch,
		Restarts: m.restarts(),
	})
	m.notify(kind, rec.File, body)
}

func (m *Maintainer) notify(kind notify.Kind, file, body string) {
	if m.deps.Notifier == nil {
		return
	}
	m.deps.Notifier.Send(notify.Event{Kind: kind, File: file, Body: body})
}

func (m *Maintainer) restarts() int {
	n, err := m.deps.State.Restarts()
	if err != nil {
		return 0
	}
	return n
}

// Health computes the current health score and publishes it as a metric.
func (m *Maintainer) Health() int {
	tail, err := m.deps.Monitor.TailLines(m.cfg.HealthLines)
	if err != nil {
		m.log.Warn("read log tail failed", "error", err)
	}
	st, err := m.deps.State.Load()
	if err != nil {
		m.log.Warn("load state failed", "error", err)
	}
	score := state.HealthScore(tail, m.deps.Monitor.Marker(), st.Restarts, len(st.Patches))
	metrics.SetHealthScore(score)
	return score
}

// resolve returns the absolute on-disk path for a file named name, located at
// path when that is set.
func resolve(name, path string) string {
	p := path
	if p == "" {
		p = name
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
