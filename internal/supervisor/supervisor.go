// Package supervisor keeps the service process alive: it relaunches it after
// every exit and restarts it on request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/autoheal/internal/metrics"
	"github.com/loykin/autoheal/internal/process"
)

const (
	DefaultRestartBackoff = 2 * time.Second
	DefaultStopTimeout    = 10 * time.Second

	ReasonExit      = "exit"
	ReasonRequested = "requested"
)

// ErrNotRunning is returned by Restart when the supervisor loop is not active.
var ErrNotRunning = errors.New("supervisor not running")

// Config describes the supervised service and the restart policy.
type Config struct {
	Spec           process.Spec
	RestartBackoff time.Duration
	StopTimeout    time.Duration
}

// Counter persists the restart counter.
type Counter interface {
	IncrementRestarts() (int, error)
	Restarts() (int, error)
}

type restartReq struct {
	reply chan error
}

// Supervisor owns the service process. Only the Run goroutine touches the
// process handle's lifecycle; other callers go through Restart.
type Supervisor struct {
	cfg     Config
	counter Counter
	log     *slog.Logger
	hook    func(reason string, restarts int)

	ctrl    chan restartReq
	started chan struct{}
	exited  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	cur      *process.Process
	restarts int
}

func New(cfg Config, counter Counter, log *slog.Logger) *Supervisor {
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		counter: counter,
		log:     log.With("service", cfg.Spec.Name),
		ctrl:    make(chan restartReq),
		started: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// SetRestartHook registers fn to be called after every relaunch. It must be
// called before Run.
func (s *Supervisor) SetRestartHook(fn func(reason string, restarts int)) { s.hook = fn }

// Run launches the service and keeps it alive until ctx is done, at which
// point the service is stopped and Run returns nil. A failed spawn is fatal
// and returned.
func (s *Supervisor) Run(ctx context.Context) error {
	first := false
	s.once.Do(func() { first = true })
	if !first {
		return errors.New("supervisor already ran")
	}
	defer close(s.exited)

	if s.counter != nil {
		if n, err := s.counter.Restarts(); err == nil {
			s.mu.Lock()
			s.restarts = n
			s.mu.Unlock()
		}
	}

	if path := s.cfg.Spec.PIDFile; path != "" {
		if pid, err := process.ReapStale(path, s.cfg.StopTimeout); err != nil {
			s.log.Warn("failed to stop stale service instance", "pid", pid, "error", err)
		} else if pid > 0 {
			s.log.Warn("stopped stale service instance", "pid", pid, "pidfile", path)
		}
	}

	proc, err := s.spawn()
	close(s.started)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			s.shutdown(proc)
			return nil

		case <-proc.Done():
			st := proc.Status()
			metrics.SetServiceUp(false)
			s.log.Warn("service exited", "pid", st.PID, "exit_code", exitCode(st), "error", st.ExitErr)

			t := time.NewTimer(s.cfg.RestartBackoff)
			var pending *restartReq
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			case req := <-s.ctrl:
				t.Stop()
				pending = &req
			}
			reason := ReasonExit
			if pending != nil {
				reason = ReasonRequested
			}
			proc, err = s.relaunch(reason)
			if pending != nil {
				pending.reply <- err
			}
			if err != nil {
				return err
			}

		case req := <-s.ctrl:
			if err := proc.Stop(s.cfg.StopTimeout); err != nil {
				s.log.Error("stop before restart failed", "error", err)
				req.reply <- err
				continue
			}
			metrics.SetServiceUp(false)
			proc, err = s.relaunch(ReasonRequested)
			req.reply <- err
			if err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) spawn() (*process.Process, error) {
	p := process.New(s.cfg.Spec)
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("spawn service: %w", err)
	}
	s.mu.Lock()
	s.cur = p
	s.mu.Unlock()
	metrics.IncStart()
	metrics.SetServiceUp(true)
	s.log.Info("service started", "pid", p.Status().PID, "command", s.cfg.Spec.Command)
	return p, nil
}

func (s *Supervisor) relaunch(reason string) (*process.Process, error) {
	p, err := s.spawn()
	if err != nil {
		return nil, err
	}
	n := s.bumpRestarts()
	metrics.IncRestart(reason)
	s.log.Info("service relaunched", "reason", reason, "restarts", n)
	if s.hook != nil {
		s.hook(reason, n)
	}
	return p, nil
}

func (s *Supervisor) bumpRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counter != nil {
		n, err := s.counter.IncrementRestarts()
		if err == nil {
			s.restarts = n
			return n
		}
		s.log.Error("persist restart counter failed", "error", err)
	}
	s.restarts++
	return s.restarts
}

func (s *Supervisor) shutdown(p *process.Process) {
	if err := p.Stop(s.cfg.StopTimeout); err != nil {
		s.log.Error("service stop failed", "error", err)
	}
	metrics.SetServiceUp(false)
	s.log.Info("service stopped")
}

// Restart terminates the running service (SIGTERM, then SIGKILL after the
// stop timeout) and relaunches it. It returns once the new process started.
func (s *Supervisor) Restart(ctx context.Context) error {
	select {
	case <-s.started:
	case <-s.exited:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	req := restartReq{reply: make(chan error, 1)}
	select {
	case s.ctrl <- req:
	case <-s.exited:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the current process.
func (s *Supervisor) Status() process.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st process.Status
	if s.cur != nil {
		st = s.cur.Status()
	}
	st.Name = s.cfg.Spec.Name
	st.Restarts = s.restarts
	return st
}

// PID returns the pid of the running service, or 0 when it is down.
func (s *Supervisor) PID() int {
	st := s.Status()
	if !st.Running {
		return 0
	}
	return st.PID
}

func exitCode(st process.Status) int {
	if st.ExitCode == nil {
		return 0
	}
	return *st.ExitCode
}
