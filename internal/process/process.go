package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// ErrAlreadyStarted is returned when Start is called twice on the same handle.
var ErrAlreadyStarted = errors.New("process already started")

// killGrace bounds how long Stop waits for the reaper after SIGKILL.
const killGrace = 2 * time.Second

// Process is the handle of a single spawn of the service. A new Process is
// created for every launch; once Done is closed the handle is finished.
type Process struct {
	spec Spec

	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	done      chan struct{}
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

func New(spec Spec) *Process {
	return &Process{spec: spec, done: make(chan struct{})}
}

// Start launches the command in its own process group and begins reaping it
// in the background. Output goes to the configured log writers, or is
// discarded when none are configured.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}

	cmd := p.spec.BuildCommand()
	if p.spec.Log.Enabled() {
		outW, errW, err := p.spec.Log.Writers(p.spec.Name)
		if err != nil {
			return fmt.Errorf("prepare logs for %s: %w", p.spec.Name, err)
		}
		if outW != nil {
			cmd.Stdout = outW
		}
		if errW != nil {
			cmd.Stderr = errW
		}
		p.outCloser, p.errCloser = outW, errW
	}

	if err := cmd.Start(); err != nil {
		p.closeWritersLocked()
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}
	p.cmd = cmd
	p.status = Status{
		Name:      p.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	if p.spec.PIDFile != "" {
		_ = WritePIDFile(p.spec.PIDFile, cmd.Process.Pid, p.spec)
	}
	go p.reap(cmd)
	return nil
}

// reap is the only caller of cmd.Wait.
func (p *Process) reap(cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	code := exitCode(cmd, err)
	p.status.ExitCode = &code
	if err != nil {
		p.status.ExitErr = err.Error()
	}
	p.closeWritersLocked()
	p.mu.Unlock()

	if p.spec.PIDFile != "" {
		RemovePIDFile(p.spec.PIDFile)
	}
	close(p.done)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (p *Process) closeWritersLocked() {
	if p.outCloser != nil {
		_ = p.outCloser.Close()
		p.outCloser = nil
	}
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits, whatever the exit code, and returns
// the final status.
func (p *Process) Wait() Status {
	<-p.done
	return p.Status()
}

// Alive reports whether the process was started and has not exited yet.
func (p *Process) Alive() bool {
	p.mu.Lock()
	started := p.cmd != nil
	p.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stop sends SIGTERM to the process group and waits up to timeout for the
// exit, escalating to SIGKILL afterwards. Stopping a finished process is a no-op.
func (p *Process) Stop(timeout time.Duration) error {
	if !p.Alive() {
		return nil
	}
	pid := p.Status().PID
	if err := terminateGroup(pid); err != nil && p.Alive() {
		return fmt.Errorf("terminate %s (pid %d): %w", p.spec.Name, pid, err)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}
	_ = killGroup(pid)
	select {
	case <-p.done:
		return nil
	case <-time.After(killGrace):
		return fmt.Errorf("%s (pid %d) did not exit after SIGKILL", p.spec.Name, pid)
	}
}

// Status returns a copy of the current status.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
