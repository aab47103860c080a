// Package notify delivers operator alerts about patch cycles.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/autoheal/internal/metrics"
)

// Kind classifies an alert.
type Kind string

const (
	KindPatchApplied    Kind = "patch_applied"
	KindPatchInvalid    Kind = "patch_invalid"
	KindPatchRolledBack Kind = "patch_rolled_back"
	KindOracleFailure   Kind = "oracle_failure"
	KindException       Kind = "exception"
)

// Subject returns the mail subject used for the kind.
func (k Kind) Subject() string {
	switch k {
	case KindPatchApplied:
		return "Auto-Maintain Patch Applied"
	case KindPatchInvalid:
		return "Auto-Maintain Warning"
	case KindPatchRolledBack, KindOracleFailure:
		return "Auto-Maintain Error"
	default:
		return "Auto-Maintain Exception"
	}
}

// Event is one alert.
type Event struct {
	Kind Kind
	File string
	Body string
}

// Notifier delivers an event. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Log writes events to a slog logger. It is the notifier of last resort.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, ev Event) error {
	lg := l.Logger
	if lg == nil {
		lg = slog.Default()
	}
	level := slog.LevelWarn
	if ev.Kind == KindPatchApplied {
		level = slog.LevelInfo
	}
	lg.Log(context.Background(), level, ev.Kind.Subject(), "kind", string(ev.Kind), "file", ev.File, "body", ev.Body)
	return nil
}

// DefaultSendTimeout bounds a single delivery.
const DefaultSendTimeout = 30 * time.Second

// Dispatcher sends events without blocking the caller. Failures are logged
// and counted, never returned.
type Dispatcher struct {
	n       Notifier
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(n Notifier, timeout time.Duration, log *slog.Logger) *Dispatcher {
	if n == nil {
		n = Log{Logger: log}
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{n: n, timeout: timeout, log: log}
}

// Send delivers ev in the background.
func (d *Dispatcher) Send(ev Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.n.Notify(ctx, ev); err != nil {
			metrics.IncNotifyFailure()
			d.log.Warn("notification failed", "kind", string(ev.Kind), "file", ev.File, "error", err)
		}
	}()
}

// Wait blocks until every pending Send has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }
