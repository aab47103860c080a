// Package autoheal wires the self-healing supervisor from a config: the
// service supervisor, the maintenance loop, the dashboard and the exporters.
package autoheal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/autoheal/internal/auth"
	"github.com/loykin/autoheal/internal/backup"
	"github.com/loykin/autoheal/internal/config"
	"github.com/loykin/autoheal/internal/history"
	"github.com/loykin/autoheal/internal/history/factory"
	"github.com/loykin/autoheal/internal/logger"
	"github.com/loykin/autoheal/internal/logmon"
	"github.com/loykin/autoheal/internal/maintain"
	"github.com/loykin/autoheal/internal/metrics"
	"github.com/loykin/autoheal/internal/notify"
	"github.com/loykin/autoheal/internal/oracle"
	"github.com/loykin/autoheal/internal/patch"
	"github.com/loykin/autoheal/internal/server"
	"github.com/loykin/autoheal/internal/state"
	"github.com/loykin/autoheal/internal/supervisor"
)

// Re-export the types embedders need.
type (
	Config  = config.Config
	Outcome = maintain.Outcome
	Oracle  = oracle.Oracle
)

// LoadConfig reads a TOML config file; see config.Load.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Option customises a Daemon.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	oracle   oracle.Oracle
	analyzer oracle.Analyzer
	notifier notify.Notifier
	sinks    []history.Sink
	registry prometheus.Registerer
}

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithOracle replaces the OpenAI oracle.
func WithOracle(or oracle.Oracle) Option { return func(o *options) { o.oracle = or } }

// WithAnalyzer replaces the OpenAI diagnostics analyzer.
func WithAnalyzer(a oracle.Analyzer) Option { return func(o *options) { o.analyzer = a } }

// WithNotifier replaces the SMTP/log notifier.
func WithNotifier(n notify.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithHistorySinks adds history sinks to those configured by DSN.
func WithHistorySinks(s ...history.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// WithRegistry sets the Prometheus registerer (default: the global one).
func WithRegistry(r prometheus.Registerer) Option { return func(o *options) { o.registry = r } }

// Daemon is a fully wired supervisor. Build it with New, run it with Run and
// release it with Close.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	closers    []io.Closer
	state      *state.Store
	errorLog   *logmon.Monitor
	supervisor *supervisor.Supervisor
	maintainer *maintain.Maintainer
	mdeps      maintain.Deps
	router     *server.Router
	notifier   *notify.Dispatcher
	history    *history.Exporter
	resources  *metrics.ResourceCollector
}

// New validates cfg and builds every component without starting anything.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Daemon{cfg: cfg}
	d.log = o.logger
	if d.log == nil {
		l, closer, err := logger.New(cfg.DaemonLogger())
		if err != nil {
			return nil, err
		}
		d.log = l
		d.closers = append(d.closers, closer)
	}

	spec, err := cfg.ServiceSpec()
	if err != nil {
		return nil, fmt.Errorf("service spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("service spec: %w", err)
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	d.resources = metrics.NewResourceCollector(cfg.Metrics.Resources)
	if cfg.Metrics.Enabled {
		if err := d.resources.Register(o.registry); err != nil {
			return nil, fmt.Errorf("register resource metrics: %w", err)
		}
	}

	d.state = state.New(cfg.State.Path, d.log)
	d.errorLog = logmon.New(cfg.Service.ErrorLog, cfg.Maintain.Marker)

	backups, err := backup.NewDir(cfg.Backup.Dir)
	if err != nil {
		return nil, err
	}

	or, an := o.oracle, o.analyzer
	if or == nil || an == nil {
		openai, err := oracle.NewOpenAI(cfg.Oracle)
		if err != nil {
			d.log.Warn("oracle not configured, patch cycles will report it unavailable", "error", err)
			unavailable := fmt.Errorf("%w: %v", oracle.ErrUnavailable, err)
			if or == nil {
				or = oracle.Func(func(context.Context, oracle.Request) (string, error) { return "", unavailable })
			}
			if an == nil {
				an = oracle.AnalyzerFunc(func(context.Context, string) (string, error) { return "", unavailable })
			}
		} else {
			if or == nil {
				or = openai
			}
			if an == nil {
				an = openai
			}
		}
	}

	n := o.notifier
	if n == nil {
		if cfg.Notify.SMTP.Enabled() {
			smtp, err := notify.NewSMTP(cfg.Notify.SMTP)
			if err != nil {
				return nil, err
			}
			n = smtp
		} else {
			n = notify.Log{Logger: d.log}
		}
	}
	d.notifier = notify.NewDispatcher(n, cfg.Notify.Timeout, d.log)

	sinks, err := factory.NewSinks(cfg.History.Sinks)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	d.history = history.NewExporter(d.log, cfg.History.Timeout, append(sinks, o.sinks...)...)

	d.supervisor = supervisor.New(supervisor.Config{
		Spec:           spec,
		RestartBackoff: cfg.Service.RestartBackoff,
		StopTimeout:    cfg.Service.StopTimeout,
	}, d.state, d.log)
	d.supervisor.SetRestartHook(func(reason string, restarts int) {
		d.history.Export(history.NewRestartEvent(reason, restarts))
	})

	d.mdeps = maintain.Deps{
		Monitor:   d.errorLog,
		Oracle:    or,
		Applier:   patch.NewApplier(backups, d.log),
		State:     d.state,
		Notifier:  d.notifier,
		History:   d.history,
		Restarter: d.supervisor,
		Logger:    d.log,
	}
	d.maintainer = maintain.New(maintain.Config{
		Target:        cfg.Maintain.Target,
		TargetName:    cfg.Maintain.TargetName,
		Interval:      cfg.Maintain.Interval,
		Window:        cfg.Maintain.Window,
		HealthLines:   cfg.Maintain.HealthLines,
		SkipUnchanged: cfg.Maintain.SkipUnchanged,
		Watch:         cfg.Maintain.Watch,
	}, d.mdeps)

	authSvc, err := auth.New(cfg.Auth)
	if err != nil {
		return nil, err
	}
	deps := server.Deps{
		Maintainer: d.maintainer,
		State:      d.state,
		ErrorLog:   d.errorLog,
		Service:    d.supervisor,
		Analyzer:   an,
		Auth:       authSvc,
		Logger:     d.log,
	}
	if cfg.Log.File != "" {
		deps.MaintainerLog = logmon.New(cfg.Log.File, "")
	}
	if d.resources.Enabled() {
		deps.Resources = d.resources
	}
	d.router = server.NewRouter(cfg.Server.Config, deps)
	return d, nil
}

// Handler returns the dashboard handler for mounting in another server.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// Run supervises the service, runs the maintenance loop and serves the
// dashboard until ctx is done or one of them fails. A service that cannot be
// spawned is fatal.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.supervisor.Run(ctx) })
	g.Go(func() error { return d.maintainer.Run(ctx) })
	if d.cfg.Server.Enabled {
		g.Go(func() error { return d.router.Serve(ctx) })
	}
	if d.resources.Enabled() {
		g.Go(func() error {
			d.resources.Run(ctx, d.cfg.Service.Name, d.supervisor.PID)
			return nil
		})
	}
	d.log.Info("autoheal started", "service", d.cfg.Service.Name, "target", d.cfg.Maintain.Target, "error_log", d.cfg.Service.ErrorLog)
	err := g.Wait()
	d.log.Info("autoheal stopped", "error", err)
	return err
}

// Fix runs one synchronous patch cycle on path without a running service;
// the outcome's reload status is "skipped". An empty path means the
// configured target, named in the prompt as written in the config.
func (d *Daemon) Fix(ctx context.Context, path string) (Outcome, error) {
	deps := d.mdeps
	deps.Restarter = nil
	name := path
	if path == "" {
		name, path = d.cfg.Maintain.TargetName, d.cfg.Maintain.Target
	}
	m := maintain.New(maintain.Config{Target: path, TargetName: name, Window: d.cfg.Maintain.Window}, deps)
	return m.Fix(ctx, name, path)
}

// Report is the persisted state plus the computed health score.
type Report struct {
	state.State
	HealthScore int `json:"health_score"`
}

// Report loads the persisted state and computes the health score.
func (d *Daemon) Report() (Report, error) {
	st, err := d.state.Load()
	if err != nil {
		return Report{}, err
	}
	return Report{State: st, HealthScore: d.maintainer.Health()}, nil
}

// Close waits for pending notifications and exports and releases resources.
func (d *Daemon) Close() error {
	d.notifier.Wait()
	errs := []error{d.history.Close()}
	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
