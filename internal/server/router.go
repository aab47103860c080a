// Package server exposes the maintenance dashboard and its admin endpoints.
package server

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/autoheal/internal/auth"
	"github.com/loykin/autoheal/internal/logmon"
	"github.com/loykin/autoheal/internal/maintain"
	"github.com/loykin/autoheal/internal/metrics"
	"github.com/loykin/autoheal/internal/oracle"
	"github.com/loykin/autoheal/internal/process"
	"github.com/loykin/autoheal/internal/state"
	atls "github.com/loykin/autoheal/internal/tls"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Config is the [server] section.
type Config struct {
	Listen    string       `mapstructure:"listen"`
	BasePath  string       `mapstructure:"base_path"`
	PatchRoot string       `mapstructure:"patch_root"`
	TLS       atls.Options `mapstructure:"tls"`
}

// Maintainer runs patch cycles on behalf of the admin endpoints.
type Maintainer interface {
	Fix(ctx context.Context, name, path string) (maintain.Outcome, error)
	ApplyPatch(ctx context.Context, name, path, text string) (maintain.Outcome, error)
	Health() int
}

// ServiceStatus reports the supervised service.
type ServiceStatus interface {
	Status() process.Status
}

// ResourceSource reports the latest resource sample of the service.
type ResourceSource interface {
	Latest() (metrics.Usage, bool)
}

// Deps are the collaborators of the Router. Service, Resources, Analyzer,
// Auth, MaintainerLog and Metrics may be nil.
type Deps struct {
	Maintainer    Maintainer
	State         *state.Store
	ErrorLog      *logmon.Monitor
	MaintainerLog *logmon.Monitor
	Service       ServiceStatus
	Resources     ResourceSource
	Analyzer      oracle.Analyzer
	Auth          *auth.Service
	Metrics       http.Handler
	Logger        *slog.Logger
}

// Router serves:
//
//	GET  {base}/admin/auto_dashboard        HTML dashboard
//	GET  {base}/admin/auto_dashboard_state  dashboard data as JSON
//	POST {base}/admin/apply_patch           form: patch, file
//	POST {base}/admin/auto_fix              JSON or form: file
//	GET  {base}/admin/diagnostics           log excerpt and oracle analysis
//	GET  {base}/health, {base}/metrics
//	GET|POST {base}/login, POST {base}/logout
type Router struct {
	cfg      Config
	deps     Deps
	basePath string
	log      *slog.Logger
}

func NewRouter(cfg Config, deps Deps) *Router {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{cfg: cfg, deps: deps, basePath: sanitizeBase(cfg.BasePath), log: log.With("component", "dashboard")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.SetHTMLTemplate(template.Must(template.ParseFS(templatesFS, "templates/*.html")))

	mw := auth.NewMiddleware(r.deps.Auth)
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	metricsHandler := r.deps.Metrics
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}
	group.GET("/metrics", gin.WrapH(metricsHandler))
	group.GET("/login", r.handleLoginPage)
	group.POST("/login", r.handleLogin)
	group.POST("/logout", r.handleLogout)

	pages := group.Group("/admin", mw.GinPage(r.basePath+"/login"))
	pages.GET("/auto_dashboard", r.handleDashboard)
	pages.GET("/diagnostics", r.handleDiagnostics)

	api := group.Group("/admin", mw.GinAuth())
	api.GET("/auto_dashboard_state", r.handleDashboardState)
	api.POST("/apply_patch", r.handleApplyPatch)
	api.POST("/auto_fix", r.handleAutoFix)
	return g
}

// Serve listens on cfg.Listen, with TLS when configured, until ctx is done.
func (r *Router) Serve(ctx context.Context) error {
	tlsCfg, err := atls.Setup(r.cfg.TLS)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              r.cfg.Listen,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		r.log.Info("dashboard listening", "addr", r.cfg.Listen, "tls", tlsCfg != nil)
		if tlsCfg != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type errorResp struct {
	Error string `json:"error"`
	Patch string `json:"patch,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, map[string]string{"status": "healthy"})
}
