package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/autoheal/internal/logmon"
	"github.com/loykin/autoheal/internal/metrics"
	"github.com/loykin/autoheal/internal/process"
	"github.com/loykin/autoheal/internal/state"
)

const (
	errorLines       = 50
	maintainerLines  = 50
	diagnosticsBytes = 5000

	// shown in place of the analysis when the oracle cannot be reached
	diagnosticsUnavailable = "OpenAI diagnostic failed."
)

type page struct {
	Title       string
	Base        string
	AuthEnabled bool
}

type dashboardData struct {
	Patches     []state.PatchRecord `json:"patches"`
	Restarts    int                 `json:"restarts"`
	Errors      []string            `json:"errors"`
	HealthScore int                 `json:"health_score"`
	Service     process.Status      `json:"service"`
	Resources   *metrics.Usage      `json:"resources,omitempty"`
}

type dashboardView struct {
	page
	dashboardData
	MaintainerLog []string
}

func (r *Router) page(title string) page {
	return page{Title: title, Base: r.basePath, AuthEnabled: r.deps.Auth != nil && r.deps.Auth.Enabled()}
}

func (r *Router) collect() (dashboardData, error) {
	st, err := r.deps.State.Load()
	if err != nil {
		return dashboardData{}, err
	}
	errs, err := r.deps.ErrorLog.TailLines(errorLines)
	if err != nil {
		r.log.Warn("read error log failed", "error", err)
	}
	d := dashboardData{
		Patches:     st.Patches,
		Restarts:    st.Restarts,
		Errors:      reversed(errs),
		HealthScore: r.deps.Maintainer.Health(),
	}
	if d.Patches == nil {
		d.Patches = []state.PatchRecord{}
	}
	if d.Errors == nil {
		d.Errors = []string{}
	}
	if r.deps.Service != nil {
		d.Service = r.deps.Service.Status()
	}
	if r.deps.Resources != nil {
		if u, ok := r.deps.Resources.Latest(); ok {
			d.Resources = &u
		}
	}
	return d, nil
}

func (r *Router) handleDashboard(c *gin.Context) {
	d, err := r.collect()
	if err != nil {
		r.log.Error("load dashboard failed", "error", err)
		c.String(http.StatusInternalServerError, "failed to load state")
		return
	}
	v := dashboardView{page: r.page("Dashboard"), dashboardData: d}
	v.Patches = reversed(d.Patches)
	v.MaintainerLog = tail(r.deps.MaintainerLog, maintainerLines)
	c.HTML(http.StatusOK, "dashboard", v)
}

func (r *Router) handleDashboardState(c *gin.Context) {
	d, err := r.collect()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, d)
}

type diagnosticsView struct {
	page
	Logs     string
	Analysis string
}

func (r *Router) handleDiagnostics(c *gin.Context) {
	logs, err := r.deps.ErrorLog.TailBytes(diagnosticsBytes)
	if err != nil {
		r.log.Warn("read error log failed", "error", err)
	}
	v := diagnosticsView{page: r.page("Diagnostics"), Logs: logs, Analysis: diagnosticsUnavailable}
	if r.deps.Analyzer != nil {
		analysis, err := r.deps.Analyzer.Analyze(c.Request.Context(), logs)
		if err != nil {
			r.log.Warn("diagnostic analysis failed", "error", err)
		} else {
			v.Analysis = analysis
		}
	}
	c.HTML(http.StatusOK, "diagnostics", v)
}

func tail(m *logmon.Monitor, n int) []string {
	if m == nil {
		return nil
	}
	lines, err := m.TailLines(n)
	if err != nil {
		return nil
	}
	return lines
}

func reversed[T any](in []T) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
