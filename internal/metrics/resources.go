package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of the supervised service.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for service resource sampling.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceCollector samples CPU and memory of the supervised service and
// keeps a bounded history for the dashboard.
type ResourceCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history []Usage

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the supervised service."),
		memoryMB:   gauge("memory_mb", "Resident memory of the supervised service in MB."),
		numThreads: gauge("num_threads", "Thread count of the supervised service."),
		numFDs:     gauge("num_fds", "Open file descriptors of the supervised service (Unix only)."),
	}
}

func (c *ResourceCollector) Enabled() bool { return c != nil && c.enabled }

// Register registers the resource gauges with r.
func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	if !c.Enabled() {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, col := range collectors {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples the pid returned by current every interval until ctx is done.
// A pid of zero means the service is down and nothing is sampled.
func (c *ResourceCollector) Run(ctx context.Context, name string, current func() int) {
	if !c.Enabled() {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pid := current()
			if pid <= 0 {
				c.clear(name)
				continue
			}
			u, err := Sample(int32(pid))
			if err != nil {
				slog.Debug("resource sample failed", "name", name, "pid", pid, "error", err)
				continue
			}
			c.record(name, u)
		}
	}
}

// Sample reads the current resource usage of pid.
func Sample(pid int32) (Usage, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{
		PID:       pid,
		MemoryMB:  float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS: memInfo.RSS,
		MemoryVMS: memInfo.VMS,
		Timestamp: time.Now(),
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

func (c *ResourceCollector) record(name string, u Usage) {
	c.cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
	c.memoryMB.WithLabelValues(name).Set(u.MemoryMB)
	c.numThreads.WithLabelValues(name).Set(float64(u.NumThreads))
	if runtime.GOOS != "windows" && u.NumFDs > 0 {
		c.numFDs.WithLabelValues(name).Set(float64(u.NumFDs))
	}

	c.mu.Lock()
	c.history = append(c.history, u)
	if n := len(c.history); n > c.maxHistory {
		c.history = append([]Usage(nil), c.history[n-c.maxHistory:]...)
	}
	c.mu.Unlock()
}

func (c *ResourceCollector) clear(name string) {
	c.cpuPercent.DeleteLabelValues(name)
	c.memoryMB.DeleteLabelValues(name)
	c.numThreads.DeleteLabelValues(name)
	c.numFDs.DeleteLabelValues(name)
}

// Latest returns the most recent sample.
func (c *ResourceCollector) Latest() (Usage, bool) {
	if c == nil {
		return Usage{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return Usage{}, false
	}
	return c.history[len(c.history)-1], true
}

// History returns a copy of the retained samples, oldest first.
func (c *ResourceCollector) History() []Usage {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Usage(nil), c.history...)
}
