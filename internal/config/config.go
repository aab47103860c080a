// Package config loads the daemon configuration from TOML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/autoheal/internal/auth"
	"github.com/loykin/autoheal/internal/env"
	"github.com/loykin/autoheal/internal/logger"
	"github.com/loykin/autoheal/internal/metrics"
	"github.com/loykin/autoheal/internal/notify"
	"github.com/loykin/autoheal/internal/oracle"
	"github.com/loykin/autoheal/internal/process"
	"github.com/loykin/autoheal/internal/server"
)

// EnvPrefix prefixes environment overrides: AUTOHEAL_ORACLE_API_KEY sets oracle.api_key.
const EnvPrefix = "AUTOHEAL"

// Config represents the top-level TOML structure.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Maintain MaintainConfig `mapstructure:"maintain"`
	Oracle   oracle.Config  `mapstructure:"oracle"`
	Backup   BackupConfig   `mapstructure:"backup"`
	State    StateConfig    `mapstructure:"state"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     auth.Config    `mapstructure:"auth"`
	History  HistoryConfig  `mapstructure:"history"`
	Log      DaemonLog      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServiceConfig struct {
	Name           string        `mapstructure:"name"`
	Command        string        `mapstructure:"command"`
	WorkDir        string        `mapstructure:"workdir"`
	Env            []string      `mapstructure:"env"`
	EnvFiles       []string      `mapstructure:"env_files"`
	PIDFile        string        `mapstructure:"pidfile"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	// ErrorLog is the file watched for failure signatures. It defaults to the
	// service's captured stderr.
	ErrorLog string    `mapstructure:"error_log"`
	Log      LogConfig `mapstructure:"log"`
}

type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MaintainConfig struct {
	Target        string        `mapstructure:"target"`
	// TargetName is Target as written in the config, before it is resolved
	// against the config directory.
	TargetName    string        `mapstructure:"-"`
	Interval      time.Duration `mapstructure:"interval"`
	Window        int           `mapstructure:"window"`
	HealthLines   int           `mapstructure:"health_lines"`
	Marker        string        `mapstructure:"marker"`
	SkipUnchanged bool          `mapstructure:"skip_unchanged"`
	Watch         bool          `mapstructure:"watch"`
}

type BackupConfig struct {
	Dir string `mapstructure:"dir"`
}

type StateConfig struct {
	Path string `mapstructure:"path"`
}

type NotifyConfig struct {
	Timeout time.Duration     `mapstructure:"timeout"`
	SMTP    notify.SMTPConfig `mapstructure:"smtp"`
}

type ServerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	server.Config `mapstructure:",squash"`
}

type HistoryConfig struct {
	// Sinks are DSNs: sqlite://, postgres://, clickhouse://, opensearch://
	Sinks   []string      `mapstructure:"sinks"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DaemonLog struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "app")
	v.SetDefault("service.command", "")
	v.SetDefault("service.error_log", "")
	v.SetDefault("service.restart_backoff", "2s")
	v.SetDefault("service.stop_timeout", "10s")
	v.SetDefault("service.log.dir", "logs")

	v.SetDefault("maintain.target", "")
	v.SetDefault("maintain.interval", "60s")
	v.SetDefault("maintain.window", 5000)
	v.SetDefault("maintain.health_lines", 50)
	v.SetDefault("maintain.marker", "Traceback")
	v.SetDefault("maintain.skip_unchanged", true)
	v.SetDefault("maintain.watch", true)

	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.model", oracle.DefaultModel)
	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.timeout", oracle.DefaultTimeout.String())
	v.SetDefault("oracle.patch_max_tokens", oracle.DefaultPatchMaxTokens)
	v.SetDefault("oracle.analysis_max_tokens", oracle.DefaultAnalysisMaxTokens)

	v.SetDefault("backup.dir", "backups")
	v.SetDefault("state.path", "state.json")

	v.SetDefault("notify.timeout", notify.DefaultSendTimeout.String())
	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
	v.SetDefault("notify.smtp.starttls", true)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8000")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.patch_root", "")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password_hash", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", auth.DefaultTokenTTL.String())

	v.SetDefault("history.timeout", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "auto_maintain.log")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", "10s")
	v.SetDefault("metrics.resources.max_history", 100)
}

// Load reads the TOML file at path (optional) and applies AUTOHEAL_*
// environment overrides. OPENAI_API_KEY is used when no oracle key is set.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Oracle.APIKey == "" {
		c.Oracle.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	c.Maintain.TargetName = c.Maintain.Target
	if path != "" {
		c.resolveRelative(filepath.Dir(path))
	}
	c.fillDerived()
	return &c, nil
}

// resolveRelative makes file paths relative to the config file's directory.
func (c *Config) resolveRelative(base string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	for _, p := range []*string{
		&c.Service.WorkDir, &c.Service.PIDFile, &c.Service.ErrorLog,
		&c.Service.Log.Dir, &c.Service.Log.Stdout, &c.Service.Log.Stderr,
		&c.Maintain.Target, &c.Backup.Dir, &c.State.Path, &c.Log.File,
		&c.Server.PatchRoot, &c.Server.TLS.Dir, &c.Server.TLS.CertFile, &c.Server.TLS.KeyFile,
	} {
		abs(p)
	}
	for i := range c.Service.EnvFiles {
		abs(&c.Service.EnvFiles[i])
	}
}

func (c *Config) fillDerived() {
	if c.Service.ErrorLog == "" {
		switch {
		case c.Service.Log.Stderr != "":
			c.Service.ErrorLog = c.Service.Log.Stderr
		case c.Service.Log.Dir != "":
			c.Service.ErrorLog = filepath.Join(c.Service.Log.Dir, c.Service.Name+".stderr.log")
		}
	}
	if c.Server.PatchRoot == "" && c.Maintain.Target != "" {
		c.Server.PatchRoot = filepath.Dir(c.Maintain.Target)
	}
}

// Validate checks the settings the daemon cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Service.Command) == "" {
		errs = append(errs, errors.New("service.command is required"))
	}
	if c.Service.ErrorLog == "" {
		errs = append(errs, errors.New("service.error_log is required when service logs are not captured"))
	}
	if c.Maintain.Target == "" {
		errs = append(errs, errors.New("maintain.target is required"))
	}
	if c.Auth.Enabled && c.Auth.PasswordHash == "" {
		errs = append(errs, errors.New("auth.password_hash is required when auth is enabled"))
	}
	return errors.Join(errs...)
}

// ServiceSpec builds the process spec of the supervised service. Variables
// from env_files are applied first and the env list overrides them.
func (c *Config) ServiceSpec() (process.Spec, error) {
	env, err := c.Service.mergedEnv()
	if err != nil {
		return process.Spec{}, err
	}
	return process.Spec{
		Name:    c.Service.Name,
		Command: c.Service.Command,
		WorkDir: c.Service.WorkDir,
		Env:     env,
		PIDFile: c.Service.PIDFile,
		Log: logger.Config{
			Dir:        c.Service.Log.Dir,
			StdoutPath: c.Service.Log.Stdout,
			StderrPath: c.Service.Log.Stderr,
			MaxSizeMB:  c.Service.Log.MaxSizeMB,
			MaxBackups: c.Service.Log.MaxBackups,
			MaxAgeDays: c.Service.Log.MaxAgeDays,
			Compress:   c.Service.Log.Compress,
		},
	}, nil
}

// DaemonLogger returns the logger settings of the daemon itself.
func (c *Config) DaemonLogger() logger.DaemonConfig {
	return logger.DaemonConfig{
		Level:      c.Log.Level,
		Format:     logger.Format(c.Log.Format),
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// mergedEnv layers env_files in order and then env; see env.Compose.
func (s ServiceConfig) mergedEnv() ([]string, error) {
	layers := make([][]string, 0, len(s.EnvFiles)+1)
	for _, p := range s.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		layers = append(layers, pairs)
	}
	return env.Compose(append(layers, s.Env)...), nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	pairs, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		out = append(out, kv[0]+"="+kv[1])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes) in file order.
// Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			out = append(out, [2]string{strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])})
		}
	}
	return out, nil
}
