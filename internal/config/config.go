// Package config loads the daemon configuration from TOML with DEVISR_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/devisr/internal/bridge"
	"github.com/loykin/devisr/internal/env"
	"github.com/loykin/devisr/internal/logger"
	"github.com/loykin/devisr/internal/session"
	"github.com/loykin/devisr/internal/supervisor"
	devtls "github.com/loykin/devisr/internal/tls"
	"github.com/loykin/devisr/internal/webhook"
)

// EnvPrefix prefixes environment overrides, e.g. DEVISR_WORKER_BINARY.
const EnvPrefix = "DEVISR"

type Config struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Server   ServerConfig   `mapstructure:"server"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Ports    PortsConfig    `mapstructure:"ports"`
	Health   HealthConfig   `mapstructure:"health"`
	Bridge   bridge.Config  `mapstructure:"bridge"`
	Webhook  webhook.Config `mapstructure:"webhook"`
	Registry RegistryConfig `mapstructure:"registry"`
	History  HistoryConfig  `mapstructure:"history"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      logger.Config  `mapstructure:"log"`

	// dir of the loaded file; relative env_files resolve against it
	dir string
}

type ServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	BasePath       string        `mapstructure:"base_path"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TLS            devtls.Config `mapstructure:"tls"`
}

type WorkerConfig struct {
	Binary            string        `mapstructure:"binary"`
	Args              []string      `mapstructure:"args"`
	BasicAuth         string        `mapstructure:"basic_auth"`
	Debug             bool          `mapstructure:"debug"`
	OS                string        `mapstructure:"os"`
	AccountValidation bool          `mapstructure:"account_validation"`
	Warmup            time.Duration `mapstructure:"warmup"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
	KillGrace         time.Duration `mapstructure:"kill_grace"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type SessionsConfig struct {
	Dir     string `mapstructure:"dir"`
	DBURI   string `mapstructure:"db_uri"`
	LocalDB string `mapstructure:"local_db"`
}

type PortsConfig struct {
	Base int `mapstructure:"base"`
	Max  int `mapstructure:"max"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RegistryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HistoryConfig selects lifecycle history sinks. DSN is a sqlite or postgres
// DSN; ClickHouseAddr adds a ClickHouse sink.
type HistoryConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	DSN             string `mapstructure:"dsn"`
	ClickHouseAddr  string `mapstructure:"clickhouse_addr"`
	ClickHouseTable string `mapstructure:"clickhouse_table"`
}

// MetricsConfig: an empty Listen serves /metrics on the API router.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.min_version", "1.3")
	v.SetDefault("server.tls.valid_days", 365)

	v.SetDefault("worker.binary", "")
	v.SetDefault("worker.args", []string{"rest"})
	v.SetDefault("worker.basic_auth", "admin:admin")
	v.SetDefault("worker.debug", false)
	v.SetDefault("worker.os", "devisr")
	v.SetDefault("worker.account_validation", false)
	v.SetDefault("worker.warmup", "3s")
	v.SetDefault("worker.stop_timeout", "30s")
	v.SetDefault("worker.kill_grace", "2s")
	v.SetDefault("worker.shutdown_timeout", "45s")

	v.SetDefault("sessions.dir", "./sessions")
	v.SetDefault("sessions.db_uri", "")
	v.SetDefault("sessions.local_db", session.DefaultLocalDB)

	v.SetDefault("ports.base", 3000)
	v.SetDefault("ports.max", 3999)

	v.SetDefault("health.interval", "30s")

	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.path", "/ws")
	v.SetDefault("bridge.retries", 3)
	v.SetDefault("bridge.backoff", "500ms")
	v.SetDefault("bridge.max_backoff", "5s")
	v.SetDefault("bridge.handshake_timeout", "10s")

	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.retries", 2)
	v.SetDefault("webhook.backoff", "1s")

	v.SetDefault("registry.dsn", "sqlite://./devisr.db")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.clickhouse_addr", "")
	v.SetDefault("history.clickhouse_table", "device_history")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.max_size_mb", 10)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age_days", 7)
	v.SetDefault("log.file.compress", false)
}

// Load reads path (optional) and applies environment overrides. The result is validated.
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
	if path != "" {
		c.dir = filepath.Dir(path)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Worker.Binary) == "" {
		errs = append(errs, errors.New("worker.binary is required"))
	}
	if c.Ports.Base <= 0 || c.Ports.Base >= c.Ports.Max || c.Ports.Max > 65535 {
		errs = append(errs, fmt.Errorf("ports: need 0 < base < max <= 65535, got base=%d max=%d", c.Ports.Base, c.Ports.Max))
	}
	if user, _, ok := strings.Cut(c.Worker.BasicAuth, ":"); !ok || user == "" {
		errs = append(errs, errors.New("worker.basic_auth must be user:pass"))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}
	if c.Worker.StopTimeout < 0 || c.Worker.KillGrace < 0 || c.Worker.Warmup < 0 {
		errs = append(errs, errors.New("worker durations must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", f))
	}
	if c.History.Enabled && c.History.DSN == "" && c.History.ClickHouseAddr == "" {
		errs = append(errs, errors.New("history.enabled needs history.dsn or history.clickhouse_addr"))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Registry.DSN == "" {
		errs = append(errs, errors.New("registry.dsn is required"))
	}
	return errors.Join(errs...)
}

// GlobalEnv builds the environment shared by all workers. Precedence, lowest
// first: OS env (use_os_env), env_files in order, then the env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New(c.UseOSEnv)
	for _, f := range c.EnvFiles {
		p := f
		if !filepath.IsAbs(p) && c.dir != "" {
			p = filepath.Join(c.dir, p)
		}
		if err := e.LoadFile(filepath.Clean(p)); err != nil {
			return nil, err
		}
	}
	e.SetPairs(c.Env)
	return e, nil
}

func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		Binary:            c.Worker.Binary,
		Args:              c.Worker.Args,
		BasicAuth:         c.Worker.BasicAuth,
		Debug:             c.Worker.Debug,
		OS:                c.Worker.OS,
		AccountValidation: c.Worker.AccountValidation,
		Warmup:            c.Worker.Warmup,
		StopTimeout:       c.Worker.StopTimeout,
		KillGrace:         c.Worker.KillGrace,
		ShutdownTimeout:   c.Worker.ShutdownTimeout,
		HealthInterval:    c.Health.Interval,
	}
}

func (c *Config) SessionLayout() session.Layout {
	return session.Layout{Root: c.Sessions.Dir, DBURI: c.Sessions.DBURI, LocalDB: c.Sessions.LocalDB}
}

// BridgeConfig authenticates the bridge with the workers' basic auth.
func (c *Config) BridgeConfig() bridge.Config {
	b := c.Bridge
	b.BasicAuth = c.Worker.BasicAuth
	return b
}
