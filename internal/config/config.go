// Package config loads translucent's application configuration from a YAML
// file, TRANSLUCENT_ environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/prasenjit/translucent/internal/logging"
	"github.com/prasenjit/translucent/internal/matcher"
	"github.com/prasenjit/translucent/internal/passthrough"
)

// EnvPrefix prefixes environment overrides, e.g. TRANSLUCENT_SERVER_PORT.
const EnvPrefix = "TRANSLUCENT"

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Scenarios   ScenariosConfig   `mapstructure:"scenarios" yaml:"scenarios"`
	Passthrough PassthroughConfig `mapstructure:"passthrough" yaml:"passthrough"`
	Recorder    RecorderConfig    `mapstructure:"recorder" yaml:"recorder"`
	Sessions    SessionsConfig    `mapstructure:"sessions" yaml:"sessions"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host          string `mapstructure:"host" yaml:"host"`
	Port          int    `mapstructure:"port" yaml:"port"`
	ControlPrefix string `mapstructure:"controlPrefix" yaml:"controlPrefix"`
	// RequestTimeout bounds each simulated request; 0 disables it.
	RequestTimeout  time.Duration `mapstructure:"requestTimeout" yaml:"requestTimeout"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout" yaml:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout" yaml:"writeTimeout"`
	IdleTimeout     time.Duration `mapstructure:"idleTimeout" yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout" yaml:"shutdownTimeout"`
	MaxBodyBytes    int64         `mapstructure:"maxBodyBytes" yaml:"maxBodyBytes"`
	TLS             TLSConfig     `mapstructure:"tls" yaml:"tls"`
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile     string `mapstructure:"certFile" yaml:"certFile"`
	KeyFile      string `mapstructure:"keyFile" yaml:"keyFile"`
	AutoGenerate bool   `mapstructure:"autoGenerate" yaml:"autoGenerate"` // self-signed when no cert is configured
	StorePath    string `mapstructure:"storePath" yaml:"storePath"`       // where generated certs are kept
}

// ScenariosConfig selects the scenario files and how they are matched.
type ScenariosConfig struct {
	// Paths are glob patterns; ** matches across directories.
	Paths         []string      `mapstructure:"paths" yaml:"paths"`
	Watch         bool          `mapstructure:"watch" yaml:"watch"`
	WatchDebounce time.Duration `mapstructure:"watchDebounce" yaml:"watchDebounce"`
	// PredicateMode is gate or response.
	PredicateMode string `mapstructure:"predicateMode" yaml:"predicateMode"`
}

// PassthroughConfig holds upstream forwarding configuration
type PassthroughConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Unmatched forwards requests no scenario matched.
	Unmatched    bool             `mapstructure:"unmatched" yaml:"unmatched"`
	Timeout      time.Duration    `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries   int              `mapstructure:"maxRetries" yaml:"maxRetries"`
	PreserveHost bool             `mapstructure:"preserveHost" yaml:"preserveHost"`
	CAFile       string           `mapstructure:"caFile" yaml:"caFile"`
	Upstreams    []UpstreamConfig `mapstructure:"upstreams" yaml:"upstreams"`
}

// UpstreamConfig routes a path prefix to an https upstream.
type UpstreamConfig struct {
	Prefix      string `mapstructure:"prefix" yaml:"prefix"`
	URL         string `mapstructure:"url" yaml:"url"`
	StripPrefix bool   `mapstructure:"stripPrefix" yaml:"stripPrefix"`
}

// RecorderConfig holds interaction recording configuration
type RecorderConfig struct {
	MaxInteractions int           `mapstructure:"maxInteractions" yaml:"maxInteractions"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
	MaxBodyBytes    int           `mapstructure:"maxBodyBytes" yaml:"maxBodyBytes"`
}

// SessionsConfig bounds record/replay sessions.
type SessionsConfig struct {
	// MaxExchanges is kept per session, oldest dropped first.
	MaxExchanges int `mapstructure:"maxExchanges" yaml:"maxExchanges"`
	// MaxBodyBytes is the largest upstream body a session captures.
	MaxBodyBytes int `mapstructure:"maxBodyBytes" yaml:"maxBodyBytes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ControlPrefix:   "/_api",
			RequestTimeout:  30 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    10 * 1024 * 1024,
			TLS: TLSConfig{
				AutoGenerate: true,
				StorePath:    "./certs",
			},
		},
		Scenarios: ScenariosConfig{
			Paths:         []string{"scenarios.yaml"},
			WatchDebounce: 250 * time.Millisecond,
			PredicateMode: string(matcher.PredicateGate),
		},
		Passthrough: PassthroughConfig{
			Timeout:    passthrough.DefaultTimeout,
			MaxRetries: 1,
		},
		Recorder: RecorderConfig{
			MaxInteractions: 1000,
			Retention:       time.Hour,
			MaxBodyBytes:    64 * 1024,
		},
		Sessions: SessionsConfig{
			MaxExchanges: 500,
			MaxBodyBytes: 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// SetDefaults registers every default with v, which also makes each key
// visible to environment overrides.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.controlPrefix", d.Server.ControlPrefix)
	v.SetDefault("server.requestTimeout", d.Server.RequestTimeout)
	v.SetDefault("server.readTimeout", d.Server.ReadTimeout)
	v.SetDefault("server.writeTimeout", d.Server.WriteTimeout)
	v.SetDefault("server.idleTimeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdownTimeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.maxBodyBytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.tls.enabled", d.Server.TLS.Enabled)
	v.SetDefault("server.tls.certFile", d.Server.TLS.CertFile)
	v.SetDefault("server.tls.keyFile", d.Server.TLS.KeyFile)
	v.SetDefault("server.tls.autoGenerate", d.Server.TLS.AutoGenerate)
	v.SetDefault("server.tls.storePath", d.Server.TLS.StorePath)

	v.SetDefault("scenarios.paths", d.Scenarios.Paths)
	v.SetDefault("scenarios.watch", d.Scenarios.Watch)
	v.SetDefault("scenarios.watchDebounce", d.Scenarios.WatchDebounce)
	v.SetDefault("scenarios.predicateMode", d.Scenarios.PredicateMode)

	v.SetDefault("passthrough.enabled", d.Passthrough.Enabled)
	v.SetDefault("passthrough.unmatched", d.Passthrough.Unmatched)
	v.SetDefault("passthrough.timeout", d.Passthrough.Timeout)
	v.SetDefault("passthrough.maxRetries", d.Passthrough.MaxRetries)
	v.SetDefault("passthrough.preserveHost", d.Passthrough.PreserveHost)
	v.SetDefault("passthrough.caFile", d.Passthrough.CAFile)

	v.SetDefault("recorder.maxInteractions", d.Recorder.MaxInteractions)
	v.SetDefault("recorder.retention", d.Recorder.Retention)
	v.SetDefault("recorder.maxBodyBytes", d.Recorder.MaxBodyBytes)

	v.SetDefault("sessions.maxExchanges", d.Sessions.MaxExchanges)
	v.SetDefault("sessions.maxBodyBytes", d.Sessions.MaxBodyBytes)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// NewViper returns a viper instance with defaults and environment overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// FromViper decodes the configuration held by v. Callers validate once any
// remaining overrides are applied.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Load reads configuration from a YAML file. An empty path yields the
// defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port %d is out of range", c.Server.Port)
	}
	if p := c.Server.ControlPrefix; !strings.HasPrefix(p, "/") || strings.Trim(p, "/") == "" {
		fail("server.controlPrefix %q must be a non-root absolute path", p)
	}
	for name, d := range map[string]time.Duration{
		"server.requestTimeout":  c.Server.RequestTimeout,
		"server.readTimeout":     c.Server.ReadTimeout,
		"server.writeTimeout":    c.Server.WriteTimeout,
		"server.idleTimeout":     c.Server.IdleTimeout,
		"server.shutdownTimeout": c.Server.ShutdownTimeout,
		"passthrough.timeout":    c.Passthrough.Timeout,
		"recorder.retention":     c.Recorder.Retention,
	} {
		if d < 0 {
			fail("%s must not be negative", name)
		}
	}
	if c.Server.MaxBodyBytes <= 0 {
		fail("server.maxBodyBytes must be positive")
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		fail("server.tls.certFile and server.tls.keyFile must be set together")
	}

	if len(c.Scenarios.Paths) == 0 {
		fail("scenarios.paths must name at least one file or glob")
	}
	if _, err := matcher.ParsePredicateMode(c.Scenarios.PredicateMode); err != nil {
		fail("scenarios.predicateMode: %v", err)
	}

	if c.Passthrough.Enabled && len(c.Passthrough.Upstreams) == 0 {
		fail("passthrough.enabled requires at least one upstream")
	}
	if c.Passthrough.MaxRetries < 0 || c.Passthrough.MaxRetries > passthrough.MaxRetries {
		fail("passthrough.maxRetries must be between 0 and %d", passthrough.MaxRetries)
	}

	if c.Recorder.MaxInteractions <= 0 {
		fail("recorder.maxInteractions must be positive")
	}
	if c.Recorder.MaxBodyBytes < 0 {
		fail("recorder.maxBodyBytes must not be negative")
	}
	if c.Sessions.MaxExchanges <= 0 {
		fail("sessions.maxExchanges must be positive")
	}
	if c.Sessions.MaxBodyBytes <= 0 {
		fail("sessions.maxBodyBytes must be positive")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		fail("logging.level: %v", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		fail("logging.format: %v", err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

// Address returns the listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// UpstreamConfigs converts the configured upstreams for the pass-through client.
func (c *Config) UpstreamConfigs() []passthrough.UpstreamConfig {
	out := make([]passthrough.UpstreamConfig, len(c.Passthrough.Upstreams))
	for i, u := range c.Passthrough.Upstreams {
		out[i] = passthrough.UpstreamConfig{Prefix: u.Prefix, URL: u.URL, StripPrefix: u.StripPrefix}
	}
	return out
}
