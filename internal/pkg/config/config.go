package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read by Load.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	CGI       CGIConfig       `koanf:"cgi"`
	Session   SessionConfig   `koanf:"session"`
	Storage   StorageConfig   `koanf:"storage"`
	Admin     AdminConfig     `koanf:"admin"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`     // SERVER_NAME when the request has no Host
	Software string `koanf:"software"` // SERVER_SOFTWARE
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

type CGIConfig struct {
	Timeout        string            `koanf:"timeout"` // Duration string like "30s"
	MaxHeaderBytes int               `koanf:"max_header_bytes"`
	MaxStderrBytes int               `koanf:"max_stderr_bytes"`
	ExitPolicy     string            `koanf:"exit_policy"` // lenient, strict
	MaxRedirects   int               `koanf:"max_redirects"`
	InheritEnv     []string          `koanf:"inherit_env"`
	Env            map[string]string `koanf:"env"`
	Locations      []LocationConfig  `koanf:"locations"`
}

// LocationConfig maps a URL prefix onto a directory of scripts.
type LocationConfig struct {
	Prefix string   `koanf:"prefix"`
	Root   string   `koanf:"root"`
	Index  []string `koanf:"index"`
	// Extensions maps a file extension, without the leading dot, to the
	// interpreter that runs it, e.g. php: php-cgi.
	Extensions       map[string]string `koanf:"extensions"`
	AllowExecutables bool              `koanf:"allow_executables"`
}

type SessionConfig struct {
	Enabled    bool   `koanf:"enabled"`
	CookieName string `koanf:"cookie_name"`
	MaxAge     string `koanf:"max_age"` // Duration string like "60s"
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type AdminConfig struct {
	Enabled bool           `koanf:"enabled"`
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

// TelemetryConfig controls span export. Spans go to stdout as JSON.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":            8080,
	"server.software":        "polyglot-cgi-gateway",
	"log.level":              "info",
	"cgi.timeout":            "30s",
	"cgi.max_header_bytes":   64 << 10,
	"cgi.max_stderr_bytes":   64 << 10,
	"cgi.exit_policy":        "lenient",
	"cgi.max_redirects":      10,
	"cgi.inherit_env":        []string{"PATH"},
	"session.cookie_name":    "WEBSERV_ID",
	"session.max_age":        "60s",
	"storage.type":           "none",
	"telemetry.sample_ratio": 1.0,
}

// Load reads config.yaml from the working directory, if present, and
// applies POLY_ environment overrides.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads the YAML file at path, then POLY_ environment variables
// (POLY_CGI__TIMEOUT sets cgi.timeout). A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("POLY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "POLY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Admin.APIKeys {
		cfg.Admin.APIKeys[i].KeyHash = substituteEnvVars(cfg.Admin.APIKeys[i].KeyHash)
	}
	for name, value := range cfg.CGI.Env {
		cfg.CGI.Env[name] = substituteEnvVars(value)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail at request time.
func (c *Config) Validate() error {
	if _, err := c.CGI.TimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.Session.MaxAgeDuration(); err != nil {
		return err
	}
	switch c.CGI.ExitPolicy {
	case "", "lenient", "strict":
	default:
		return fmt.Errorf("cgi.exit_policy: unknown policy %q", c.CGI.ExitPolicy)
	}
	switch c.Storage.Type {
	case "", "none", "memory":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("storage.type: unknown type %q", c.Storage.Type)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio: %v is outside [0, 1]", c.Telemetry.SampleRatio)
	}
	for i, loc := range c.CGI.Locations {
		if !strings.HasPrefix(loc.Prefix, "/") {
			return fmt.Errorf("cgi.locations[%d]: prefix %q must start with /", i, loc.Prefix)
		}
		if loc.Root == "" {
			return fmt.Errorf("cgi.locations[%d]: root is required", i)
		}
	}
	return nil
}

// TimeoutDuration parses cgi.timeout. Empty means no deadline.
func (c CGIConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration("cgi.timeout", c.Timeout)
}

// MaxAgeDuration parses session.max_age.
func (s SessionConfig) MaxAgeDuration() (time.Duration, error) {
	return parseDuration("session.max_age", s.MaxAge)
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", key, value)
	}
	return d, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
