// Package config loads gotrainer configuration from defaults, an optional
// YAML file, GOTRAINER_* environment variables and runtime overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/gotrainer/pkg/artifact"
)

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Health    HealthConfig    `mapstructure:"health"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// PublicURL is the base URL workers use to reach the internal status
	// endpoint. Empty derives it from Host and Port.
	PublicURL string `mapstructure:"public_url"`
}

// BaseURL returns PublicURL, or http://host:port.
func (s ServerConfig) BaseURL() string {
	if u := strings.TrimRight(strings.TrimSpace(s.PublicURL), "/"); u != "" {
		return u
	}
	host := s.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
	File    string `mapstructure:"file"`
}

// AuthConfig lists bearer tokens as "token=user_id" entries. No entries
// disables authentication.
//
// Entries are strings rather than a map because viper lower-cases map keys,
// and tokens are case-sensitive.
type AuthConfig struct {
	Tokens []string `mapstructure:"tokens"`
}

// Users returns the token to user id map.
func (a AuthConfig) Users() (map[string]string, error) {
	out := make(map[string]string, len(a.Tokens))
	for _, entry := range a.Tokens {
		token, user, ok := strings.Cut(strings.TrimSpace(entry), "=")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid auth token entry (expected token=user_id)")
		}
		out[token] = user
	}
	return out, nil
}

type JobsConfig struct {
	Dir              string        `mapstructure:"dir"`
	Store            string        `mapstructure:"store"`
	SQLitePath       string        `mapstructure:"sqlite_path"`
	LogLines         int           `mapstructure:"log_lines"`
	ReconcileOnStart bool          `mapstructure:"reconcile_on_start"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	GCMaxAge         time.Duration `mapstructure:"gc_max_age"`
}

type WorkerConfig struct {
	Interpreter       string   `mapstructure:"interpreter"`
	Candidates        []string `mapstructure:"candidates"`
	BuiltinSimulation bool     `mapstructure:"builtin_simulation"`
	WorkDir           string   `mapstructure:"workdir"`
}

type ArtifactsConfig struct {
	Backend      string            `mapstructure:"backend"`
	Dir          string            `mapstructure:"dir"`
	NameTemplate string            `mapstructure:"name_template"`
	S3           artifact.S3Config `mapstructure:"s3"`
}

type NotifyConfig struct {
	Buffer int         `mapstructure:"buffer"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	URL           string `mapstructure:"url"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type IngestConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within 0..65535, got %d", c.Server.Port)
	}
	switch c.Logging.Profile {
	case "structured", "console":
	default:
		return fmt.Errorf("logging.profile must be structured or console, got %q", c.Logging.Profile)
	}
	switch c.Jobs.Store {
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("jobs.store must be %s or %s, got %q", StoreFile, StoreSQLite, c.Jobs.Store)
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("jobs.poll_interval must be positive")
	}
	switch artifact.Backend(c.Artifacts.Backend) {
	case artifact.BackendFile:
	case artifact.BackendS3:
		if err := c.Artifacts.S3.Validate(); err != nil {
			return fmt.Errorf("artifacts.s3: %w", err)
		}
	default:
		return fmt.Errorf("artifacts.backend must be file or s3, got %q", c.Artifacts.Backend)
	}
	if _, err := c.Auth.Users(); err != nil {
		return fmt.Errorf("auth.tokens: %w", err)
	}
	if c.Ingest.Rate < 0 || c.Ingest.Burst < 0 {
		return fmt.Errorf("ingest.rate and ingest.burst must not be negative")
	}
	return nil
}
