// Package config loads the manuscript configuration: defaults, then a YAML
// file, then MANUSCRIPT_* environment overrides. A .env file next to the
// binary is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full manuscript configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	MaxConns  int             `yaml:"max_conns"` // concurrent HTTP connections
	DBPath    string          `yaml:"db_path"`
	Log       LogConfig       `yaml:"log"`
	Worker    WorkerConfig    `yaml:"worker"`
	LLM       LLMConfig       `yaml:"llm"`
	Revision  RevisionConfig  `yaml:"revision"`
	Retention RetentionConfig `yaml:"retention"`
	QUIC      QUICConfig      `yaml:"quic"`
}

// QUICConfig enables the MCP-over-QUIC listener. Empty Listen disables it;
// empty cert and key fall back to an ephemeral self-signed certificate.
type QUICConfig struct {
	Listen      string `yaml:"listen"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`
	MaxSessions int    `yaml:"max_sessions"` // 0 = mcpquic default
}

// LogConfig configures the process logger. Level is hot-reloadable.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
	// SQLTrace routes the database through the tracing driver. SQLTraceDB,
	// when set, persists statements slower than SlowQuery, and failed ones.
	SQLTrace   bool          `yaml:"sql_trace"`
	SQLTraceDB string        `yaml:"sql_trace_db"`
	SlowQuery  time.Duration `yaml:"slow_query"`
}

// WorkerConfig configures the job worker.
type WorkerConfig struct {
	Name              string        `yaml:"name"`
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	Lease             time.Duration `yaml:"lease"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// LLMConfig configures the OpenAI-compatible generation provider.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKey may reference the environment as ${VAR}.
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	// DefaultRetryAfter is the pause applied on a 429 without Retry-After.
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"`
}

// RevisionConfig holds revision workflow defaults.
type RevisionConfig struct {
	DefaultTolerancePercent float64 `yaml:"default_tolerance_percent"`
}

// RetentionConfig bounds the observability tables.
type RetentionConfig struct {
	Events     time.Duration `yaml:"events"`
	Heartbeats time.Duration `yaml:"heartbeats"`
}

// Default returns sane defaults.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:8420",
		MaxConns: 256,
		DBPath:   "manuscript.db",
		Log:      LogConfig{Level: "info", Format: "json", SlowQuery: 100 * time.Millisecond},
		Worker: WorkerConfig{
			Name:              "manuscript",
			Concurrency:       2,
			PollInterval:      time.Second,
			MaxAttempts:       3,
			BackoffBase:       2 * time.Second,
			BackoffMax:        5 * time.Minute,
			Lease:             2 * time.Minute,
			HeartbeatInterval: 15 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:           "https://api.openai.com/v1",
			APIKey:            "${OPENAI_API_KEY}",
			Model:             "gpt-4o-mini",
			Timeout:           3 * time.Minute,
			MaxRetries:        3,
			DefaultRetryAfter: time.Minute,
		},
		Revision:  RevisionConfig{DefaultTolerancePercent: 5},
		Retention: RetentionConfig{Events: 30 * 24 * time.Hour, Heartbeats: 7 * 24 * time.Hour},
	}
}

// Load returns Default merged with the YAML file at path (optional: a
// missing file is not an error) and the environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.LLM.APIKey = ResolveEnvVars(cfg.LLM.APIKey)
	return cfg, cfg.Validate()
}

// LoadDotEnv loads KEY=value pairs from a .env file into the process
// environment without overriding variables already set. A missing file is
// not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"MANUSCRIPT_LISTEN":       &c.Listen,
		"MANUSCRIPT_DB":           &c.DBPath,
		"MANUSCRIPT_LOG_LEVEL":    &c.Log.Level,
		"MANUSCRIPT_LOG_FORMAT":   &c.Log.Format,
		"MANUSCRIPT_WORKER_NAME":  &c.Worker.Name,
		"MANUSCRIPT_LLM_BASE_URL": &c.LLM.BaseURL,
		"MANUSCRIPT_LLM_API_KEY":  &c.LLM.APIKey,
		"MANUSCRIPT_LLM_MODEL":    &c.LLM.Model,
		"MANUSCRIPT_QUIC_LISTEN":  &c.QUIC.Listen,
	}
	for k, dst := range str {
		if v := os.Getenv(k); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MANUSCRIPT_WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MANUSCRIPT_WORKER_CONCURRENCY: %w", err)
		}
		c.Worker.Concurrency = n
	}
	return nil
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: unsupported %q (use json or text)", c.Log.Format)
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be > 0")
	}
	if c.Worker.Lease < time.Second {
		return fmt.Errorf("worker.lease must be >= 1s")
	}
	if c.QUIC.MaxSessions < 0 {
		return fmt.Errorf("quic.max_sessions must be >= 0")
	}
	if (c.QUIC.CertFile == "") != (c.QUIC.KeyFile == "") {
		return fmt.Errorf("quic.cert_file and quic.key_file must be set together")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if t := c.Revision.DefaultTolerancePercent; t < 0 || t >= 100 {
		return fmt.Errorf("revision.default_tolerance_percent must be in [0,100)")
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envRef.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}
