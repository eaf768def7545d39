package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "conduit.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CONDUIT_PORT")
	setString(&cfg.Server.CORSOrigin, "CONDUIT_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CONDUIT_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CONDUIT_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CONDUIT_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CONDUIT_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CONDUIT_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "CONDUIT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONDUIT_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CONDUIT_LOG_ASYNC")
	setInt64(&cfg.Cache.MaxSizeMB, "CONDUIT_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "CONDUIT_CACHE_TTL")
	setBool(&cfg.Telemetry.Enabled, "CONDUIT_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	setString(&cfg.Agents.Claude.Binary, "CONDUIT_CLAUDE_BINARY")
	setString(&cfg.Agents.Claude.DefaultModel, "CONDUIT_CLAUDE_MODEL")
	setString(&cfg.Agents.Codex.Binary, "CONDUIT_CODEX_BINARY")
	setString(&cfg.Agents.Codex.DefaultModel, "CONDUIT_CODEX_MODEL")
	setString(&cfg.Agents.Gemini.Binary, "CONDUIT_GEMINI_BINARY")
	setString(&cfg.Agents.Gemini.DefaultModel, "CONDUIT_GEMINI_MODEL")

	setInt(&cfg.Orchestrator.MaxSessions, "CONDUIT_MAX_SESSIONS")
	setDuration(&cfg.Orchestrator.InterruptTimeout, "CONDUIT_INTERRUPT_TIMEOUT")
	setInt(&cfg.Orchestrator.MaxQueuedMessages, "CONDUIT_MAX_QUEUED")
	setString(&cfg.Orchestrator.DataDir, "CONDUIT_DATA_DIR")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Orchestrator.MaxSessions < 1 {
		return errors.New("orchestrator.max_sessions must be >= 1")
	}
	if cfg.Orchestrator.InterruptTimeout <= 0 {
		return errors.New("orchestrator.interrupt_timeout must be positive")
	}
	for _, a := range []struct {
		name  string
		agent Agent
	}{
		{"claude", cfg.Agents.Claude},
		{"codex", cfg.Agents.Codex},
		{"gemini", cfg.Agents.Gemini},
	} {
		if a.agent.Binary == "" {
			return fmt.Errorf("agents.%s.binary is required", a.name)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
