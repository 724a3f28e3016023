package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by LEDGER_BACKEND.
const (
	BackendBolt     = "bolt"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP     HTTPConfig
	Ledger   LedgerConfig
	Transfer TransferConfig
	Queue    QueueConfig
	Logging  LoggingConfig
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	AllowedOriginsCSV string
}

// LedgerConfig selects and configures the Ledger Store.
type LedgerConfig struct {
	Backend     string
	BoltPath    string
	PostgresURI string
	MongoURI    string
	MongoDBName string

	DefaultBalance int64
	AutoProvision  bool
}

// TransferConfig controls retries of a transfer that hit a transient store error.
type TransferConfig struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

// QueueConfig points at the broker used for transfer events. An empty URI
// disables publishing.
type QueueConfig struct {
	RabbitMQURI string
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

const (
	defaultPort            = 8080
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultBackend         = BackendBolt
	defaultBoltPath        = "ledger.db"
	defaultMongoDBName     = "ledger"
	defaultBalance         = 100000
	defaultMaxAttempts     = 3
	defaultRetryBackoff    = 25 * time.Millisecond
	defaultAllowedOrigins  = "*"
	defaultLoggingLevel    = "info"
	defaultLoggingFormat   = "text"
)

// Load reads a .env file when present, then configuration from environment
// variables, applying defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Config{
		HTTP: HTTPConfig{
			AllowedOriginsCSV: valueOrDefault("ALLOWED_ORIGINS", defaultAllowedOrigins),
		},
		Ledger: LedgerConfig{
			Backend:       strings.ToLower(valueOrDefault("LEDGER_BACKEND", defaultBackend)),
			BoltPath:      valueOrDefault("BOLT_PATH", defaultBoltPath),
			MongoDBName:   valueOrDefault("MONGO_DB_NAME", defaultMongoDBName),
			AutoProvision: parseBoolWithDefault("AUTO_PROVISION", true),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
	}

	port, err := parsePort("PORT", defaultPort)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTP.Port = port

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", defaultReadTimeout, &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", defaultWriteTimeout, &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", defaultIdleTimeout, &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout, &cfg.HTTP.ShutdownTimeout},
		{"TRANSFER_RETRY_BACKOFF", defaultRetryBackoff, &cfg.Transfer.RetryBackoff},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	if cfg.Ledger.DefaultBalance, err = parseInt64("DEFAULT_BALANCE", defaultBalance); err != nil {
		return Config{}, err
	}
	if cfg.Ledger.DefaultBalance < 0 {
		return Config{}, fmt.Errorf("DEFAULT_BALANCE must not be negative, got %d", cfg.Ledger.DefaultBalance)
	}

	attempts, err := parseInt64("TRANSFER_MAX_ATTEMPTS", defaultMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	if attempts < 1 {
		return Config{}, fmt.Errorf("TRANSFER_MAX_ATTEMPTS must be at least 1, got %d", attempts)
	}
	cfg.Transfer.MaxAttempts = int(attempts)

	secrets := []struct {
		key string
		dst *string
	}{
		{"POSTGRES_URI", &cfg.Ledger.PostgresURI},
		{"MONGO_URI", &cfg.Ledger.MongoURI},
		{"RABBITMQ_URI", &cfg.Queue.RabbitMQURI},
	}
	for _, s := range secrets {
		if *s.dst, err = secret(s.key); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Ledger.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AllowedOrigins splits the ALLOWED_ORIGINS list.
func (c HTTPConfig) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.AllowedOriginsCSV, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func (c LedgerConfig) validate() error {
	switch c.Backend {
	case BackendBolt:
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH is required for the bolt backend")
		}
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresURI == "" {
			return errors.New("POSTGRES_URI (or POSTGRES_URI_FILE) is required for the postgres backend")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI (or MONGO_URI_FILE) is required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.Backend)
	}
	return nil
}

// secret returns the value of key, or the trimmed contents of the file named
// by key_FILE when key itself is unset.
func secret(key string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	path := os.Getenv(key + "_FILE")
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s_FILE: %w", key, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseInt64(key string, fallback int64) (int64, error) {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		return val, nil
	}
	return fallback, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
