// Package config provides configuration handling for convoflow.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tcmartin/convoflow/pkg/storage"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CONVOFLOW_"

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Redis configuration, shared by the message ledger and notifications
	Redis RedisConfig `json:"redis"`

	// Engine configuration
	Engine EngineConfig `json:"engine"`

	// Inactivity monitor configuration
	Inactivity InactivityConfig `json:"inactivity"`

	// Connectors configuration
	Connectors ConnectorsConfig `json:"connectors"`

	// Notifications configuration
	Notifications NotificationsConfig `json:"notifications"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host"`

	// Port to listen on
	Port int `json:"port"`

	// TLS configuration
	TLS TLSConfig `json:"tls"`

	// CORSOrigins lists the allowed origins; "*" allows any
	CORSOrigins []string `json:"cors_origins"`

	// ShutdownTimeout is the graceful shutdown bound in seconds
	ShutdownTimeout int `json:"shutdown_timeout"`

	// RateLimit bounds API requests per tenant and minute; 0 disables it
	RateLimit int `json:"rate_limit"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	// Enabled indicates whether TLS is enabled
	Enabled bool `json:"enabled"`

	// CertFile is the path to the certificate file
	CertFile string `json:"cert_file"`

	// KeyFile is the path to the key file
	KeyFile string `json:"key_file"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Type of storage to use
	Type string `json:"type"` // "memory", "dynamodb", "postgresql"

	// DynamoDB configuration
	DynamoDB DynamoDBConfig `json:"dynamodb"`

	// PostgreSQL configuration
	Postgres PostgresConfig `json:"postgres"`
}

// ProviderConfig maps the storage settings onto a storage provider configuration
func (s StorageConfig) ProviderConfig() storage.ProviderConfig {
	pc := storage.ProviderConfig{Type: storage.ProviderType(s.Type)}
	switch s.Type {
	case "dynamodb":
		pc.DynamoDB = &storage.DynamoDBProviderConfig{
			Region:      s.DynamoDB.Region,
			TablePrefix: s.DynamoDB.TablePrefix,
			Endpoint:    s.DynamoDB.Endpoint,
		}
	case "postgres", "postgresql":
		pc.PostgreSQL = &storage.PostgreSQLProviderConfig{
			Host:         s.Postgres.Host,
			Port:         s.Postgres.Port,
			User:         s.Postgres.User,
			Password:     s.Postgres.Password,
			Database:     s.Postgres.Database,
			SSLMode:      s.Postgres.SSLMode,
			MaxOpenConns: s.Postgres.MaxOpenConns,
		}
	}
	return pc
}

// DynamoDBConfig contains DynamoDB settings
type DynamoDBConfig struct {
	// Region is the AWS region
	Region string `json:"region"`

	// Endpoint is the DynamoDB endpoint (for local development)
	Endpoint string `json:"endpoint"`

	// TablePrefix is the prefix for all tables
	TablePrefix string `json:"table_prefix"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Database     string `json:"database"`
	User         string `json:"user"`
	Password     string `json:"password"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
}

// RedisConfig contains Redis settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`

	// LedgerPrefix prefixes message ledger keys
	LedgerPrefix string `json:"ledger_prefix"`
}

// Enabled reports whether a Redis server is configured
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// EngineConfig contains execution engine settings
type EngineConfig struct {
	// MaxSteps overrides the per-flow step bound when positive
	MaxSteps int `json:"max_steps"`

	// HandlerTimeout bounds a node handler invocation, in seconds
	HandlerTimeout int `json:"handler_timeout"`

	// CommitAttempts bounds compare-and-set retries of an inbound message
	CommitAttempts int `json:"commit_attempts"`

	// LedgerTTL is how long processed message ids are remembered, in seconds
	LedgerTTL int `json:"ledger_ttl"`

	// GraphCacheTTL is how long parsed flow graphs stay cached, in seconds
	GraphCacheTTL int `json:"graph_cache_ttl"`
}

// InactivityConfig contains inactivity monitor settings
type InactivityConfig struct {
	// Enabled starts the periodic sweep
	Enabled bool `json:"enabled"`

	// SweepInterval is the time between sweeps, in seconds
	SweepInterval int `json:"sweep_interval"`

	// BatchSize bounds the executions handled per sweep
	BatchSize int `json:"batch_size"`
}

// ConnectorsConfig contains the settings of external collaborators
type ConnectorsConfig struct {
	Messenger    MessengerConfig    `json:"messenger"`
	AI           AIConfig           `json:"ai"`
	Appointments AppointmentsConfig `json:"appointments"`

	// Databases maps "tenant/connection" or "connection" to a PostgreSQL DSN
	Databases map[string]string `json:"databases"`
}

// MessengerConfig configures intent delivery. An empty URL logs intents instead.
type MessengerConfig struct {
	URL     string `json:"url"`
	Token   string `json:"token"`
	Retries int    `json:"retries"`
}

// AIConfig configures the assistant. An empty APIKey disables aiAssistant nodes.
type AIConfig struct {
	Provider     string `json:"provider"` // "openai", "anthropic"
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url"`
	DefaultModel string `json:"default_model"`
}

// AppointmentsConfig configures the scheduling API
type AppointmentsConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

// NotificationsConfig selects the notification channels
type NotificationsConfig struct {
	WebSocket bool `json:"websocket"`
	SSE       bool `json:"sse"`

	// SSEReplay sends past events of the tenant stream to new subscribers.
	// Every event published to a tenant stays in memory for the life of the
	// process, so memory grows with the notification volume. Keep it off on
	// long-running servers; the default is off.
	SSEReplay bool `json:"sse_replay"`

	// Redis publishes notifications on Redis and relays the other
	// instances' notifications to local subscribers
	Redis bool `json:"redis"`

	// ChannelPrefix prefixes the per-tenant Redis channels
	ChannelPrefix string `json:"channel_prefix"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the logging level
	Level string `json:"level"` // "debug", "info", "warn", "error"

	// Format is the log format
	Format string `json:"format"` // "json", "console"

	// Output is the log output
	Output string `json:"output"` // "stdout", "stderr", "file"

	// FilePath is the path to the log file
	FilePath string `json:"file_path"`
}

// Seconds converts a seconds setting to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// LoadConfig loads the configuration from a file. Missing keys keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Load builds the effective configuration: defaults, then the config file
// when path is set, then .env and CONVOFLOW_* environment overrides.
func Load(path string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 10,
		},
		Storage: StorageConfig{
			Type: "memory",
			DynamoDB: DynamoDBConfig{
				Region:      "us-west-2",
				TablePrefix: "convoflow_",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "convoflow",
				User:     "convoflow",
				SSLMode:  "disable",
			},
		},
		Redis: RedisConfig{
			LedgerPrefix: "convoflow:ledger:",
		},
		Engine: EngineConfig{
			HandlerTimeout: 30,
			CommitAttempts: 5,
			LedgerTTL:      86400,
			GraphCacheTTL:  1800,
		},
		Inactivity: InactivityConfig{
			Enabled:       true,
			SweepInterval: 30,
			BatchSize:     100,
		},
		Connectors: ConnectorsConfig{
			Messenger: MessengerConfig{Retries: 2},
			AI:        AIConfig{Provider: "openai"},
			Databases: map[string]string{},
		},
		Notifications: NotificationsConfig{
			WebSocket:     true,
			SSE:           true,
			ChannelPrefix: "convoflow:executions:",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides configuration values from KEY=value environment
// entries. CONVOFLOW_DB_<NAME>=<dsn> adds a shared database connection.
func (c *Config) ApplyEnv(environ []string) error {
	env := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) || value == "" {
			continue
		}
		name := strings.TrimPrefix(key, EnvPrefix)
		if db, ok := strings.CutPrefix(name, "DB_"); ok && db != "" {
			if c.Connectors.Databases == nil {
				c.Connectors.Databases = map[string]string{}
			}
			c.Connectors.Databases[strings.ToLower(db)] = value
			continue
		}
		env[name] = value
	}

	strs := map[string]*string{
		"SERVER_HOST":           &c.Server.Host,
		"TLS_CERT_FILE":         &c.Server.TLS.CertFile,
		"TLS_KEY_FILE":          &c.Server.TLS.KeyFile,
		"STORAGE_TYPE":          &c.Storage.Type,
		"DYNAMODB_REGION":       &c.Storage.DynamoDB.Region,
		"DYNAMODB_ENDPOINT":     &c.Storage.DynamoDB.Endpoint,
		"DYNAMODB_TABLE_PREFIX": &c.Storage.DynamoDB.TablePrefix,
		"POSTGRES_HOST":         &c.Storage.Postgres.Host,
		"POSTGRES_DATABASE":     &c.Storage.Postgres.Database,
		"POSTGRES_USER":         &c.Storage.Postgres.User,
		"POSTGRES_PASSWORD":     &c.Storage.Postgres.Password,
		"POSTGRES_SSL_MODE":     &c.Storage.Postgres.SSLMode,
		"REDIS_ADDR":            &c.Redis.Addr,
		"REDIS_PASSWORD":        &c.Redis.Password,
		"MESSENGER_URL":         &c.Connectors.Messenger.URL,
		"MESSENGER_TOKEN":       &c.Connectors.Messenger.Token,
		"AI_PROVIDER":           &c.Connectors.AI.Provider,
		"AI_API_KEY":            &c.Connectors.AI.APIKey,
		"AI_BASE_URL":           &c.Connectors.AI.BaseURL,
		"AI_MODEL":              &c.Connectors.AI.DefaultModel,
		"APPOINTMENTS_URL":      &c.Connectors.Appointments.URL,
		"APPOINTMENTS_API_KEY":  &c.Connectors.Appointments.APIKey,
		"NOTIFY_CHANNEL_PREFIX": &c.Notifications.ChannelPrefix,
		"LOG_LEVEL":             &c.Logging.Level,
		"LOG_FORMAT":            &c.Logging.Format,
		"LOG_OUTPUT":            &c.Logging.Output,
		"LOG_FILE":              &c.Logging.FilePath,
	}
	for name, target := range strs {
		if value, ok := env[name]; ok {
			*target = value
		}
	}

	ints := map[string]*int{
		"SERVER_PORT":               &c.Server.Port,
		"SERVER_RATE_LIMIT":         &c.Server.RateLimit,
		"POSTGRES_PORT":             &c.Storage.Postgres.Port,
		"POSTGRES_MAX_OPEN_CONNS":   &c.Storage.Postgres.MaxOpenConns,
		"REDIS_DB":                  &c.Redis.DB,
		"ENGINE_MAX_STEPS":          &c.Engine.MaxSteps,
		"ENGINE_HANDLER_TIMEOUT":    &c.Engine.HandlerTimeout,
		"ENGINE_COMMIT_ATTEMPTS":    &c.Engine.CommitAttempts,
		"ENGINE_LEDGER_TTL":         &c.Engine.LedgerTTL,
		"INACTIVITY_SWEEP_INTERVAL": &c.Inactivity.SweepInterval,
		"INACTIVITY_BATCH_SIZE":     &c.Inactivity.BatchSize,
		"MESSENGER_RETRIES":         &c.Connectors.Messenger.Retries,
	}
	for name, target := range ints {
		value, ok := env[name]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*target = n
	}

	bools := map[string]*bool{
		"TLS_ENABLED":        &c.Server.TLS.Enabled,
		"INACTIVITY_ENABLED": &c.Inactivity.Enabled,
		"NOTIFY_WEBSOCKET":   &c.Notifications.WebSocket,
		"NOTIFY_SSE":         &c.Notifications.SSE,
		"NOTIFY_SSE_REPLAY":  &c.Notifications.SSEReplay,
		"NOTIFY_REDIS":       &c.Notifications.Redis,
	}
	for name, target := range bools {
		value, ok := env[name]
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*target = b
	}

	if origins, ok := env["CORS_ORIGINS"]; ok {
		c.Server.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.CORSOrigins = append(c.Server.CORSOrigins, o)
			}
		}
	}
	return nil
}

// Validate checks the configuration for values the server cannot start with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file"))
	}

	switch c.Storage.Type {
	case "memory":
	case "postgresql", "postgres":
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.Database == "" {
			errs = append(errs, errors.New("storage.postgres requires host and database"))
		}
	case "dynamodb":
		if c.Storage.DynamoDB.Region == "" {
			errs = append(errs, errors.New("storage.dynamodb requires region"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}

	if c.Engine.MaxSteps < 0 {
		errs = append(errs, errors.New("engine.max_steps must not be negative"))
	}
	if c.Engine.HandlerTimeout <= 0 {
		errs = append(errs, errors.New("engine.handler_timeout must be positive"))
	}
	if c.Engine.CommitAttempts <= 0 {
		errs = append(errs, errors.New("engine.commit_attempts must be positive"))
	}
	if c.Inactivity.Enabled && c.Inactivity.SweepInterval <= 0 {
		errs = append(errs, errors.New("inactivity.sweep_interval must be positive"))
	}
	if c.Inactivity.BatchSize <= 0 {
		errs = append(errs, errors.New("inactivity.batch_size must be positive"))
	}
	if c.Notifications.Redis && !c.Redis.Enabled() {
		errs = append(errs, errors.New("notifications.redis requires redis.addr"))
	}
	switch c.Connectors.AI.Provider {
	case "", "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("unknown connectors.ai.provider %q", c.Connectors.AI.Provider))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errs = append(errs, errors.New("logging.output file requires file_path"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
