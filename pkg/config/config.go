// Package config provides configuration handling for flowconsole.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config represents the application configuration
type Config struct {
	// Engine is the remote automation engine connection
	Engine EngineConfig `json:"engine"`

	// Automation is the operator configuration snapshot sent with initialize and run
	Automation AutomationConfig `json:"automation"`

	// Server configuration
	Server ServerConfig `json:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Auth configuration
	Auth AuthConfig `json:"auth"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Schedules are cron-triggered flow runs
	Schedules []ScheduleConfig `json:"schedules"`

	// Webhooks are notified of run outcomes and step failures
	Webhooks []WebhookConfig `json:"webhooks"`
}

// Duration is a time.Duration that reads and writes as a Go duration string
type Duration time.Duration

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "90s" style strings or plain seconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}

	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// EngineConfig contains remote engine settings
type EngineConfig struct {
	// BaseURL is the engine's HTTP command endpoint
	BaseURL string `json:"base_url"`

	// WSPath is the path of the push-event stream
	WSPath string `json:"ws_path"`

	// RequestTimeout bounds a single command call
	RequestTimeout Duration `json:"request_timeout"`

	// IdleTimeout fails a run when the stream stays silent this long; 0 disables
	IdleTimeout Duration `json:"idle_timeout"`
}

// ProductEntry is one product code and the quantity to order
type ProductEntry struct {
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
}

// AutomationConfig is the operator configuration snapshot
type AutomationConfig struct {
	AppPath              string         `json:"app_path"`
	EngineURL            string         `json:"engine_url"`
	ProductsFile         string         `json:"products_file"`
	Products             []ProductEntry `json:"products"`
	Iterations           int            `json:"iterations"`
	ProductsPerIteration int            `json:"products_per_iteration"`
	ComboBoxName         string         `json:"combo_box_name"`
	ComboBoxOption       string         `json:"combo_box_option"`
	RadioButtonName      string         `json:"radio_button_name"`
	PaymentAmount        float64        `json:"payment_amount"`
	StepDelay            int            `json:"step_delay"`
	RetryAttempts        int            `json:"retry_attempts"`
	RetryDelay           int            `json:"retry_delay"`
	EnableDebug          bool           `json:"enable_debug"`
}

// ServerConfig contains operator API settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host"`

	// Port to listen on
	Port int `json:"port"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Type of storage to use
	Type string `json:"type"` // "memory", "dynamodb", "postgres", "redis"

	// DynamoDB configuration
	DynamoDB DynamoDBConfig `json:"dynamodb"`

	// PostgreSQL configuration
	Postgres PostgresConfig `json:"postgres"`

	// Redis configuration
	Redis RedisConfig `json:"redis"`
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
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// AuthConfig contains operator authentication settings
type AuthConfig struct {
	// JWTSecret is the secret for signing JWT tokens; empty disables auth
	JWTSecret string `json:"jwt_secret"`

	// TokenExpiration is the token expiration time in hours
	TokenExpiration int `json:"token_expiration"`

	// Username of the operator account
	Username string `json:"username"`

	// PasswordHash is the bcrypt hash of the operator password
	PasswordHash string `json:"password_hash"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the logging level
	Level string `json:"level"` // "debug", "info", "warn", "error"

	// Format is the log format
	Format string `json:"format"` // "json", "text"

	// Output is the log output
	Output string `json:"output"` // "stdout", "stderr", "file"

	// FilePath is the path to the log file
	FilePath string `json:"file_path"`
}

// ScheduleConfig runs a flow by name on a cron expression
type ScheduleConfig struct {
	Name string `json:"name"`
	Cron string `json:"cron"`
	Flow string `json:"flow"`
}

// WebhookConfig contains configuration for a webhook
type WebhookConfig struct {
	// URL to send the webhook to
	URL string `json:"url"`

	// Events limits delivery to these event types; empty means all
	Events []string `json:"events,omitempty"`

	// Headers to include in the request
	Headers map[string]string `json:"headers,omitempty"`

	// Secret for signing the webhook payload
	Secret string `json:"secret,omitempty"`

	// Retry controls redelivery of failed webhooks
	Retry RetryConfig `json:"retry"`
}

// RetryConfig contains retry settings for webhook delivery
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int `json:"max_retries"`

	// InitialDelay is the initial delay before the first retry
	InitialDelay Duration `json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay Duration `json:"max_delay"`

	// BackoffFactor is the multiplier for the delay between retries
	BackoffFactor float64 `json:"backoff_factor"`
}

// LoadConfig loads the configuration from a file on top of the defaults
func LoadConfig(path string) (*Config, error) {
	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse the JSON
	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			BaseURL:        "http://localhost:8000",
			WSPath:         "/ws",
			RequestTimeout: Duration(30 * time.Second),
			IdleTimeout:    Duration(5 * time.Minute),
		},
		Automation: AutomationConfig{
			EngineURL:            "http://127.0.0.1:4723",
			Products:             []ProductEntry{},
			Iterations:           4,
			ProductsPerIteration: 10,
			PaymentAmount:        500000,
			StepDelay:            1000,
			RetryAttempts:        3,
			RetryDelay:           2000,
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Storage: StorageConfig{
			Type: "memory",
			DynamoDB: DynamoDBConfig{
				Region:      "us-west-2",
				TablePrefix: "flowconsole_",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "flowconsole",
				User:     "flowconsole",
				SSLMode:  "disable",
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "flowconsole:",
			},
		},
		Auth: AuthConfig{
			TokenExpiration: 24,
			Username:        "operator",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	// Create the directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal the JSON
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write the file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides settings from FLOWCONSOLE_* environment variables
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"FLOWCONSOLE_ENGINE_URL":        &c.Engine.BaseURL,
		"FLOWCONSOLE_APPIUM_URL":        &c.Automation.EngineURL,
		"FLOWCONSOLE_APP_PATH":          &c.Automation.AppPath,
		"FLOWCONSOLE_PRODUCTS_FILE":     &c.Automation.ProductsFile,
		"FLOWCONSOLE_HOST":              &c.Server.Host,
		"FLOWCONSOLE_STORAGE_TYPE":      &c.Storage.Type,
		"FLOWCONSOLE_POSTGRES_HOST":     &c.Storage.Postgres.Host,
		"FLOWCONSOLE_POSTGRES_USER":     &c.Storage.Postgres.User,
		"FLOWCONSOLE_POSTGRES_PASSWORD": &c.Storage.Postgres.Password,
		"FLOWCONSOLE_POSTGRES_DB":       &c.Storage.Postgres.Database,
		"FLOWCONSOLE_DYNAMODB_REGION":   &c.Storage.DynamoDB.Region,
		"FLOWCONSOLE_DYNAMODB_ENDPOINT": &c.Storage.DynamoDB.Endpoint,
		"FLOWCONSOLE_REDIS_ADDR":        &c.Storage.Redis.Addr,
		"FLOWCONSOLE_REDIS_PASSWORD":    &c.Storage.Redis.Password,
		"FLOWCONSOLE_JWT_SECRET":        &c.Auth.JWTSecret,
		"FLOWCONSOLE_USERNAME":          &c.Auth.Username,
		"FLOWCONSOLE_PASSWORD_HASH":     &c.Auth.PasswordHash,
		"FLOWCONSOLE_LOG_LEVEL":         &c.Logging.Level,
		"FLOWCONSOLE_LOG_FORMAT":        &c.Logging.Format,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"FLOWCONSOLE_PORT":          &c.Server.Port,
		"FLOWCONSOLE_POSTGRES_PORT": &c.Storage.Postgres.Port,
		"FLOWCONSOLE_ITERATIONS":    &c.Automation.Iterations,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv("FLOWCONSOLE_IDLE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FLOWCONSOLE_IDLE_TIMEOUT: %w", err)
		}
		c.Engine.IdleTimeout = Duration(d)
	}

	return nil
}

// Validate checks settings the console cannot start without
func (c *Config) Validate() error {
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine base_url is required")
	}
	if c.Engine.IdleTimeout < 0 {
		return fmt.Errorf("engine idle_timeout must not be negative")
	}
	if c.Automation.Iterations < 1 {
		return fmt.Errorf("automation iterations must be at least 1")
	}
	for _, s := range c.Schedules {
		if s.Cron == "" || s.Flow == "" {
			return fmt.Errorf("schedule %q requires cron and flow", s.Name)
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %d requires a url", i)
		}
	}
	return nil
}
