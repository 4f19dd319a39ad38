// Package config loads the KeyGate configuration from an optional YAML file
// overlaid by KEYGATE_-prefixed environment variables. Environment always
// wins, so container deployments can override a checked-in file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// envPrefix namespaces all environment overrides, e.g. KEYGATE_SERVER_PORT.
const envPrefix = "KEYGATE"

// Config represents the complete application configuration. Both binaries
// share the shape; each reads the sections it needs.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// StoreConfig selects and configures the shared record store adapter.
type StoreConfig struct {
	// Backend is one of memory, redis, sheets.
	Backend string            `yaml:"backend" envconfig:"BACKEND"`
	Redis   RedisStoreConfig  `yaml:"redis" envconfig:"REDIS"`
	Sheets  SheetsStoreConfig `yaml:"sheets" envconfig:"SHEETS"`
}

// RedisStoreConfig configures the Redis adapter.
type RedisStoreConfig struct {
	// URL accepts redis:// URLs or bare host:port.
	URL    string `yaml:"url" envconfig:"URL"`
	Prefix string `yaml:"prefix" envconfig:"PREFIX"`
}

// SheetsStoreConfig configures the Google Sheets adapter.
type SheetsStoreConfig struct {
	SpreadsheetID   string        `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName       string        `yaml:"sheet_name" envconfig:"SHEET_NAME"`
	CredentialsFile string        `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	PollInterval    time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
}

// LicenseConfig configures the activation engine's device-local state.
type LicenseConfig struct {
	WatermarkFile string `yaml:"watermark_file" envconfig:"WATERMARK_FILE"`
	BindingFile   string `yaml:"binding_file" envconfig:"BINDING_FILE"`
	// DeviceSecret signs the watermark and binding files. Deployments should
	// override the default.
	DeviceSecret string        `yaml:"device_secret" envconfig:"DEVICE_SECRET"`
	CacheTTL     time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL"`
	CacheSize    int           `yaml:"cache_size" envconfig:"CACHE_SIZE"`
}

// SecurityConfig contains request throttling configuration.
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Attempts  AttemptsConfig  `yaml:"attempts" envconfig:"ATTEMPTS"`
}

// RateLimitConfig configures the HTTP-level token bucket.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// AttemptsConfig configures the per-device activation attempt limiter.
type AttemptsConfig struct {
	Max    int           `yaml:"max" envconfig:"MAX"`
	Window time.Duration `yaml:"window" envconfig:"WINDOW"`
	Block  time.Duration `yaml:"block" envconfig:"BLOCK"`
}

// WebSocketConfig contains admin change-feed WebSocket configuration.
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// defaultConfig returns the built-in configuration. YAML and environment
// values overlay it, so every field here is a plain starting point rather
// than a requirement.
func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "stdout",
			FilePath: "logs/keygate.log",
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisStoreConfig{
				URL:    "localhost:6379",
				Prefix: "keygate",
			},
			Sheets: SheetsStoreConfig{
				SheetName:    "Keys",
				PollInterval: 30 * time.Second,
			},
		},
		License: LicenseConfig{
			WatermarkFile: "data/watermark.json",
			BindingFile:   "data/binding.json",
			DeviceSecret:  "keygate-device-local-secret",
			CacheTTL:      5 * time.Minute,
			CacheSize:     16,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     50,
				Burst:   25,
			},
			Attempts: AttemptsConfig{
				Max:    5,
				Window: 5 * time.Minute,
				Block:  15 * time.Minute,
			},
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
	}
}

// Load reads the configuration: defaults first, YAML file when present,
// environment overrides last, validation after that. path may be empty, in
// which case KEYGATE_CONFIG or ./keygate.yml is tried.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path == "" {
		path = "keygate.yml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	switch level := strings.ToLower(c.Logging.Level); level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.URL == "" {
			return fmt.Errorf("store backend redis requires store.redis.url")
		}
	case "sheets":
		if c.Store.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("store backend sheets requires store.sheets.spreadsheet_id")
		}
		if c.Store.Sheets.CredentialsFile == "" {
			return fmt.Errorf("store backend sheets requires store.sheets.credentials_file")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.License.CacheSize < 0 {
		return fmt.Errorf("license cache size must not be negative")
	}
	if c.Security.Attempts.Max <= 0 {
		return fmt.Errorf("attempt limit must be positive")
	}
	return nil
}
