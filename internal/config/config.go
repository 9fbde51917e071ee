package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	JWT     JWTConfig     `yaml:"jwt"`
	Sync    SyncConfig    `yaml:"sync"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port" validate:"required,numeric"`
	PortalPort      string        `yaml:"portalPort" validate:"required,numeric"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
	RateLimit       bool          `yaml:"rateLimit"`
	// WritesPerMinute overrides the per-client write limit; 0 keeps the default.
	WritesPerMinute int           `yaml:"writesPerMinute" validate:"gte=0"`
}

// StorageConfig selects the record store of the backing service.
type StorageConfig struct {
	Driver     string `yaml:"driver" validate:"oneof=mongo sqlite"`
	MongoURI   string `yaml:"mongoUri" validate:"required_if=Driver mongo"`
	SQLitePath string `yaml:"sqlitePath" validate:"required_if=Driver sqlite"`
}

type RedisConfig struct {
	Enabled            bool          `yaml:"enabled"`
	URL                string        `yaml:"url"`
	Host               string        `yaml:"host"`
	Port               string        `yaml:"port"`
	Password           string        `yaml:"password"`
	DB                 int           `yaml:"db" validate:"gte=0"`
	Channel            string        `yaml:"channel"` // pub/sub channel of the change feed
	PoolSize           int           `yaml:"poolSize" validate:"gte=0"`
	MinIdleConns       int           `yaml:"minIdleConns" validate:"gte=0"`
	MaxRetries         int           `yaml:"maxRetries"`
	RetryDelay         time.Duration `yaml:"retryDelay"`
	DialTimeout        time.Duration `yaml:"dialTimeout"`
	ReadTimeout        time.Duration `yaml:"readTimeout"`
	WriteTimeout       time.Duration `yaml:"writeTimeout"`
	PoolTimeout        time.Duration `yaml:"poolTimeout"`
	IdleTimeout        time.Duration `yaml:"idleTimeout"`
	IdleCheckFrequency time.Duration `yaml:"idleCheckFrequency"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type JWTConfig struct {
	Secret string        `yaml:"secret" validate:"required,min=16"`
	Expiry time.Duration `yaml:"expiry" validate:"gt=0"`
	Issuer string        `yaml:"issuer"`
}

// SyncConfig configures the portal's workspace client.
type SyncConfig struct {
	ServerURL        string        `yaml:"serverUrl" validate:"required,url"`
	FeedSource       string        `yaml:"feedSource" validate:"oneof=websocket redis none"`
	FeedURL          string        `yaml:"feedUrl" validate:"required_if=FeedSource websocket"`
	Token            string        `yaml:"token"`
	StalePolicy      string        `yaml:"stalePolicy" validate:"oneof=swr stale-while-revalidate blocking"`
	DefaultTTL       time.Duration `yaml:"defaultTTL" validate:"gt=0"`
	MaxEntries       int           `yaml:"maxEntries" validate:"gte=0"`
	JanitorInterval  time.Duration `yaml:"janitorInterval" validate:"gt=0"`
	MaxConcurrent    int           `yaml:"maxConcurrent" validate:"gte=1"`
	TaskTimeout      time.Duration `yaml:"taskTimeout" validate:"gt=0"`
	MutationTimeout  time.Duration `yaml:"mutationTimeout" validate:"gt=0"`
	RequestTimeout   time.Duration `yaml:"requestTimeout" validate:"gt=0"`
	ReconnectInitial time.Duration `yaml:"reconnectInitial" validate:"gt=0"`
	ReconnectMax     time.Duration `yaml:"reconnectMax" validate:"gtefield=ReconnectInitial"`
	DegradedAfter    int           `yaml:"degradedAfter" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

var validate = validator.New()

// Load reads .env (if present), then environment variables with defaults,
// then the YAML file named by CONFIG_FILE, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := FromEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.Overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from environment variables, using defaults for
// anything unset.
func FromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			PortalPort:      getEnv("PORTAL_PORT", "8081"),
			AllowedOrigins:  getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			RateLimit:       getEnvBool("RATE_LIMIT_ENABLED", true),
			WritesPerMinute: getEnvInt("RATE_LIMIT_WRITES_PER_MINUTE", 0),
		},
		Storage: StorageConfig{
			Driver:     getEnv("STORAGE_DRIVER", "sqlite"),
			MongoURI:   os.Getenv("MONGO_URI"),
			SQLitePath: getEnv("SQLITE_PATH", "study-portal.db"),
		},
		Redis: RedisConfig{
			Enabled:            getEnvBool("REDIS_ENABLED", false),
			URL:                os.Getenv("REDIS_URL"),
			Host:               getEnv("REDIS_HOST", "localhost"),
			Port:               getEnv("REDIS_PORT", "6379"),
			Password:           os.Getenv("REDIS_PASSWORD"),
			DB:                 getEnvInt("REDIS_DB", 0),
			Channel:            getEnv("REDIS_CHANNEL", "study-portal:changes"),
			PoolSize:           getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns:       getEnvInt("REDIS_MIN_IDLE_CONNS", 5),
			MaxRetries:         getEnvInt("REDIS_MAX_RETRIES", 3),
			RetryDelay:         getEnvDuration("REDIS_RETRY_DELAY", time.Second),
			DialTimeout:        getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:        getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:       getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolTimeout:        getEnvDuration("REDIS_POOL_TIMEOUT", 4*time.Second),
			IdleTimeout:        getEnvDuration("REDIS_IDLE_TIMEOUT", 5*time.Minute),
			IdleCheckFrequency: getEnvDuration("REDIS_IDLE_CHECK_FREQUENCY", time.Minute),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "default-secret-key-change-this-in-production"),
			Expiry: getEnvDuration("JWT_EXPIRY", 24*time.Hour),
			Issuer: getEnv("JWT_ISSUER", "study-portal"),
		},
		Sync: SyncConfig{
			ServerURL:        getEnv("SYNC_SERVER_URL", "http://localhost:8080"),
			FeedSource:       getEnv("SYNC_FEED_SOURCE", "websocket"),
			FeedURL:          getEnv("SYNC_FEED_URL", "ws://localhost:8080/api/v1/feed"),
			Token:            os.Getenv("SYNC_TOKEN"),
			StalePolicy:      getEnv("SYNC_STALE_POLICY", "swr"),
			DefaultTTL:       getEnvDuration("SYNC_DEFAULT_TTL", 10*time.Minute),
			MaxEntries:       getEnvInt("SYNC_MAX_ENTRIES", 5000),
			JanitorInterval:  getEnvDuration("SYNC_JANITOR_INTERVAL", time.Minute),
			MaxConcurrent:    getEnvInt("SYNC_MAX_CONCURRENT", 3),
			TaskTimeout:      getEnvDuration("SYNC_TASK_TIMEOUT", 30*time.Second),
			MutationTimeout:  getEnvDuration("SYNC_MUTATION_TIMEOUT", 15*time.Second),
			RequestTimeout:   getEnvDuration("SYNC_REQUEST_TIMEOUT", 10*time.Second),
			ReconnectInitial: getEnvDuration("SYNC_RECONNECT_INITIAL", time.Second),
			ReconnectMax:     getEnvDuration("SYNC_RECONNECT_MAX", 30*time.Second),
			DegradedAfter:    getEnvInt("SYNC_DEGRADED_AFTER", 3),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Overlay merges the YAML file at path over c. Keys absent from the file keep
// their current values.
func (c *Config) Overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
