package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	StoreBbolt = "bbolt"
	StoreMongo = "mongo"

	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNats   = "nats"
)

type Config struct {
	APIAddr    string
	AdminAddr  string
	BaseURL    string
	InstanceID string

	JWTSecret   string
	TokenExpiry time.Duration

	StoreDriver   string
	DBFile        string
	MongoURI      string
	MongoDatabase string

	StateBackend   string
	BusDriver      string
	RedisURL       string
	RedisKeyPrefix string
	NatsURL        string

	HeartbeatInterval time.Duration
	OfflineThreshold  time.Duration
	TypingTTL         time.Duration

	WSRateLimit   int
	WSRateWindow  time.Duration
	APIRateLimit  int
	APIRateWindow time.Duration

	UploadsPath string
	LogLevel    string
	LogFormat   string
}

// Load reads the configuration from the environment. In CLI mode secrets
// are not required.
func Load(cliMode bool) (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "parley"
	}

	cfg := &Config{
		APIAddr:        getEnv("API_ADDR", ":8080"),
		AdminAddr:      getEnv("ADMIN_ADDR", "localhost:8081"),
		BaseURL:        getEnv("BASE_URL", "http://localhost:8080"),
		InstanceID:     getEnv("INSTANCE_ID", hostname),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		StoreDriver:    getEnv("STORE_DRIVER", StoreBbolt),
		DBFile:         getEnv("DB_FILE", "parley.db"),
		MongoURI:       getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:  getEnv("MONGO_DATABASE", "parley"),
		StateBackend:   getEnv("STATE_BACKEND", BackendMemory),
		BusDriver:      getEnv("BUS_DRIVER", BackendMemory),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "chat:dev:"),
		NatsURL:        getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		UploadsPath:    getEnv("UPLOADS_PATH", "uploads"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
	}

	var err error
	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"TOKEN_EXPIRY", "12h", &cfg.TokenExpiry},
		{"HEARTBEAT_INTERVAL", "5s", &cfg.HeartbeatInterval},
		{"OFFLINE_THRESHOLD", "15s", &cfg.OfflineThreshold},
		{"TYPING_TTL", "3s", &cfg.TypingTTL},
		{"WS_RATE_WINDOW", "1s", &cfg.WSRateWindow},
		{"API_RATE_WINDOW", "1m", &cfg.APIRateWindow},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getEnv(d.key, d.fallback)); err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
	}

	if cfg.WSRateLimit, err = strconv.Atoi(getEnv("WS_RATE_LIMIT", "10")); err != nil {
		return nil, fmt.Errorf("WS_RATE_LIMIT: %w", err)
	}
	if cfg.APIRateLimit, err = strconv.Atoi(getEnv("API_RATE_LIMIT", "100")); err != nil {
		return nil, fmt.Errorf("API_RATE_LIMIT: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.JWTSecret == "" && !cliMode {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.StoreDriver {
	case StoreBbolt, StoreMongo:
	default:
		return fmt.Errorf("STORE_DRIVER must be %s or %s", StoreBbolt, StoreMongo)
	}
	switch c.StateBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("STATE_BACKEND must be %s or %s", BackendMemory, BackendRedis)
	}
	switch c.BusDriver {
	case BackendMemory, BackendRedis, BackendNats:
	default:
		return fmt.Errorf("BUS_DRIVER must be %s, %s or %s", BackendMemory, BackendRedis, BackendNats)
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if c.HeartbeatInterval <= 0 || c.OfflineThreshold <= 0 || c.TypingTTL <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL, OFFLINE_THRESHOLD and TYPING_TTL must be greater than 0")
	}
	if c.OfflineThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("OFFLINE_THRESHOLD must be longer than HEARTBEAT_INTERVAL")
	}
	if c.WSRateLimit <= 0 || c.WSRateWindow <= 0 {
		return fmt.Errorf("WS_RATE_LIMIT and WS_RATE_WINDOW must be greater than 0")
	}
	if c.APIRateLimit <= 0 || c.APIRateWindow <= 0 {
		return fmt.Errorf("API_RATE_LIMIT and API_RATE_WINDOW must be greater than 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	return nil
}

// UsesRedis reports whether any component needs the Redis client.
func (c *Config) UsesRedis() bool {
	return c.StateBackend == BackendRedis || c.BusDriver == BackendRedis
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
