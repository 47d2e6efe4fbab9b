package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
	Rooms   RoomsConfig   `yaml:"rooms"`
	Signing SigningConfig `yaml:"signing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxRooms        int           `yaml:"max_rooms"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	OpDeadline      time.Duration `yaml:"op_deadline"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RoomsConfig carries the defaults applied to rooms whose creation options
// leave a knob unset. Every recognised key is enumerated here; there is no
// dynamic flag registry.
type RoomsConfig struct {
	WindowDuration       time.Duration `yaml:"window_duration"`
	PendingTTL           time.Duration `yaml:"pending_ttl"`
	LicensedAllowed      bool          `yaml:"licensed_allowed"`
	SessionIdleTimeout   time.Duration `yaml:"session_idle_timeout"`
	MaxEntriesPerReceipt int           `yaml:"max_entries_per_receipt"`
	ResubmitCooldown     time.Duration `yaml:"resubmit_cooldown"`
	MaxSessionsPerRoom   int           `yaml:"max_sessions_per_room"`
	PendingReceiptBound  int           `yaml:"pending_receipt_bound"`
	GracePeriod          time.Duration `yaml:"grace_period"`
}

type SigningConfig struct {
	KeyID string `yaml:"key_id"`
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("SFU_HOST", "0.0.0.0"),
			Port:            getEnvInt("SFU_PORT", 8080),
			MaxRooms:        getEnvInt("SFU_MAX_ROOMS", 1000),
			ShutdownTimeout: time.Duration(getEnvInt("SFU_SHUTDOWN_TIMEOUT", 10)) * time.Second,
			OpDeadline:      time.Duration(getEnvInt("SFU_OP_DEADLINE_MS", 5000)) * time.Millisecond,
			RateLimitPerSec: float64(getEnvInt("SFU_RATE_LIMIT_PER_SEC", 20)),
			RateLimitBurst:  getEnvInt("SFU_RATE_LIMIT_BURST", 40),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9090),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Rooms: RoomsConfig{
			WindowDuration:       time.Duration(getEnvInt("SFU_WINDOW_DURATION_SEC", 10)) * time.Second,
			PendingTTL:           time.Duration(getEnvInt("SFU_PENDING_TTL_HOURS", 24)) * time.Hour,
			LicensedAllowed:      getEnvBool("SFU_LICENSED_ALLOWED", false),
			SessionIdleTimeout:   time.Duration(getEnvInt("SFU_SESSION_IDLE_TIMEOUT_SEC", 45)) * time.Second,
			MaxEntriesPerReceipt: getEnvInt("SFU_MAX_ENTRIES_PER_RECEIPT", 0),
			ResubmitCooldown:     time.Duration(getEnvInt("SFU_RESUBMIT_COOLDOWN_MIN", 60)) * time.Minute,
			MaxSessionsPerRoom:   getEnvInt("SFU_MAX_SESSIONS_PER_ROOM", 100),
			PendingReceiptBound:  getEnvInt("SFU_PENDING_RECEIPT_BOUND", 6),
			GracePeriod:          time.Duration(getEnvInt("SFU_ROOM_GRACE_PERIOD_SEC", 120)) * time.Second,
		},
		Signing: SigningConfig{
			KeyID: getEnv("SFU_SIGNER_KEY_ID", "sfu-core-default"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
