package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"yoto-remote/common/config"
)

// Schedule store backends.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config yoto-remote configuration.
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	Auth struct {
		TokenURL     string
		ClientID     string
		RefreshToken string
		AccessToken  string
		Skew         time.Duration
	}

	Connection struct {
		AuthorizerName string
		HealthInterval time.Duration
		InboundBuffer  int
		SwapRedBlue    bool
	}

	// DeviceIDs devices the daemon connects to on start.
	DeviceIDs []string

	Schedule struct {
		Store    string // redis | postgres
		Key      string // redis key holding the schedule list
		Interval time.Duration
		Timezone string
	}

	Telemetry struct {
		Stream       string // empty disables the Redis mirror
		StreamMaxLen int64
	}

	Notify struct {
		WebhookURL string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "yoto")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 5
	cfg.Database.MaxIdle = 2
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tls://localhost:8883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "yoto-remote-")
	cfg.MQTT.QoS = 1
	cfg.MQTT.ConnectTimeout = 30 * time.Second
	cfg.MQTT.KeepAlive = 60 * time.Second
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Auth.TokenURL = getEnv("AUTH_TOKEN_URL", "https://login.yotoplay.com/oauth/token")
	cfg.Auth.ClientID = getEnv("AUTH_CLIENT_ID", "")
	cfg.Auth.RefreshToken = getEnv("AUTH_REFRESH_TOKEN", "")
	cfg.Auth.AccessToken = getEnv("AUTH_ACCESS_TOKEN", "")
	skew, err := getSeconds("AUTH_TOKEN_SKEW", 60)
	if err != nil {
		return nil, err
	}
	cfg.Auth.Skew = skew

	cfg.Connection.AuthorizerName = getEnv("MQTT_AUTHORIZER_NAME", "PublicJWTAuthorizer")
	if cfg.Connection.HealthInterval, err = getSeconds("CONNECTION_HEALTH_INTERVAL", 30); err != nil {
		return nil, err
	}
	if cfg.Connection.InboundBuffer, err = getInt("CONNECTION_INBOUND_BUFFER", 64); err != nil {
		return nil, err
	}
	if cfg.Connection.SwapRedBlue, err = getBool("AMBIENT_SWAP_RED_BLUE", false); err != nil {
		return nil, err
	}

	cfg.DeviceIDs = splitList(getEnv("DEVICE_IDS", ""))

	cfg.Schedule.Store = strings.ToLower(getEnv("SCHEDULE_STORE", StoreRedis))
	cfg.Schedule.Key = getEnv("SCHEDULE_REDIS_KEY", "yoto:schedules")
	if cfg.Schedule.Interval, err = getSeconds("SCHEDULER_INTERVAL", 60); err != nil {
		return nil, err
	}
	cfg.Schedule.Timezone = getEnv("SCHEDULER_TIMEZONE", "Local")

	cfg.Telemetry.Stream = getEnv("TELEMETRY_STREAM", "yoto:telemetry:stream")
	maxLen, err := getInt("TELEMETRY_STREAM_MAXLEN", 10000)
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.StreamMaxLen = int64(maxLen)

	cfg.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no safe fallback.
func (c *Config) Validate() error {
	switch c.Schedule.Store {
	case StoreRedis, StorePostgres:
	default:
		return fmt.Errorf("SCHEDULE_STORE must be %q or %q, got %q", StoreRedis, StorePostgres, c.Schedule.Store)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	return nil
}

// Location resolves Schedule.Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" || c.Schedule.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_TIMEZONE %q: %w", c.Schedule.Timezone, err)
	}
	return loc, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getSeconds(key string, defaultSeconds int) (time.Duration, error) {
	v, err := getInt(key, defaultSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
