package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	R2        R2Config
	Zitadel   ZitadelConfig
	Kie       KieConfig
	Poll      PollConfig
	Dispatch  DispatchConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type DatabaseConfig struct {
	Driver   string
	DSN      string
	MaxConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	SubmitPerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type KieConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	CallbackURL       string
	RequestsPerSecond float64
	Timeout           time.Duration
}

type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// Submission dispatch modes
const (
	DispatchInline = "inline"
	DispatchAsynq  = "asynq"
)

type DispatchConfig struct {
	Mode        string
	Concurrency int
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("KIE_API_KEY")
	readSecret("DATABASE_DSN")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = viper.BindEnv("database.dsn", "DATABASE_DSN")
	_ = viper.BindEnv("database.max_conns", "DATABASE_MAX_CONNS")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("kie.api_key", "KIE_API_KEY")
	_ = viper.BindEnv("kie.base_url", "KIE_BASE_URL")
	_ = viper.BindEnv("kie.model", "KIE_MODEL")
	_ = viper.BindEnv("kie.callback_url", "KIE_CALLBACK_URL")
	_ = viper.BindEnv("kie.requests_per_second", "KIE_REQUESTS_PER_SECOND")
	_ = viper.BindEnv("kie.timeout", "KIE_TIMEOUT")
	_ = viper.BindEnv("poll.interval", "POLL_INTERVAL")
	_ = viper.BindEnv("poll.max_attempts", "POLL_MAX_ATTEMPTS")
	_ = viper.BindEnv("dispatch.mode", "DISPATCH_MODE")
	_ = viper.BindEnv("dispatch.concurrency", "DISPATCH_CONCURRENCY")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("database.driver", DriverSQLite)
	viper.SetDefault("database.dsn", "kiemusic.db")
	viper.SetDefault("database.max_conns", 10)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("ratelimit.submit_per_hour", 20)

	// KIE defaults
	viper.SetDefault("kie.base_url", "https://api.kie.ai/api/v1")
	viper.SetDefault("kie.model", "V5")
	viper.SetDefault("kie.callback_url", "https://api.example.com/callback")
	viper.SetDefault("kie.requests_per_second", 5)
	viper.SetDefault("kie.timeout", "30s")

	// Polling defaults: 120 attempts every 5s is a ten minute budget
	viper.SetDefault("poll.interval", "5s")
	viper.SetDefault("poll.max_attempts", 120)

	viper.SetDefault("dispatch.mode", DispatchInline)
	viper.SetDefault("dispatch.concurrency", 10)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Database: DatabaseConfig{
			Driver:   viper.GetString("database.driver"),
			DSN:      viper.GetString("database.dsn"),
			MaxConns: viper.GetInt("database.max_conns"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:   viper.GetString("zitadel.domain"),
			ClientID: viper.GetString("zitadel.client_id"),
			Issuer:   viper.GetString("zitadel.issuer"),
		},
		Kie: KieConfig{
			APIKey:            viper.GetString("kie.api_key"),
			BaseURL:           strings.TrimRight(viper.GetString("kie.base_url"), "/"),
			Model:             viper.GetString("kie.model"),
			CallbackURL:       viper.GetString("kie.callback_url"),
			RequestsPerSecond: viper.GetFloat64("kie.requests_per_second"),
			Timeout:           viper.GetDuration("kie.timeout"),
		},
		Poll: PollConfig{
			Interval:    viper.GetDuration("poll.interval"),
			MaxAttempts: viper.GetInt("poll.max_attempts"),
		},
		Dispatch: DispatchConfig{
			Mode:        viper.GetString("dispatch.mode"),
			Concurrency: viper.GetInt("dispatch.concurrency"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Dispatch.Mode {
	case DispatchInline, DispatchAsynq:
	default:
		return fmt.Errorf("unsupported dispatch mode %q", c.Dispatch.Mode)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("poll max attempts must be positive")
	}
	return nil
}
