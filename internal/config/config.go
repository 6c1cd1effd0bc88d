// Package config loads apiqueue-agent settings from an optional .env file,
// an optional config.yaml and APIQUEUE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Connectivity modes.
const (
	ModeNATS   = "nats"
	ModeProbe  = "probe"
	ModeStatic = "static"
)

// Config holds the resolved agent settings.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration

	QueueKey    string
	MaxAttempts int

	StoreDriver   string
	FilePath      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresURL   string

	NATSURL       string
	IngestSubject string

	AMQPURL      string
	AMQPExchange string

	ConnectivityMode string
	ProbeInterval    time.Duration

	HTTPAddr           string
	CORSAllowedOrigins []string

	LogLevel       slog.Level
	JaegerEndpoint string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "http://localhost:8000")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("queue.key", "apiQueue")
	v.SetDefault("queue.max_attempts", 0)
	v.SetDefault("store.driver", DriverFile)
	v.SetDefault("store.file.path", "./data/apiqueue.json")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.postgres.url", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.ingest_subject", "apiqueue.dispatch.>")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "apiqueue.dead")
	v.SetDefault("connectivity.mode", ModeProbe)
	v.SetDefault("connectivity.probe_interval", "15s")
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.cors.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("otel.jaeger_endpoint", "")
}

// Load reads configuration. A missing .env or config file is not an error.
// Extra search paths are tried before the defaults.
func Load(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("/etc/apiqueue-agent")
	v.AddConfigPath(".")
	v.SetEnvPrefix("APIQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return fromViper(v)
}

// MustLoad is Load that panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic("error while loading config: " + err.Error())
	}
	return cfg
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		BaseURL:            strings.TrimRight(v.GetString("base_url"), "/"),
		RequestTimeout:     v.GetDuration("request_timeout"),
		QueueKey:           v.GetString("queue.key"),
		MaxAttempts:        v.GetInt("queue.max_attempts"),
		StoreDriver:        strings.ToLower(v.GetString("store.driver")),
		FilePath:           v.GetString("store.file.path"),
		RedisAddr:          v.GetString("store.redis.addr"),
		RedisPassword:      v.GetString("store.redis.password"),
		RedisDB:            v.GetInt("store.redis.db"),
		PostgresURL:        v.GetString("store.postgres.url"),
		NATSURL:            v.GetString("nats.url"),
		IngestSubject:      v.GetString("nats.ingest_subject"),
		AMQPURL:            v.GetString("amqp.url"),
		AMQPExchange:       v.GetString("amqp.exchange"),
		ConnectivityMode:   strings.ToLower(v.GetString("connectivity.mode")),
		ProbeInterval:      v.GetDuration("connectivity.probe_interval"),
		HTTPAddr:           v.GetString("http.addr"),
		CORSAllowedOrigins: v.GetStringSlice("http.cors.allowed_origins"),
		JaegerEndpoint:     v.GetString("otel.jaeger_endpoint"),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("queue.max_attempts must not be negative, got %d", c.MaxAttempts)
	}

	switch c.StoreDriver {
	case DriverMemory:
	case DriverFile:
		if c.FilePath == "" {
			return errors.New("store.file.path is required for the file driver")
		}
	case DriverRedis:
		if c.RedisAddr == "" {
			return errors.New("store.redis.addr is required for the redis driver")
		}
	case DriverPostgres:
		if c.PostgresURL == "" {
			return errors.New("store.postgres.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.StoreDriver)
	}

	switch c.ConnectivityMode {
	case ModeNATS:
		if c.NATSURL == "" {
			return errors.New("nats.url is required for nats connectivity")
		}
	case ModeProbe:
		if c.ProbeInterval <= 0 {
			return errors.New("connectivity.probe_interval must be positive")
		}
	case ModeStatic:
	default:
		return fmt.Errorf("unknown connectivity.mode %q", c.ConnectivityMode)
	}
	return nil
}
