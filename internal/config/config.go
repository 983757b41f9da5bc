package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aridsondez/leaseq/internal/queue"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config holds all environment configuration
type Config struct {
	Env                 string
	Port                int
	LogLevel            string
	StoreDriver         string
	DatabaseURL         string
	DBConnectionTimeout time.Duration
	SQLitePath          string
	Redis               RedisConfig
	VisibilityTimeout   time.Duration
	Delay               time.Duration
	MaxRetries          int
	DeadLetterQueue     string
	QueueNames          []string
	Queues              []QueueConfig
	ReapSchedule        string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig is one entry of the optional `queues:` list in config.yaml.
// Zero fields inherit the global settings.
type QueueConfig struct {
	Name       string        `mapstructure:"name"`
	Visibility time.Duration `mapstructure:"visibility"`
	Delay      time.Duration `mapstructure:"delay"`
	DeadLetter string        `mapstructure:"dead_letter"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// LoadConfig reads config.yaml from . or ./config when present, then lets
// environment variables override it.
func LoadConfig() (*Config, error) {
	return load(".", "./config")
}

func load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AutomaticEnv()

	v.SetDefault("app_env", "dev")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("store_driver", DriverPostgres)
	v.SetDefault("db_connection_timeout", 5)
	v.SetDefault("sqlite_path", "data/leaseq.db")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("visibility_timeout", 30)
	v.SetDefault("queue_names", "default")
	v.SetDefault("reap_schedule", "@every 60s")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Env:                 v.GetString("app_env"),
		Port:                v.GetInt("port"),
		LogLevel:            v.GetString("log_level"),
		StoreDriver:         strings.ToLower(v.GetString("store_driver")),
		DatabaseURL:         v.GetString("database_url"),
		DBConnectionTimeout: seconds(v, "db_connection_timeout"),
		SQLitePath:          v.GetString("sqlite_path"),
		Redis: RedisConfig{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		VisibilityTimeout: seconds(v, "visibility_timeout"),
		Delay:             seconds(v, "delay_seconds"),
		MaxRetries:        v.GetInt("max_retries"),
		DeadLetterQueue:   v.GetString("dead_letter_queue"),
		QueueNames:        stringList(v, "queue_names"),
		ReapSchedule:      v.GetString("reap_schedule"),
	}
	if err := v.UnmarshalKey("queues", &cfg.Queues); err != nil {
		return nil, fmt.Errorf("invalid queues: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required")
		}
	case DriverRedis:
		if cfg.Redis.Addr == "" {
			return errors.New("REDIS_ADDR is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid STORE_DRIVER: %q", cfg.StoreDriver)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	if cfg.VisibilityTimeout <= 0 {
		return fmt.Errorf("invalid VISIBILITY_TIMEOUT: %s", cfg.VisibilityTimeout)
	}
	if cfg.Delay < 0 {
		return fmt.Errorf("invalid DELAY_SECONDS: %s", cfg.Delay)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("invalid MAX_RETRIES: %d", cfg.MaxRetries)
	}
	if len(cfg.QueueNames) == 0 && len(cfg.Queues) == 0 {
		return errors.New("QUEUE_NAMES is required")
	}
	return nil
}

// Definitions turns the queue settings into registry definitions. The
// `queues:` list wins over QUEUE_NAMES when both are set.
func (cfg *Config) Definitions() []queue.Definition {
	base := make([]QueueConfig, 0, len(cfg.QueueNames))
	if len(cfg.Queues) > 0 {
		base = append(base, cfg.Queues...)
	} else {
		for _, name := range cfg.QueueNames {
			base = append(base, QueueConfig{Name: name})
		}
	}

	defs := make([]queue.Definition, 0, len(base))
	for _, q := range base {
		d := queue.Definition{
			Name:       q.Name,
			Visibility: q.Visibility,
			Delay:      q.Delay,
			DeadLetter: q.DeadLetter,
			MaxRetries: q.MaxRetries,
		}
		if d.Visibility == 0 {
			d.Visibility = cfg.VisibilityTimeout
		}
		if d.Delay == 0 {
			d.Delay = cfg.Delay
		}
		if d.MaxRetries == 0 {
			d.MaxRetries = cfg.MaxRetries
		}
		if d.DeadLetter == "" && cfg.DeadLetterQueue != q.Name {
			d.DeadLetter = cfg.DeadLetterQueue
		}
		defs = append(defs, d)
	}
	return defs
}

// helper: read key as int seconds → convert to duration
func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

// stringList accepts either a comma separated string (env) or a YAML list.
func stringList(v *viper.Viper, key string) []string {
	var raw []string
	if s, ok := v.Get(key).(string); ok {
		raw = strings.Split(s, ",")
	} else {
		raw = v.GetStringSlice(key)
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
