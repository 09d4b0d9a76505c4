package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rpattn/importer/internal/db"
	"github.com/rpattn/importer/internal/fetcher"
	"github.com/rpattn/importer/internal/logger"
)

// EnvPrefix prefixes every environment override, e.g. IMPORTER_DATABASE_HOST.
const EnvPrefix = "IMPORTER"

type ServerConfig struct {
	Addr            string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

type TaskConfig struct {
	SpoolDir   string
	RetryBase  time.Duration
	MaxRetries int
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

type CacheConfig struct {
	TTL       time.Duration
	Namespace string
}

// Config is the full runtime configuration of the service and worker.
type Config struct {
	Database       db.Config
	Server         ServerConfig
	Redis          RedisConfig
	Kafka          KafkaConfig
	Fetch          fetcher.EndpointConfig
	Tasks          TaskConfig
	UploadMaxBytes int64
	LogLevel       string
	RateLimit      RateLimitConfig
	Cache          CacheConfig
}

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()
	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)
	v.SetDefault("database.max_conns", dbDefaults.MaxConns)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", "http://localhost:3000")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "data-import-tasks")
	v.SetDefault("kafka.group_id", "data-import-worker")

	fetchDefaults := fetcher.DefaultEndpointConfig()
	v.SetDefault("fetch.timeout", fetchDefaults.Timeout)
	v.SetDefault("fetch.max_attempts", fetchDefaults.MaxAttempts)
	v.SetDefault("fetch.retry_delay", fetchDefaults.RetryDelay)
	v.SetDefault("fetch.max_body_bytes", fetchDefaults.MaxBodyBytes)

	v.SetDefault("tasks.spool_dir", "")
	v.SetDefault("tasks.retry_base", 60*time.Second)
	v.SetDefault("tasks.max_retries", 3)

	v.SetDefault("upload.max_bytes", 50<<20)
	v.SetDefault("log.level", "info")

	v.SetDefault("ratelimit.limit", 0)
	v.SetDefault("ratelimit.window", time.Minute)

	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.namespace", "importer")
}

// Load reads config.yaml from configPath, then .env, then IMPORTER_* variables.
// Later sources win. A missing file or .env is not an error.
func Load(configPath string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		logger.Log.Info("no config.yaml found, using defaults and environment")
	} else {
		logger.WithField("file", v.ConfigFileUsed()).Info("loaded config")
	}

	cfg := Config{
		Database: db.Config{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
			MaxConns: v.GetInt32("database.max_conns"),
		},
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			AllowedOrigins:  stringList(v, "server.allowed_origins"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Kafka: KafkaConfig{
			Enabled: v.GetBool("kafka.enabled"),
			Brokers: stringList(v, "kafka.brokers"),
			Topic:   v.GetString("kafka.topic"),
			GroupID: v.GetString("kafka.group_id"),
		},
		Fetch: fetcher.EndpointConfig{
			Timeout:      v.GetDuration("fetch.timeout"),
			MaxAttempts:  v.GetInt("fetch.max_attempts"),
			RetryDelay:   v.GetDuration("fetch.retry_delay"),
			MaxBodyBytes: v.GetInt64("fetch.max_body_bytes"),
		},
		Tasks: TaskConfig{
			SpoolDir:   v.GetString("tasks.spool_dir"),
			RetryBase:  v.GetDuration("tasks.retry_base"),
			MaxRetries: v.GetInt("tasks.max_retries"),
		},
		UploadMaxBytes: v.GetInt64("upload.max_bytes"),
		LogLevel:       v.GetString("log.level"),
		RateLimit: RateLimitConfig{
			Limit:  v.GetInt("ratelimit.limit"),
			Window: v.GetDuration("ratelimit.window"),
		},
		Cache: CacheConfig{
			TTL:       v.GetDuration("cache.ttl"),
			Namespace: v.GetString("cache.namespace"),
		},
	}

	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return Config{}, errors.New("kafka is enabled but no brokers are configured")
	}
	return cfg, nil
}

// stringList accepts a YAML list or a comma separated string.
func stringList(v *viper.Viper, key string) []string {
	raw, ok := v.Get(key).(string)
	if !ok {
		return v.GetStringSlice(key)
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
