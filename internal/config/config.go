package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PHOTOTHUMB_REDIS_ADDR.
const EnvPrefix = "PHOTOTHUMB"

// Create new config instance with defaults applied
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)

	c := &Config{}
	_ = v.Unmarshal(c)
	return c
}

// Load reads the JSON config file (optional), a local .env file (optional)
// and PHOTOTHUMB_* environment overrides, then validates the result.
func Load(file string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if c.Worker.Consumer == "" {
		c.Worker.Consumer = defaultConsumer()
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks struct-level constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database_id", 0)
	v.SetDefault("redis.health_check_interval", 15*time.Second)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.cache_ttl", 5*time.Minute)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.originals", "images")
	v.SetDefault("storage.derivatives", "thumbs")
	v.SetDefault("storage.s3.account_id", "")
	v.SetDefault("storage.s3.region", "auto")
	v.SetDefault("storage.s3.bucket_name", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.use_path_style", true)
	v.SetDefault("storage.minio.endpoint", "")
	v.SetDefault("storage.minio.region", "")
	v.SetDefault("storage.minio.bucket_name", "")
	v.SetDefault("storage.minio.access_key", "")
	v.SetDefault("storage.minio.secret_key", "")
	v.SetDefault("storage.minio.use_ssl", false)
	v.SetDefault("storage.download.max_retries", 3)
	v.SetDefault("storage.download.base_delay", 300*time.Millisecond)

	v.SetDefault("worker.stream", "images")
	v.SetDefault("worker.group", "thumbnailers")
	v.SetDefault("worker.consumer", "")
	v.SetDefault("worker.workers", 1)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.max_len", 100000)
	v.SetDefault("worker.backoff_base", time.Second)
	v.SetDefault("worker.block_timeout", 5*time.Second)
	v.SetDefault("worker.claim_min_idle", 30*time.Second)

	v.SetDefault("thumbnail.width", 100)
	v.SetDefault("thumbnail.height", 100)
	v.SetDefault("thumbnail.format", "jpeg")
	v.SetDefault("thumbnail.quality", 90)
	v.SetDefault("thumbnail.message_timeout", time.Minute)
	v.SetDefault("thumbnail.max_source_bytes", 64<<20)
	v.SetDefault("thumbnail.max_source_pixels", 50_000_000)

	v.SetDefault("sentry.sentry_dsn", "")
	v.SetDefault("sentry.environment", "development")
}

func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
