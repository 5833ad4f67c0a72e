package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  Database        `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Thumbnail ThumbnailConfig `mapstructure:"thumbnail"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}

type Database struct {
	// Empty DSN keeps the record catalog in memory.
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	// Addr is a shortcut for a single node; Nodes wins when both are set.
	Addr                string        `mapstructure:"addr"`
	Password            string        `mapstructure:"password"`
	DatabaseID          int           `mapstructure:"database_id"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	PoolSize            int           `mapstructure:"pool_size"`
	Nodes               []RedisNode   `mapstructure:"nodes"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
}

type RedisNode struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

// Addrs returns every configured node address.
func (c RedisConfig) Addrs() []string {
	addrs := make([]string, 0, len(c.Nodes)+1)
	for _, n := range c.Nodes {
		addrs = append(addrs, n.Addr())
	}
	if len(addrs) == 0 && c.Addr != "" {
		addrs = append(addrs, c.Addr)
	}
	return addrs
}

type StorageConfig struct {
	Driver      string      `mapstructure:"driver" validate:"oneof=memory s3 minio"`
	Originals   string      `mapstructure:"originals" validate:"required"`
	Derivatives string      `mapstructure:"derivatives" validate:"required,nefield=Originals"`
	S3          S3Config    `mapstructure:"s3"`
	Minio       MinioConfig `mapstructure:"minio"`
	Download    RetryConfig `mapstructure:"download"`
}

// S3Config covers AWS S3 and Cloudflare R2. AccountID selects the R2 endpoint
// when Endpoint is empty.
type S3Config struct {
	AccountID    string `mapstructure:"account_id"`
	Region       string `mapstructure:"region"`
	BucketName   string `mapstructure:"bucket_name"`
	AccessKeyID  string `mapstructure:"access_key_id"`
	SecretKey    string `mapstructure:"secret_key"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type MinioConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	Region     string `mapstructure:"region"`
	BucketName string `mapstructure:"bucket_name"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	UseSSL     bool   `mapstructure:"use_ssl"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

type WorkerConfig struct {
	Stream       string        `mapstructure:"stream" validate:"required"`    // redis stream name
	Group        string        `mapstructure:"group" validate:"required"`     // consumer group name
	Consumer     string        `mapstructure:"consumer"`                      // defaults to a random name
	Workers      int           `mapstructure:"workers" validate:"gte=1"`      // number of concurrent goroutines
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gte=1"` // max deliveries before DLQ
	MaxLen       int64         `mapstructure:"max_len" validate:"gte=0"`      // stream max length before trim
	BackoffBase  time.Duration `mapstructure:"backoff_base"`                  // base retry delay
	BlockTimeout time.Duration `mapstructure:"block_timeout"`                 // XREADGROUP block timeout
	ClaimMinIdle time.Duration `mapstructure:"claim_min_idle"`                // idle time before XAUTOCLAIM adopts an entry
}

type ThumbnailConfig struct {
	Width           int           `mapstructure:"width" validate:"gt=0"`
	Height          int           `mapstructure:"height" validate:"gt=0"`
	Format          string        `mapstructure:"format" validate:"oneof=jpeg webp"`
	Quality         int           `mapstructure:"quality" validate:"gte=1,lte=100"`
	MessageTimeout  time.Duration `mapstructure:"message_timeout"`
	MaxSourceBytes  int64         `mapstructure:"max_source_bytes" validate:"gt=0"`
	MaxSourcePixels int64         `mapstructure:"max_source_pixels" validate:"gt=0"`
}

type SentryConfig struct {
	SentryDSN   string `mapstructure:"sentry_dsn"`
	Environment string `mapstructure:"environment"`
}

// String prints the config with secrets masked.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "server.port=%d ", c.Server.Port)
	fmt.Fprintf(&sb, "log.level=%s ", c.Log.Level)
	fmt.Fprintf(&sb, "database.dsn=%s ", mask(c.Database.DSN))
	fmt.Fprintf(&sb, "redis.addrs=%v ", c.Redis.Addrs())
	fmt.Fprintf(&sb, "storage.driver=%s ", c.Storage.Driver)
	fmt.Fprintf(&sb, "storage.buckets=%s,%s ", c.Storage.Originals, c.Storage.Derivatives)
	fmt.Fprintf(&sb, "worker.stream=%s worker.group=%s worker.workers=%d ", c.Worker.Stream, c.Worker.Group, c.Worker.Workers)
	fmt.Fprintf(&sb, "thumbnail=%dx%d/%s", c.Thumbnail.Width, c.Thumbnail.Height, c.Thumbnail.Format)
	return sb.String()
}

func mask(s string) string {
	if s == "" {
		return "(empty)"
	}
	return "********"
}
