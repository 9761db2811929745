// Package config loads transactor configuration from defaults, an optional
// YAML file and TRANSACTOR_* environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Listen   string   `yaml:"listen"`
	Logging  Logging  `yaml:"logging"`
	Storage  Storage  `yaml:"storage"`
	Blob     Blob     `yaml:"blob"`
	Queue    Queue    `yaml:"queue"`
	Session  Session  `yaml:"session"`
	Pipeline Pipeline `yaml:"pipeline"`
	Auth     Auth     `yaml:"auth"`
}

// Logging selects level and encoder.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Storage selects the DbAdapter driver.
type Storage struct {
	Driver      string `yaml:"driver"`
	SQLiteDir   string `yaml:"sqliteDir"`
	PostgresDSN string `yaml:"postgresDsn"`
}

// Blob selects the blob store driver.
type Blob struct {
	Driver string `yaml:"driver"`
	Root   string `yaml:"root"`
	S3     S3     `yaml:"s3"`
}

// S3 configures the S3 blob driver.
type S3 struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	PathStyle       bool   `yaml:"pathStyle"`
}

// Queue selects the queue driver. Brokers uses the "host:port,...;postfix"
// form.
type Queue struct {
	Driver    string `yaml:"driver"`
	Brokers   string `yaml:"brokers"`
	Region    string `yaml:"region"`
	RedisAddr string `yaml:"redisAddr"`
	ClientID  string `yaml:"clientId"`
	GroupID   string `yaml:"groupId"`
}

// Session bounds per-connection resources.
type Session struct {
	SendQueueSize int           `yaml:"sendQueueSize"`
	PingInterval  time.Duration `yaml:"pingInterval"`
	HangTimeout   time.Duration `yaml:"hangTimeout"`
	SoftShutdown  time.Duration `yaml:"softShutdown"`
	RateLimit     float64       `yaml:"rateLimit"`
	RateBurst     int           `yaml:"rateBurst"`
}

// Pipeline tunes trigger execution and caching.
type Pipeline struct {
	MaxTriggerDepth int           `yaml:"maxTriggerDepth"`
	AsyncRetries    int           `yaml:"asyncRetries"`
	AsyncBackoff    time.Duration `yaml:"asyncBackoff"`
	CacheTTL        time.Duration `yaml:"cacheTtl"`
}

// Auth lists static token grants. Token issuance lives outside this
// service.
type Auth struct {
	Tokens []TokenGrant `yaml:"tokens"`
}

// TokenGrant binds a token to an account in a workspace.
type TokenGrant struct {
	Token     string `yaml:"token"`
	Workspace string `yaml:"workspace"`
	Account   string `yaml:"account"`
	Role      string `yaml:"role"`
	Upgrade   bool   `yaml:"upgrade"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:  ":3333",
		Logging: Logging{Level: "INFO", Format: "CONSOLE"},
		Storage: Storage{Driver: "memory", SQLiteDir: "./data"},
		Blob:    Blob{Driver: "memory", Root: "./blobdata"},
		Queue:   Queue{Driver: "memory", ClientID: "transactor", GroupID: "transactor"},
		Session: Session{
			SendQueueSize: 1024,
			PingInterval:  time.Minute,
			HangTimeout:   5 * time.Minute,
			SoftShutdown:  time.Minute,
			RateLimit:     100,
			RateBurst:     200,
		},
		Pipeline: Pipeline{
			MaxTriggerDepth: 8,
			AsyncRetries:    3,
			AsyncBackoff:    200 * time.Millisecond,
			CacheTTL:        30 * time.Minute,
		},
	}
}

// Load reads path (optional) over the defaults and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	var out Config
	if err := deepcopy.Copy(&out, c); err != nil {
		return c
	}
	return out
}

// Redacted returns a copy safe to log: credentials and tokens are masked.
func (c Config) Redacted() Config {
	out := c.Clone()
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&out.Storage.PostgresDSN)
	mask(&out.Blob.S3.SecretAccessKey)
	for i := range out.Auth.Tokens {
		mask(&out.Auth.Tokens[i].Token)
	}
	return out
}

// Validate checks driver names and limits.
func (c Config) Validate() error {
	var errs []error
	if !oneOf(c.Storage.Driver, "memory", "sqlite", "postgres") {
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if !oneOf(c.Blob.Driver, "memory", "fs", "s3") {
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if !oneOf(c.Queue.Driver, "memory", "kafka", "redis", "none") {
		errs = append(errs, fmt.Errorf("unknown queue driver %q", c.Queue.Driver))
	}
	if c.Session.SendQueueSize <= 0 {
		errs = append(errs, errors.New("session.sendQueueSize must be positive"))
	}
	if c.Pipeline.MaxTriggerDepth <= 0 {
		errs = append(errs, errors.New("pipeline.maxTriggerDepth must be positive"))
	}
	return errors.Join(errs...)
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("TRANSACTOR_LISTEN", &c.Listen)
	str("LOGGING_LEVEL", &c.Logging.Level)
	str("LOGGING_FORMAT", &c.Logging.Format)
	str("TRANSACTOR_STORAGE_DRIVER", &c.Storage.Driver)
	str("TRANSACTOR_SQLITE_DIR", &c.Storage.SQLiteDir)
	str("TRANSACTOR_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("TRANSACTOR_BLOB_DRIVER", &c.Blob.Driver)
	str("TRANSACTOR_BLOB_FS_ROOT", &c.Blob.Root)
	str("TRANSACTOR_BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("TRANSACTOR_BLOB_S3_REGION", &c.Blob.S3.Region)
	str("TRANSACTOR_BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	str("TRANSACTOR_BLOB_S3_ACCESS_KEY", &c.Blob.S3.AccessKeyID)
	str("TRANSACTOR_BLOB_S3_SECRET_KEY", &c.Blob.S3.SecretAccessKey)
	str("TRANSACTOR_QUEUE_DRIVER", &c.Queue.Driver)
	str("TRANSACTOR_QUEUE_CONFIG", &c.Queue.Brokers)
	str("TRANSACTOR_REGION", &c.Queue.Region)
	str("TRANSACTOR_REDIS_ADDR", &c.Queue.RedisAddr)
	str("TRANSACTOR_QUEUE_CLIENT_ID", &c.Queue.ClientID)

	var errs []error
	if v, ok := lookup("TRANSACTOR_BLOB_S3_PATH_STYLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TRANSACTOR_BLOB_S3_PATH_STYLE: %w", err))
		}
		c.Blob.S3.PathStyle = b
	}
	ints := map[string]*int{
		"TRANSACTOR_SEND_QUEUE_SIZE":   &c.Session.SendQueueSize,
		"TRANSACTOR_MAX_TRIGGER_DEPTH": &c.Pipeline.MaxTriggerDepth,
		"TRANSACTOR_ASYNC_RETRIES":     &c.Pipeline.AsyncRetries,
		"TRANSACTOR_RATE_BURST":        &c.Session.RateBurst,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = n
		}
	}
	durations := map[string]*time.Duration{
		"TRANSACTOR_PING_INTERVAL": &c.Session.PingInterval,
		"TRANSACTOR_HANG_TIMEOUT":  &c.Session.HangTimeout,
		"TRANSACTOR_SOFT_SHUTDOWN": &c.Session.SoftShutdown,
		"TRANSACTOR_CACHE_TTL":     &c.Pipeline.CacheTTL,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = d
		}
	}
	if v, ok := lookup("TRANSACTOR_RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TRANSACTOR_RATE_LIMIT: %w", err))
		}
		c.Session.RateLimit = f
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}
