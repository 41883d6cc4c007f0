// Package config loads runtime settings from an optional YAML file, a .env
// file and CROCHET_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CROCHET_BACKEND_URL.
const EnvPrefix = "CROCHET"

type Config struct {
	Local struct {
		DBPath  string `mapstructure:"db_path"`
		LogFile string `mapstructure:"log_file"`
		// LogMaxSizeMB is the size at which the log file is rotated.
		LogMaxSizeMB int `mapstructure:"log_max_size_mb"`
	} `mapstructure:"local"`

	Backend struct {
		URL       string `mapstructure:"url"`
		AnonKey   string `mapstructure:"anon_key"`
		JWTSecret string `mapstructure:"jwt_secret"`
		Realtime  bool   `mapstructure:"realtime"`
	} `mapstructure:"backend"`

	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Storage struct {
		Endpoint  string `mapstructure:"endpoint"`
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		Bucket    string `mapstructure:"bucket"`
		PublicURL string `mapstructure:"public_url"`
		PathStyle bool   `mapstructure:"path_style"`
	} `mapstructure:"storage"`

	Queue struct {
		MaxRetries int           `mapstructure:"max_retries"`
		Retention  time.Duration `mapstructure:"retention"`
	} `mapstructure:"queue"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	API struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"api"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
}

// keys lists every setting so AutomaticEnv can see variables that have no
// default and no file value.
var keys = []string{
	"local.db_path", "local.log_file", "local.log_max_size_mb",
	"backend.url", "backend.anon_key", "backend.jwt_secret", "backend.realtime",
	"database.dsn",
	"storage.endpoint", "storage.region", "storage.access_key", "storage.secret_key",
	"storage.bucket", "storage.public_url", "storage.path_style",
	"queue.max_retries", "queue.retention",
	"metrics.addr", "api.addr",
	"redis.addr", "redis.password", "redis.db",
}

// Load reads the configuration. path may be empty, in which case only .env,
// the environment and defaults are used.
func Load(path string) (*Config, error) {
	// .env is optional.
	godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		v.BindEnv(k)
	}

	v.SetDefault("local.db_path", "crochet.sqlite3")
	v.SetDefault("local.log_max_size_mb", 10)
	v.SetDefault("backend.realtime", true)
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.bucket", "project-images")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retention", "24h")
	v.SetDefault("redis.db", 0)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Backend.URL = strings.TrimRight(cfg.Backend.URL, "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Local.DBPath == "" {
		return errors.New("config: local.db_path is required")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("config: queue.max_retries must be positive, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.Retention <= 0 {
		return fmt.Errorf("config: queue.retention must be positive, got %s", c.Queue.Retention)
	}
	if c.Backend.URL != "" && !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		return fmt.Errorf("config: backend.url must be an http(s) url, got %q", c.Backend.URL)
	}
	return nil
}

// BackendConfigured reports whether the hosted backend can be used. Without
// it every user stays on local stores and local auth.
func (c *Config) BackendConfigured() bool {
	return c.Backend.URL != "" && c.Backend.AnonKey != "" && c.Database.DSN != ""
}

// StorageConfigured reports whether images can be uploaded.
func (c *Config) StorageConfigured() bool {
	s := c.Storage
	return s.Endpoint != "" && s.AccessKey != "" && s.SecretKey != "" && s.Bucket != ""
}

// RedisConfigured reports whether the key-value store lives in Redis instead
// of the local database.
func (c *Config) RedisConfigured() bool {
	return c.Redis.Addr != ""
}
