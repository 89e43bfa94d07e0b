// Package config loads redsweep configuration.
//
// Precedence, highest first: runtime overrides, REDSWEEP_* environment
// variables, the config file (redsweep.yaml), defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/redsweep/pkg/bulkaction"
	"github.com/3leaps/redsweep/pkg/report"
	"github.com/3leaps/redsweep/pkg/store/redis"
)

const (
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "REDSWEEP"

	// ConfigName is the config file base name.
	ConfigName = "redsweep"
)

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Bulk    BulkConfig    `mapstructure:"bulk"`
	Report  ReportConfig  `mapstructure:"report"`
	History HistoryConfig `mapstructure:"history"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxUploadBytes caps import request bodies.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// StoreConfig converts to the store package configuration.
func (c RedisConfig) StoreConfig() redis.Config {
	return redis.Config{
		Addr:         c.Addr,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PoolSize:     c.PoolSize,
	}
}

type BulkConfig struct {
	DefaultCount       int           `mapstructure:"default_count"`
	Retention          time.Duration `mapstructure:"retention"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	OverviewErrorLimit int           `mapstructure:"overview_error_limit"`
	ReportDir          string        `mapstructure:"report_dir"`
	FlushEvery         int           `mapstructure:"flush_every"`
	MaxImportLines     int           `mapstructure:"max_import_lines"`
}

// HistoryConfig controls the run history kept by `redsweep run`. An
// empty Dir disables it.
type HistoryConfig struct {
	Dir       string        `mapstructure:"dir"`
	Retention time.Duration `mapstructure:"retention"`
}

type ReportConfig struct {
	S3 S3Config `mapstructure:"s3"`
}

// S3Config enables report archiving when Bucket is set.
type S3Config struct {
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	Prefix          string        `mapstructure:"prefix"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	ForcePathStyle  bool          `mapstructure:"force_path_style"`
	PresignTTL      time.Duration `mapstructure:"presign_ttl"`
}

// Enabled reports whether archiving is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// ArchiverConfig converts to the report package configuration.
func (c S3Config) ArchiverConfig() report.S3Config {
	return report.S3Config{
		Bucket:          c.Bucket,
		Region:          c.Region,
		Endpoint:        c.Endpoint,
		Prefix:          c.Prefix,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		ForcePathStyle:  c.ForcePathStyle,
		PresignTTL:      c.PresignTTL,
	}
}

// EnvSpec maps an environment variable to a config key.
type EnvSpec struct {
	Name string
	Key  string
}

var (
	current   *Config
	currentMu sync.RWMutex
)

// Load reads configuration and makes it available through GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Key, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for k, val := range flatten("", o) {
			v.Set(k, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	currentMu.Lock()
	current = &cfg
	currentMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return current
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Bulk.DefaultCount < 1 || c.Bulk.DefaultCount > bulkaction.MaxCount {
		return fmt.Errorf("bulk.default_count must be between 1 and %d", bulkaction.MaxCount)
	}
	if c.Bulk.RateLimit < 0 {
		return errors.New("bulk.rate_limit must be >= 0")
	}
	if c.Bulk.Retention <= 0 {
		return errors.New("bulk.retention must be positive")
	}
	if c.History.Retention < 0 {
		return errors.New("history.retention must be >= 0")
	}
	return nil
}

// DefaultHistoryDir is the run history directory under the app data dir.
func DefaultHistoryDir() string {
	return filepath.Join(gfconfig.GetAppDataDir(ConfigName), "history")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_upload_bytes", 64<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("redis.addr", redis.DefaultAddr)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "30s")
	v.SetDefault("redis.write_timeout", "30s")
	v.SetDefault("redis.pool_size", 0)

	v.SetDefault("bulk.default_count", bulkaction.DefaultCount)
	v.SetDefault("bulk.retention", bulkaction.DefaultRetention.String())
	v.SetDefault("bulk.rate_limit", 0)
	v.SetDefault("bulk.overview_error_limit", bulkaction.DefaultOverviewErrorLimit)
	v.SetDefault("bulk.report_dir", filepath.Join(os.TempDir(), "redsweep"))
	v.SetDefault("bulk.flush_every", report.DefaultFlushEvery)
	v.SetDefault("bulk.max_import_lines", 1_000_000)

	v.SetDefault("history.dir", DefaultHistoryDir())
	v.SetDefault("history.retention", "720h")

	v.SetDefault("report.s3.bucket", "")
	v.SetDefault("report.s3.region", "")
	v.SetDefault("report.s3.endpoint", "")
	v.SetDefault("report.s3.prefix", "redsweep/reports")
	v.SetDefault("report.s3.access_key_id", "")
	v.SetDefault("report.s3.secret_access_key", "")
	v.SetDefault("report.s3.force_path_style", false)
	v.SetDefault("report.s3.presign_ttl", report.DefaultPresignTTL.String())
}

// getEnvSpecs lists short environment aliases on top of the automatic
// REDSWEEP_<SECTION>_<KEY> mapping.
func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_HOST", Key: "server.host"},
		{Name: EnvPrefix + "_PORT", Key: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Key: "server.read_timeout"},
		{Name: EnvPrefix + "_WRITE_TIMEOUT", Key: "server.write_timeout"},
		{Name: EnvPrefix + "_LOG_LEVEL", Key: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Key: "logging.profile"},
		{Name: EnvPrefix + "_REDIS_ADDR", Key: "redis.addr"},
		{Name: EnvPrefix + "_REDIS_PASSWORD", Key: "redis.password"},
		{Name: EnvPrefix + "_REPORT_BUCKET", Key: "report.s3.bucket"},
	}
}

// readConfigFile loads REDSWEEP_CONFIG, or redsweep.yaml from the working
// directory or the user config directory. A missing file is not an error.
func readConfigFile(v *viper.Viper) error {
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, ConfigName))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
