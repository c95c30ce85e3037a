// Package config loads prebuf settings from a YAML file, PREBUF_* environment
// variables and defaults, in that order of precedence (highest first: env).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/tanq16/prebuf/internal/bytesize"
	"github.com/tanq16/prebuf/internal/utils"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PREBUF"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Buffer  BufferConfig  `mapstructure:"buffer" yaml:"buffer"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Media   MediaConfig   `mapstructure:"media" yaml:"media"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type BufferConfig struct {
	ChunkSize         bytesize.ByteSize `mapstructure:"chunk_size" yaml:"chunk_size"`
	Parallelism       int               `mapstructure:"parallelism" yaml:"parallelism"`
	PrefetchPercent   int               `mapstructure:"prefetch_percent" yaml:"prefetch_percent"`
	AggressiveCaching bool              `mapstructure:"aggressive_caching" yaml:"aggressive_caching"`
	MaxRetries        int               `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff      time.Duration     `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	ChunkTimeout      time.Duration     `mapstructure:"chunk_timeout" yaml:"chunk_timeout"`
	Heartbeat         time.Duration     `mapstructure:"heartbeat" yaml:"heartbeat"`
	PlaybackThreshold int               `mapstructure:"playback_threshold" yaml:"playback_threshold"`
	SpeedInterval     time.Duration     `mapstructure:"speed_interval" yaml:"speed_interval"`
}

func (b BufferConfig) Options() utils.BufferOptions {
	return utils.BufferOptions{
		ChunkSize:         b.ChunkSize.Int64(),
		Parallelism:       b.Parallelism,
		PrefetchPercent:   b.PrefetchPercent,
		AggressiveCaching: b.AggressiveCaching,
		MaxRetries:        b.MaxRetries,
		RetryBackoff:      b.RetryBackoff,
		ChunkTimeout:      b.ChunkTimeout,
		Heartbeat:         b.Heartbeat,
		PlaybackThreshold: b.PlaybackThreshold,
	}
}

type HTTPConfig struct {
	Timeout          time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	KeepAliveTimeout time.Duration     `mapstructure:"keep_alive_timeout" yaml:"keep_alive_timeout"`
	UserAgent        string            `mapstructure:"user_agent" yaml:"user_agent"`
	Proxy            string            `mapstructure:"proxy" yaml:"proxy"`
	ProxyUsername    string            `mapstructure:"proxy_username" yaml:"proxy_username"`
	ProxyPassword    string            `mapstructure:"proxy_password" yaml:"proxy_password"`
	Headers          []string          `mapstructure:"headers" yaml:"headers"`
	BearerToken      string            `mapstructure:"bearer_token" yaml:"bearer_token"`
	Bandwidth        bytesize.ByteSize `mapstructure:"bandwidth" yaml:"bandwidth"` // bytes per second, 0 is unlimited
	HighThreadMode   bool              `mapstructure:"high_thread_mode" yaml:"high_thread_mode"`
}

func (h HTTPConfig) ClientConfig() utils.HTTPClientConfig {
	return utils.HTTPClientConfig{
		Timeout:        h.Timeout,
		KATimeout:      h.KeepAliveTimeout,
		ProxyURL:       h.Proxy,
		ProxyUsername:  h.ProxyUsername,
		ProxyPassword:  h.ProxyPassword,
		UserAgent:      h.UserAgent,
		Headers:        utils.ParseHeaderArgs(h.Headers),
		BearerToken:    h.BearerToken,
		HighThreadMode: h.HighThreadMode,
	}
}

const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreS3     = "s3"
)

type StoreConfig struct {
	Type   string      `mapstructure:"type" yaml:"type"`
	Badger BadgerStore `mapstructure:"badger" yaml:"badger"`
	S3     S3Store     `mapstructure:"s3" yaml:"s3"`
}

type BadgerStore struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	InMemory bool   `mapstructure:"in_memory" yaml:"in_memory"`
}

type S3Store struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	Region    string `mapstructure:"region" yaml:"region"`
	Profile   string `mapstructure:"profile" yaml:"profile"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	PathStyle bool   `mapstructure:"path_style" yaml:"path_style"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func (l LoggingConfig) Debug() bool {
	return strings.EqualFold(l.Level, "debug")
}

type MediaConfig struct {
	Extensions   []string          `mapstructure:"extensions" yaml:"extensions"`
	MaxTeeSize   bytesize.ByteSize `mapstructure:"max_tee_size" yaml:"max_tee_size"`
	CacheControl string            `mapstructure:"cache_control" yaml:"cache_control"`
}

// Load reads configPath (or the default location when empty). A missing
// file is not an error; defaults and environment still apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %v", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("error decoding config: %v", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// setDefaults registers every key so AutomaticEnv can override keys that
// the file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) {
	var tree map[string]any
	data, _ := yaml.Marshal(cfg)
	_ = yaml.Unmarshal(data, &tree)
	flatten("", tree, v.SetDefault)
}

func flatten(prefix string, tree map[string]any, set func(string, any)) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			flatten(key, sub, set)
			continue
		}
		set(key, val)
	}
}

func Validate(cfg *Config) error {
	if err := cfg.Buffer.Options().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !slices.Contains([]string{StoreMemory, StoreBadger, StoreS3}, cfg.Store.Type) {
		return fmt.Errorf("%w: unknown store type %q", ErrInvalidConfig, cfg.Store.Type)
	}
	if cfg.Store.Type == StoreBadger && cfg.Store.Badger.Dir == "" && !cfg.Store.Badger.InMemory {
		return fmt.Errorf("%w: store.badger.dir is required", ErrInvalidConfig)
	}
	if cfg.Store.Type == StoreS3 && cfg.Store.S3.Bucket == "" {
		return fmt.Errorf("%w: store.s3.bucket is required", ErrInvalidConfig)
	}
	if cfg.Logging.Format != "console" && cfg.Logging.Format != "json" {
		return fmt.Errorf("%w: logging.format must be console or json", ErrInvalidConfig)
	}
	if cfg.Buffer.SpeedInterval <= 0 {
		return fmt.Errorf("%w: buffer.speed_interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// SaveConfig writes cfg as YAML, creating parent directories.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %v", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error encoding config: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("error writing config file: %v", err)
	}
	return nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// ConfigDir is $XDG_CONFIG_HOME/prebuf, falling back to ~/.config/prebuf.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "prebuf")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "prebuf")
}

func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
