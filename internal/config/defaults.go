package config

import (
	"path/filepath"
	"time"

	"github.com/tanq16/prebuf/internal/bytesize"
	"github.com/tanq16/prebuf/internal/utils"
)

func Default() *Config {
	opts := utils.DefaultBufferOptions()
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8787",
			ReadTimeout:     30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Buffer: BufferConfig{
			ChunkSize:         bytesize.ByteSize(opts.ChunkSize),
			Parallelism:       opts.Parallelism,
			PrefetchPercent:   opts.PrefetchPercent,
			AggressiveCaching: opts.AggressiveCaching,
			MaxRetries:        opts.MaxRetries,
			RetryBackoff:      opts.RetryBackoff,
			ChunkTimeout:      opts.ChunkTimeout,
			Heartbeat:         opts.Heartbeat,
			PlaybackThreshold: opts.PlaybackThreshold,
			SpeedInterval:     500 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			Timeout:          60 * time.Second,
			KeepAliveTimeout: 90 * time.Second,
			UserAgent:        utils.ToolUserAgent,
			Headers:          []string{},
		},
		Store: StoreConfig{
			Type: StoreBadger,
			Badger: BadgerStore{
				Dir: filepath.Join(ConfigDir(), "store"),
			},
			S3: S3Store{
				Prefix: "prebuf",
				Region: "us-east-1",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Media: MediaConfig{
			Extensions:   append([]string(nil), utils.DefaultMediaExtensions...),
			MaxTeeSize:   256 * bytesize.MiB,
			CacheControl: "max-age=31536000",
		},
	}
}
