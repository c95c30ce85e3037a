// Package app assembles the buffering agent from a configuration and owns
// its teardown.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/prebuf/internal/cache"
	"github.com/tanq16/prebuf/internal/config"
	"github.com/tanq16/prebuf/internal/controller"
	"github.com/tanq16/prebuf/internal/fetcher"
	"github.com/tanq16/prebuf/internal/interceptor"
	"github.com/tanq16/prebuf/internal/metrics"
	"github.com/tanq16/prebuf/internal/progress"
	"github.com/tanq16/prebuf/internal/server"
	"github.com/tanq16/prebuf/internal/store"
	badgerstore "github.com/tanq16/prebuf/internal/store/badger"
	s3store "github.com/tanq16/prebuf/internal/store/s3"
	"github.com/tanq16/prebuf/internal/utils"
)

type App struct {
	Config      *config.Config
	Store       store.Store
	Cache       *cache.Cache
	Fetcher     *fetcher.Fetcher
	Broadcaster *progress.Broadcaster
	Controller  *controller.Controller
	Interceptor *interceptor.Interceptor
	Metrics     *metrics.Collector

	client *utils.PrebufHTTPClient
}

func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StoreBadger:
		st, err := badgerstore.New(badgerstore.Config{Dir: cfg.Badger.Dir, InMemory: cfg.Badger.InMemory})
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.StoreS3:
		st, err := s3store.New(ctx, s3store.Config{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Profile:   cfg.S3.Profile,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%w: unknown store type %q", config.ErrInvalidConfig, cfg.Type)
	}
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled && !metrics.IsEnabled() {
		metrics.InitRegistry()
	}
	m := metrics.NewCollector()

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("error opening %s store: %v", cfg.Store.Type, err)
	}
	client := utils.NewPrebufHTTPClient(cfg.HTTP.ClientConfig())
	c := cache.New(st, m)
	f := fetcher.New(client, cfg.HTTP.Bandwidth.Int64(), m)
	b := progress.New(cfg.Buffer.SpeedInterval, m)
	ctrl, err := controller.New(c, f, b, m, cfg.Buffer.Options())
	if err != nil {
		st.Close()
		return nil, err
	}
	media := interceptor.New(c, f, ctrl, m, interceptor.Config{
		MediaExtensions: cfg.Media.Extensions,
		MaxTeeBytes:     cfg.Media.MaxTeeSize.Int64(),
		CacheControl:    cfg.Media.CacheControl,
	})
	log.Debug().Str("op", "app/new").Msgf("Using %s store, chunk=%s parallelism=%d", cfg.Store.Type, cfg.Buffer.ChunkSize, cfg.Buffer.Parallelism)
	return &App{
		Config:      cfg,
		Store:       st,
		Cache:       c,
		Fetcher:     f,
		Broadcaster: b,
		Controller:  ctrl,
		Interceptor: media,
		Metrics:     m,
		client:      client,
	}, nil
}

func (a *App) Server() *server.Server {
	return server.New(server.Config{
		Addr:            a.Config.Server.Addr,
		ReadTimeout:     a.Config.Server.ReadTimeout,
		IdleTimeout:     a.Config.Server.IdleTimeout,
		ShutdownTimeout: a.Config.Server.ShutdownTimeout,
	}, a.Controller, a.Interceptor)
}

// Close stops every job, then releases the store. Bytes already received
// have been persisted by the time jobs return.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Controller.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Broadcaster.Close()
	a.Cache.Close()
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing store: %v", err))
	}
	a.client.CloseIdleConnections()
	return errors.Join(errs...)
}
