package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/prebuf/internal/cache"
	"github.com/tanq16/prebuf/internal/fetcher"
	"github.com/tanq16/prebuf/internal/metrics"
	"github.com/tanq16/prebuf/internal/progress"
	"github.com/tanq16/prebuf/internal/store"
	"github.com/tanq16/prebuf/internal/utils"
)

// Fetcher is the network side of a buffering job.
type Fetcher interface {
	Probe(ctx context.Context, url string) (fetcher.ProbeResult, error)
	FetchChunkWithRetry(ctx context.Context, url string, start, end int64, policy fetcher.Policy) ([]byte, int, error)
	Stream(ctx context.Context, url string, fn func(offset int64, data []byte) error) (int64, string, error)
}

type Controller struct {
	cache       *cache.Cache
	fetcher     Fetcher
	broadcaster *progress.Broadcaster
	metrics     *metrics.Collector

	optsMu sync.RWMutex
	opts   utils.BufferOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(c *cache.Cache, f Fetcher, b *progress.Broadcaster, m *metrics.Collector, opts utils.BufferOptions) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cache:       c,
		fetcher:     f,
		broadcaster: b,
		metrics:     m,
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (c *Controller) Options() utils.BufferOptions {
	c.optsMu.RLock()
	defer c.optsMu.RUnlock()
	return c.opts
}

// SetOptions applies to jobs started afterwards. Running jobs keep the
// snapshot they started with.
func (c *Controller) SetOptions(opts utils.BufferOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	c.optsMu.Lock()
	c.opts = opts
	c.optsMu.Unlock()
	log.Info().Str("op", "controller/options").Msgf("Options updated: chunk=%s parallelism=%d prefetch=%d%% aggressive=%t",
		utils.FormatBytes(uint64(opts.ChunkSize)), opts.Parallelism, opts.PrefetchPercent, opts.AggressiveCaching)
	return nil
}

func seedEvent(res *cache.Resource) utils.ProgressEvent {
	if res.State() == cache.StateComplete {
		return utils.ProgressEvent{URL: res.URL(), Buffered: 100, Done: true}
	}
	return utils.ProgressEvent{URL: res.URL(), Buffered: res.Percent()}
}

// StartBuffering starts (or joins) buffering of url. With onProgress set, the
// caller is subscribed and immediately receives the current state. Calling it
// for a URL that is already buffering or complete never starts a second job.
func (c *Controller) StartBuffering(url string, onProgress progress.Callback) (uuid.UUID, error) {
	return c.StartBufferingWith(url, c.Options(), onProgress)
}

// StartBufferingWith is StartBuffering with an options snapshot for this URL
// only. The global options stay untouched. A job that is already running
// keeps the snapshot it started with.
func (c *Controller) StartBufferingWith(url string, opts utils.BufferOptions, onProgress progress.Callback) (uuid.UUID, error) {
	id, _, err := c.start(url, opts, onProgress)
	return id, err
}

// Watch starts (or joins) buffering of url like StartBuffering and also
// returns a channel closed once the subscription ends, either after the
// terminal event was delivered or because the URL was cancelled or removed.
func (c *Controller) Watch(url string, onProgress progress.Callback) (uuid.UUID, <-chan struct{}, error) {
	if onProgress == nil {
		return uuid.Nil, nil, errors.New("watch needs a progress callback")
	}
	return c.start(url, c.Options(), onProgress)
}

func (c *Controller) start(url string, opts utils.BufferOptions, onProgress progress.Callback) (uuid.UUID, <-chan struct{}, error) {
	if _, err := utils.ValidateURL(url); err != nil {
		return uuid.Nil, nil, err
	}
	if err := opts.Validate(); err != nil {
		return uuid.Nil, nil, err
	}
	if _, err := c.cache.Hydrate(c.ctx, url); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("op", "controller/start").Str("url", url).Err(err).Msg("Could not hydrate from store")
	}
	res, job, err := c.cache.Begin(c.ctx, url, opts, func(int) {
		c.broadcaster.Reset(url)
	})
	if err != nil {
		return uuid.Nil, nil, err
	}

	id := uuid.Nil
	var done <-chan struct{}
	if job == nil {
		if onProgress != nil {
			seed := seedEvent(res)
			id, done = c.broadcaster.Watch(url, onProgress, &seed)
		}
		return id, done, nil
	}

	if onProgress != nil {
		id, done = c.broadcaster.Watch(url, onProgress, nil)
	}
	c.wg.Add(1)
	go c.run(job)
	return id, done, nil
}

// EnsureBuffering starts a background job for url unless one is running or
// the resource is complete. It does nothing when aggressive caching is off.
func (c *Controller) EnsureBuffering(url string) {
	if !c.Options().AggressiveCaching {
		return
	}
	if res, ok := c.cache.Get(url); ok {
		if state := res.State(); state.Active() || state == cache.StateComplete {
			return
		}
	}
	if _, err := c.StartBuffering(url, nil); err != nil {
		log.Debug().Str("op", "controller/ensure").Str("url", url).Err(err).Msg("Background buffering not started")
	}
}

// CancelBuffering drops every subscription of url and aborts its job.
// Downloaded bytes are kept.
func (c *Controller) CancelBuffering(url string) bool {
	cancelled := c.cache.Cancel(url)
	removed := c.broadcaster.UnsubscribeAll(url)
	if cancelled {
		log.Info().Str("op", "controller/cancel").Str("url", url).Msg("Buffering cancelled")
	}
	return cancelled || removed > 0
}

func (c *Controller) Detach(url string, id uuid.UUID) bool {
	return c.broadcaster.Unsubscribe(url, id)
}

// IsBuffered reports whether url is fully downloaded. It never triggers work.
func (c *Controller) IsBuffered(url string) bool {
	res, ok := c.cache.Get(url)
	return ok && res.State() == cache.StateComplete
}

// PlaybackReady reports whether the leading bytes of url reach the playback
// threshold percentage.
func (c *Controller) PlaybackReady(url string) bool {
	res, ok := c.cache.Get(url)
	if !ok {
		return false
	}
	if res.State() == cache.StateComplete {
		return true
	}
	total := res.Total()
	if total <= 0 {
		return false
	}
	contiguous := res.ContiguousFrom(0)
	return contiguous > 0 && contiguous*100 >= total*int64(c.Options().PlaybackThreshold)
}

func (c *Controller) Status(url string) (cache.Snapshot, bool) {
	res, ok := c.cache.Get(url)
	if !ok {
		return cache.Snapshot{}, false
	}
	return res.Snapshot(), true
}

func (c *Controller) List() []cache.Snapshot {
	return c.cache.List()
}

// Remove cancels url and forgets it; purge also deletes the durable copy.
func (c *Controller) Remove(ctx context.Context, url string, purge bool) error {
	err := c.cache.Remove(ctx, url, purge)
	c.broadcaster.UnsubscribeAll(url)
	return err
}

// Shutdown aborts every job and waits for them to return.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("error waiting for buffering jobs: %w", ctx.Err())
	}
}

// Wait blocks until no job is running.
func (c *Controller) Wait() {
	c.wg.Wait()
}
