package controller

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/prebuf/internal/cache"
	"github.com/tanq16/prebuf/internal/fetcher"
	"github.com/tanq16/prebuf/internal/progress"
	"github.com/tanq16/prebuf/internal/store"
	"github.com/tanq16/prebuf/internal/utils"
)

const mib = 1024 * 1024

type origin struct {
	data     []byte
	noRanges bool
	failHead bool
	failGet  atomic.Bool
	block    chan struct{}

	heads      atomic.Int32
	rangeGets  atomic.Int32
	plainGets  atomic.Int32
	mu         sync.Mutex
	rangesSeen map[string]int
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		o.heads.Add(1)
		if o.failHead {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	} else if rng := r.Header.Get("Range"); rng != "" {
		o.rangeGets.Add(1)
		o.mu.Lock()
		if o.rangesSeen == nil {
			o.rangesSeen = make(map[string]int)
		}
		o.rangesSeen[rng]++
		o.mu.Unlock()
	} else {
		o.plainGets.Add(1)
	}
	if r.Method == http.MethodGet && o.failGet.Load() {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if o.block != nil && r.Method == http.MethodGet {
		select {
		case <-r.Context().Done():
			return
		case <-o.block:
		}
	}
	if o.noRanges {
		w.Header().Set("Content-Type", "video/mp4")
		if r.Method == http.MethodGet {
			w.Write(o.data)
		}
		return
	}
	http.ServeContent(w, r, "clip.mp4", time.Time{}, bytes.NewReader(o.data))
}

type harness struct {
	ctrl   *Controller
	cache  *cache.Cache
	store  *store.MemoryStore
	origin *origin
	url    string
}

func newHarness(t *testing.T, o *origin, mutate func(*utils.BufferOptions)) *harness {
	t.Helper()
	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)

	opts := utils.DefaultBufferOptions()
	opts.RetryBackoff = time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	st := store.NewMemoryStore()
	c := cache.New(st, nil)
	f := fetcher.New(utils.NewPrebufHTTPClient(utils.HTTPClientConfig{}), 0, nil)
	ctrl, err := New(c, f, progress.New(0, nil), nil, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
	})
	return &harness{ctrl: ctrl, cache: c, store: st, origin: o, url: srv.URL + "/media/clip.mp4"}
}

type events struct {
	mu  sync.Mutex
	all []utils.ProgressEvent
}

func (e *events) cb(ev utils.ProgressEvent) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
}

func (e *events) list() []utils.ProgressEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]utils.ProgressEvent(nil), e.all...)
}

func (e *events) terminal() []utils.ProgressEvent {
	var out []utils.ProgressEvent
	for _, ev := range e.list() {
		if ev.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func (e *events) waitTerminal(t *testing.T) utils.ProgressEvent {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.terminal()) > 0 }, 5*time.Second, time.Millisecond)
	return e.terminal()[0]
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	return data
}

func TestTenMegabytesInFiveChunks(t *testing.T) {
	o := &origin{data: payload(10 * mib)}
	h := newHarness(t, o, func(opts *utils.BufferOptions) {
		opts.ChunkSize = 2 * mib
		opts.Parallelism = 4
	})

	var ev events
	_, err := h.ctrl.StartBuffering(h.url, ev.cb)
	require.NoError(t, err)
	done := ev.waitTerminal(t)
	h.ctrl.Wait()

	assert.True(t, done.Done)
	assert.Equal(t, 100, done.Buffered)
	assert.Empty(t, done.Error)
	assert.Len(t, ev.terminal(), 1)
	assert.Equal(t, int32(5), o.rangeGets.Load())
	assert.Equal(t, int32(1), o.heads.Load())
	assert.True(t, h.ctrl.IsBuffered(h.url))

	all := ev.list()
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i].Buffered, all[i-1].Buffered)
	}

	res, ok := h.cache.Get(h.url)
	require.True(t, ok)
	got, ok := res.ReadRange(0, 10*mib-1)
	require.True(t, ok)
	assert.True(t, bytes.Equal(o.data, got))
	assert.Equal(t, 5, res.Snapshot().Tasks.Done)
}

func TestConcurrentStartsShareOneJob(t *testing.T) {
	o := &origin{data: payload(3 * mib)}
	h := newHarness(t, o, func(opts *utils.BufferOptions) {
		opts.ChunkSize = mib
	})

	recorders := make([]*events, 20)
	var wg sync.WaitGroup
	for i := range recorders {
		recorders[i] = &events{}
		wg.Add(1)
		go func(ev *events) {
			defer wg.Done()
			_, err := h.ctrl.StartBuffering(h.url, ev.cb)
			assert.NoError(t, err)
		}(recorders[i])
	}
	wg.Wait()
	for _, ev := range recorders {
		done := ev.waitTerminal(t)
		assert.True(t, done.Done)
		assert.Equal(t, 100, done.Buffered)
	}
	h.ctrl.Wait()

	assert.Equal(t, int32(1), o.heads.Load())
	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Len(t, o.rangesSeen, 3)
	for rng, n := range o.rangesSeen {
		assert.Equal(t, 1, n, "range %s fetched more than once", rng)
	}
}

func TestProbeFailureFallsBackToStream(t *testing.T) {
	o := &origin{data: payload(300_000), failHead: true, noRanges: true}
	h := newHarness(t, o, nil)

	var ev events
	_, err := h.ctrl.StartBuffering(h.url, ev.cb)
	require.NoError(t, err)
	done := ev.waitTerminal(t)
	h.ctrl.Wait()

	assert.True(t, done.Done)
	assert.Equal(t, 100, done.Buffered)
	assert.Equal(t, int32(1), o.plainGets.Load())
	assert.Equal(t, int32(0), o.rangeGets.Load())
	res, _ := h.cache.Get(h.url)
	assert.Equal(t, cache.StateComplete, res.State())
	assert.Equal(t, int64(300_000), res.Total())
}

func TestExhaustedRetriesFailJob(t *testing.T) {
	o := &origin{data: payload(1000)}
	o.failGet.Store(true)
	h := newHarness(t, o, func(opts *utils.BufferOptions) {
		opts.MaxRetries = 3
	})

	var ev events
	_, err := h.ctrl.StartBuffering(h.url, ev.cb)
	require.NoError(t, err)
	failed := ev.waitTerminal(t)
	h.ctrl.Wait()
	time.Sleep(10 * time.Millisecond)

	assert.False(t, failed.Done)
	assert.Contains(t, failed.Error, utils.ErrChunkFetchFailed.Error())
	assert.Len(t, ev.terminal(), 1)
	assert.Equal(t, int32(3), o.rangeGets.Load())
	res, _ := h.cache.Get(h.url)
	assert.Equal(t, cache.StateFailed, res.State())
	assert.False(t, h.ctrl.IsBuffered(h.url))
}

func TestCancelStopsDispatchAndEvents(t *testing.T) {
	o := &origin{data: payload(10 * mib), block: make(chan struct{})}
	h := newHarness(t, o, func(opts *utils.BufferOptions) {
		opts.ChunkSize = mib
		opts.Parallelism = 2
	})

	var ev events
	_, err := h.ctrl.StartBuffering(h.url, ev.cb)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.rangeGets.Load() >= 2 }, 2*time.Second, time.Millisecond)

	assert.True(t, h.ctrl.CancelBuffering(h.url))
	h.ctrl.Wait()
	time.Sleep(20 * time.Millisecond)
	seen := len(ev.list())
	close(o.block)
	time.Sleep(20 * time.Millisecond)

	assert.LessOrEqual(t, o.rangeGets.Load(), int32(4))
	assert.Empty(t, ev.terminal())
	assert.Len(t, ev.list(), seen, "no events after cancel")
	_, replayed := h.ctrl.broadcaster.Last(h.url)
	assert.False(t, replayed)
	res, _ := h.cache.Get(h.url)
	assert.Equal(t, cache.StateCancelled, res.State())
	assert.False(t, h.ctrl.IsBuffered(h.url))
}

func TestRestartAfterFailureJoinsFreshJob(t *testing.T) {
	o := &origin{data: payload(2 * mib), block: make(chan struct{})}
	o.failGet.Store(true)
	h := newHarness(t, o, func(opts *utils.BufferOptions) {
		opts.ChunkSize = mib
		opts.MaxRetries = 1
	})

	var failed events
	_, err := h.ctrl.StartBuffering(h.url, failed.cb)
	require.NoError(t, err)
	require.NotEmpty(t, failed.waitTerminal(t).Error)
	h.ctrl.Wait()

	// the origin recovers but holds every GET until released
	o.failGet.Store(false)
	recorders := make([]*events, 20)
	var wg sync.WaitGroup
	for i := range recorders {
		recorders[i] = &events{}
		wg.Add(1)
		go func(ev *events) {
			defer wg.Done()
			_, err := h.ctrl.StartBuffering(h.url, ev.cb)
			assert.NoError(t, err)
		}(recorders[i])
	}
	wg.Wait()
	for _, ev := range recorders {
		require.Eventually(t, func() bool { return len(ev.list()) > 0 }, 2*time.Second, time.Millisecond)
		first := ev.list()[0]
		assert.False(t, first.Terminal(), "joined a running job but got %+v", first)
		assert.Empty(t, first.Error)
	}

	close(o.block)
	for _, ev := range recorders {
		done := ev.waitTerminal(t)
		assert.True(t, done.Done)
		assert.Equal(t, 100, done.Buffered)
	}
	h.ctrl.Wait()
	for _, ev := range recorders {
		assert.Len(t, ev.terminal(), 1)
		for _, e := range ev.list() {
			assert.Empty(t, e.Error)
		}
	}
	res, _ := h.cache.Get(h.url)
	assert.Equal(t, cache.StateComplete, res.State())
	assert.Equal(t, uint64(2), res.Snapshot().Generation)
}

func TestPartialPrefetch(t *testing.T) {
	o := &origin{data: payload(4 * mib)}
	h := newHarness(t, o, func(opts *utils.BufferOptions) {
		opts.ChunkSize = mib
		opts.PrefetchPercent = 50
	})

	var ev events
	_, err := h.ctrl.StartBuffering(h.url, ev.cb)
	require.NoError(t, err)
	done := ev.waitTerminal(t)
	h.ctrl.Wait()

	assert.True(t, done.Done)
	assert.Equal(t, 50, done.Buffered)
	assert.Equal(t, int32(2), o.rangeGets.Load())
	assert.False(t, h.ctrl.IsBuffered(h.url))
	assert.True(t, h.ctrl.PlaybackReady(h.url))
	res, _ := h.cache.Get(h.url)
	assert.Equal(t, cache.StateIdle, res.State())
}

func TestStoreSeedSkipsNetwork(t *testing.T) {
	o := &origin{data: payload(2 * mib)}
	h := newHarness(t, o, func(opts *utils.BufferOptions) {
		opts.ChunkSize = mib
	})
	ctx := context.Background()
	require.NoError(t, h.store.WriteChunk(ctx, store.Meta{URL: h.url, Total: 2 * mib}, 0, o.data))

	var ev events
	_, err := h.ctrl.StartBuffering(h.url, ev.cb)
	require.NoError(t, err)
	done := ev.waitTerminal(t)
	assert.True(t, done.Done)
	assert.Equal(t, int32(0), o.heads.Load())
	assert.Equal(t, int32(0), o.rangeGets.Load())
	assert.True(t, h.ctrl.IsBuffered(h.url))
}

func TestPartialStoreSkipsCoveredChunks(t *testing.T) {
	o := &origin{data: payload(4 * mib)}
	h := newHarness(t, o, func(opts *utils.BufferOptions) {
		opts.ChunkSize = mib
	})
	ctx := context.Background()
	require.NoError(t, h.store.WriteChunk(ctx, store.Meta{URL: h.url, Total: 4 * mib}, 0, o.data[:2*mib]))

	var ev events
	_, err := h.ctrl.StartBuffering(h.url, ev.cb)
	require.NoError(t, err)
	done := ev.waitTerminal(t)
	h.ctrl.Wait()

	assert.True(t, done.Done)
	assert.Equal(t, int32(0), o.heads.Load(), "known length needs no probe")
	assert.Equal(t, int32(2), o.rangeGets.Load())
	for _, e := range ev.list() {
		assert.GreaterOrEqual(t, e.Buffered, 50)
	}
}

func TestStartAnnouncesZeroPercent(t *testing.T) {
	o := &origin{data: payload(mib), block: make(chan struct{})}
	h := newHarness(t, o, nil)

	var ev events
	_, err := h.ctrl.StartBuffering(h.url, ev.cb)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ev.list()) > 0 }, 2*time.Second, time.Millisecond)
	first := ev.list()[0]
	assert.Equal(t, 0, first.Buffered)
	assert.False(t, first.Terminal())
	assert.Equal(t, h.url, first.URL)
	close(o.block)
	ev.waitTerminal(t)
}

func TestDetach(t *testing.T) {
	o := &origin{data: payload(mib), block: make(chan struct{})}
	h := newHarness(t, o, nil)

	var ev events
	id, err := h.ctrl.StartBuffering(h.url, ev.cb)
	require.NoError(t, err)
	assert.True(t, h.ctrl.Detach(h.url, id))
	close(o.block)
	h.ctrl.Wait()
	assert.Empty(t, ev.terminal())
	assert.True(t, h.ctrl.IsBuffered(h.url), "buffering continues without observers")
}

func TestStartWithoutCallback(t *testing.T) {
	o := &origin{data: payload(1000)}
	h := newHarness(t, o, nil)
	id, err := h.ctrl.StartBuffering(h.url, nil)
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", id.String())
	h.ctrl.Wait()
	assert.True(t, h.ctrl.IsBuffered(h.url))

	status, ok := h.ctrl.Status(h.url)
	require.True(t, ok)
	assert.Equal(t, 100, status.Percent)
	assert.Len(t, h.ctrl.List(), 1)
}

func TestEnsureBufferingRespectsOption(t *testing.T) {
	o := &origin{data: payload(1000)}
	h := newHarness(t, o, func(opts *utils.BufferOptions) {
		opts.AggressiveCaching = false
	})
	h.ctrl.EnsureBuffering(h.url)
	h.ctrl.Wait()
	_, ok := h.cache.Get(h.url)
	assert.False(t, ok)

	opts := h.ctrl.Options()
	opts.AggressiveCaching = true
	require.NoError(t, h.ctrl.SetOptions(opts))
	h.ctrl.EnsureBuffering(h.url)
	h.ctrl.Wait()
	assert.True(t, h.ctrl.IsBuffered(h.url))
}

func TestValidation(t *testing.T) {
	h := newHarness(t, &origin{data: payload(10)}, nil)
	_, err := h.ctrl.StartBuffering("ftp://nope/a.mp4", nil)
	assert.ErrorIs(t, err, utils.ErrInvalidURL)

	opts := h.ctrl.Options()
	opts.Parallelism = 0
	assert.ErrorIs(t, h.ctrl.SetOptions(opts), utils.ErrInvalidOptions)
	assert.Equal(t, utils.DefaultParallelism, h.ctrl.Options().Parallelism)
}

func TestRemovePurgesStore(t *testing.T) {
	o := &origin{data: payload(1000)}
	h := newHarness(t, o, nil)
	_, err := h.ctrl.StartBuffering(h.url, nil)
	require.NoError(t, err)
	h.ctrl.Wait()

	require.NoError(t, h.ctrl.Remove(context.Background(), h.url, true))
	assert.False(t, h.ctrl.IsBuffered(h.url))
	_, err = h.store.Load(context.Background(), h.url)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartBufferingWithOwnOptions(t *testing.T) {
	o := &origin{data: payload(4 * mib)}
	h := newHarness(t, o, func(opts *utils.BufferOptions) {
		opts.ChunkSize = mib
	})

	opts := h.ctrl.Options()
	opts.PrefetchPercent = 25
	var ev events
	_, err := h.ctrl.StartBufferingWith(h.url, opts, ev.cb)
	require.NoError(t, err)
	done := ev.waitTerminal(t)
	h.ctrl.Wait()

	assert.Equal(t, 25, done.Buffered)
	assert.Equal(t, int32(1), o.rangeGets.Load())
	assert.Equal(t, 100, h.ctrl.Options().PrefetchPercent)
	status, ok := h.ctrl.Status(h.url)
	require.True(t, ok)
	assert.Equal(t, 25, status.Options.PrefetchPercent)

	opts.ChunkSize = 0
	_, err = h.ctrl.StartBufferingWith(h.url, opts, nil)
	assert.ErrorIs(t, err, utils.ErrInvalidOptions)
}
