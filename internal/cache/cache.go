package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/prebuf/internal/metrics"
	"github.com/tanq16/prebuf/internal/store"
	"github.com/tanq16/prebuf/internal/utils"
)

var ErrClosed = errors.New("cache is closed")

// Cache owns every Resource. No lock is held across store calls.
type Cache struct {
	mu        sync.Mutex
	resources map[string]*Resource
	store     store.Store
	metrics   *metrics.Collector
	closed    bool
}

// New returns a cache persisting into st. st may be nil.
func New(st store.Store, m *metrics.Collector) *Cache {
	return &Cache{
		resources: make(map[string]*Resource),
		store:     st,
		metrics:   m,
	}
}

// Announce publishes a transition of a Resource together with its current
// percentage. It runs with the Resource lock held: a reader that sees the new
// state also sees what was announced with it. It must not call back into the
// Resource. A nil Announce is skipped.
type Announce func(percent int)

func (a Announce) call(res *Resource) {
	if a != nil {
		a(percentOf(res.ranges.Total(), res.total))
	}
}

// Job is the claim a buffering run holds on a Resource. Transitions made
// through a job whose generation is no longer current are ignored.
type Job struct {
	Resource   *Resource
	Generation uint64
	Ctx        context.Context
	cancel     context.CancelFunc
}

// Close releases the job context.
func (j *Job) Close() {
	j.cancel()
}

func (j *Job) current() bool {
	return j.Resource.generation == j.Generation && j.Resource.state != StateCancelled
}

func (c *Cache) Get(url string) (*Resource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.resources[url]
	return res, ok
}

func (c *Cache) track(url string) (*Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	res, ok := c.resources[url]
	if !ok {
		res = newResource(url)
		c.resources[url] = res
	}
	return res, nil
}

// Begin claims a buffering job for url. Idle, Failed and Cancelled
// resources move to Probing under a new generation. For a Resource already
// Probing, Downloading or Complete, Begin returns it with a nil job.
// onClaim runs only when a job was claimed.
func (c *Cache) Begin(parent context.Context, url string, opts utils.BufferOptions, onClaim Announce) (*Resource, *Job, error) {
	res, err := c.track(url)
	if err != nil {
		return nil, nil, err
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.state.Active() || res.state == StateComplete {
		return res, nil, nil
	}
	ctx, cancel := context.WithCancel(parent)
	res.generation++
	res.state = StateProbing
	res.err = nil
	res.opts = opts
	res.tasks = nil
	res.cancel = cancel
	res.lastActivity = time.Now()
	res.lastEmit = time.Time{}
	onClaim.call(res)
	log.Debug().Str("op", "cache/begin").Str("url", url).Msgf("Claimed job generation %d", res.generation)
	return res, &Job{Resource: res, Generation: res.generation, Ctx: ctx, cancel: cancel}, nil
}

// Probed records the probe outcome and moves the job to Downloading. A
// non-positive total leaves the length unknown.
func (c *Cache) Probed(job *Job, total int64, contentType string, announce Announce) bool {
	res := job.Resource
	res.mu.Lock()
	defer res.mu.Unlock()
	if !job.current() {
		return false
	}
	res.setTotal(total)
	if contentType != "" {
		res.contentType = contentType
	}
	if res.state == StateProbing {
		res.state = StateDownloading
	}
	announce.call(res)
	return true
}

func (c *Cache) SetTasks(job *Job, tasks []utils.ChunkTask) bool {
	res := job.Resource
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.generation != job.Generation {
		return false
	}
	res.tasks = tasks
	return true
}

// MarkTask updates one chunk task of the job.
func (c *Cache) MarkTask(job *Job, id int, status utils.ChunkStatus, retries int, taskErr error) {
	res := job.Resource
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.generation != job.Generation || id < 0 || id >= len(res.tasks) {
		return
	}
	task := &res.tasks[id]
	task.Status = status
	task.Retries = retries
	task.LastError = taskErr
	switch status {
	case utils.ChunkInFlight:
		task.StartTime = time.Now()
	case utils.ChunkDone, utils.ChunkFailed:
		task.FinishTime = time.Now()
	}
}

type IngestResult struct {
	Percent   int
	Emit      bool
	Completed bool
	Added     int64
}

// Ingest stores data at offset. It decides whether a progress event is due
// (percent rose, or the heartbeat elapsed) and moves the Resource to Complete
// when coverage reaches the known total; that transition happens once. Bytes
// from a stale job are kept but never announced. The chunk is then written
// to the durable store without holding any lock.
func (c *Cache) Ingest(ctx context.Context, job *Job, offset int64, data []byte, announce Announce) IngestResult {
	var result IngestResult
	res := job.Resource
	res.mu.Lock()
	result.Added = res.put(offset, data)
	now := time.Now()
	res.lastActivity = now
	covered := res.ranges.Total()
	result.Percent = percentOf(covered, res.total)
	if res.total > 0 && covered >= res.total && res.state != StateComplete && res.state != StateCancelled {
		res.state = StateComplete
		res.err = nil
		result.Completed = true
	}
	if job.current() && !result.Completed {
		heartbeat := res.opts.Heartbeat
		if result.Percent > res.lastPercent || (heartbeat > 0 && now.Sub(res.lastEmit) >= heartbeat) {
			result.Emit = true
			res.lastPercent = max(res.lastPercent, result.Percent)
			res.lastEmit = now
			announce.call(res)
		}
	}
	meta := store.Meta{URL: res.url, Total: res.total, ContentType: res.contentType}
	res.mu.Unlock()

	c.persist(ctx, meta, offset, data)
	return result
}

func (c *Cache) persist(ctx context.Context, meta store.Meta, offset int64, data []byte) {
	if c.store == nil || len(data) == 0 {
		return
	}
	if err := c.store.WriteChunk(context.WithoutCancel(ctx), meta, offset, data); err != nil {
		c.metrics.PersistFailed()
		log.Warn().Str("op", "cache/persist").Str("url", meta.URL).Err(fmt.Errorf("%w: %v", utils.ErrPersistFailed, err)).Msgf("Could not persist bytes at %d", offset)
	}
}

// Persist writes a whole object to the durable store without touching the
// in-memory Resource.
func (c *Cache) Persist(ctx context.Context, url, contentType string, data []byte) {
	c.persist(ctx, store.Meta{URL: url, Total: int64(len(data)), ContentType: contentType}, 0, data)
}

// Seed merges whatever the durable store holds for res into memory.
func (c *Cache) Seed(ctx context.Context, res *Resource) error {
	if c.store == nil {
		return nil
	}
	obj, err := c.store.Load(ctx, res.url)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	applyObject(res, obj)
	return nil
}

func applyObject(res *Resource, obj *store.Object) {
	res.setTotal(obj.Total)
	if res.contentType == "" {
		res.contentType = obj.ContentType
	}
	for _, chunk := range obj.Chunks {
		res.put(chunk.Offset, chunk.Data)
	}
}

// Hydrate returns the in-memory Resource for url, loading it from the
// durable store when absent. A fully covered object comes back Complete.
func (c *Cache) Hydrate(ctx context.Context, url string) (*Resource, error) {
	if res, ok := c.Get(url); ok {
		return res, nil
	}
	if c.store == nil {
		return nil, store.ErrNotFound
	}
	obj, err := c.store.Load(ctx, url)
	if err != nil {
		return nil, err
	}
	res := newResource(url)
	applyObject(res, obj)
	if res.total > 0 && res.ranges.Total() >= res.total {
		res.state = StateComplete
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if existing, ok := c.resources[url]; ok {
		return existing, nil
	}
	c.resources[url] = res
	log.Debug().Str("op", "cache/hydrate").Str("url", url).Msgf("Hydrated %d bytes (%s)", res.ranges.Total(), res.state)
	return res, nil
}

// Finish records the end of a job. A job that reached full coverage ends
// Complete; a partial prefetch returns the Resource to Idle. It returns the
// resulting state, or false when the job is stale. announce runs only for a
// current job.
func (c *Cache) Finish(job *Job, announce Announce) (State, bool) {
	res := job.Resource
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.generation != job.Generation {
		return res.state, false
	}
	if res.state == StateCancelled {
		return res.state, false
	}
	if res.total > 0 && res.ranges.Total() >= res.total {
		res.state = StateComplete
	} else if res.state != StateComplete {
		res.state = StateIdle
	}
	res.cancel = nil
	announce.call(res)
	return res.state, true
}

// FinishStream completes a streaming job: the bytes seen become the length.
func (c *Cache) FinishStream(job *Job, length int64, announce Announce) bool {
	res := job.Resource
	res.mu.Lock()
	defer res.mu.Unlock()
	if !job.current() {
		return false
	}
	if res.total <= 0 {
		res.total = length
		res.buf = res.buf[:min(int64(len(res.buf)), length)]
	}
	res.state = StateComplete
	res.cancel = nil
	announce.call(res)
	return true
}

func (c *Cache) Fail(job *Job, err error, announce Announce) bool {
	res := job.Resource
	res.mu.Lock()
	defer res.mu.Unlock()
	if !job.current() || res.state == StateComplete {
		return false
	}
	res.state = StateFailed
	res.err = err
	res.cancel = nil
	announce.call(res)
	return true
}

// Cancel stops the active job for url, aborting its in-flight requests.
// Downloaded bytes stay. It reports whether a job was running.
func (c *Cache) Cancel(url string) bool {
	res, ok := c.Get(url)
	if !ok {
		return false
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	if !res.state.Active() {
		return false
	}
	res.state = StateCancelled
	if res.cancel != nil {
		res.cancel()
		res.cancel = nil
	}
	return true
}

// Remove drops url from memory and, with purge, from the durable store.
func (c *Cache) Remove(ctx context.Context, url string, purge bool) error {
	c.Cancel(url)
	c.mu.Lock()
	delete(c.resources, url)
	c.mu.Unlock()
	if purge && c.store != nil {
		if err := c.store.Delete(ctx, url); err != nil {
			return fmt.Errorf("error purging %s: %w", url, err)
		}
	}
	return nil
}

func (c *Cache) List() []Snapshot {
	c.mu.Lock()
	resources := make([]*Resource, 0, len(c.resources))
	for _, res := range c.resources {
		resources = append(resources, res)
	}
	c.mu.Unlock()
	snaps := make([]Snapshot, 0, len(resources))
	for _, res := range resources {
		snaps = append(snaps, res.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].URL < snaps[j].URL })
	return snaps
}

// Close cancels every job and forgets all resources.
func (c *Cache) Close() {
	c.mu.Lock()
	resources := c.resources
	c.resources = make(map[string]*Resource)
	c.closed = true
	c.mu.Unlock()
	for _, res := range resources {
		res.mu.Lock()
		if res.cancel != nil {
			res.cancel()
			res.cancel = nil
		}
		if res.state.Active() {
			res.state = StateCancelled
		}
		res.mu.Unlock()
	}
}

func (c *Cache) Store() store.Store {
	return c.store
}
