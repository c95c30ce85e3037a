package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/prebuf/internal/store"
	"github.com/tanq16/prebuf/internal/utils"
)

const testURL = "https://cdn.example.com/movie.mp4"

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}

func begin(t *testing.T, c *Cache) *Job {
	t.Helper()
	_, job, err := c.Begin(context.Background(), testURL, utils.DefaultBufferOptions(), nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

type failingStore struct {
	store.Store
	writes atomic.Int32
}

func (f *failingStore) WriteChunk(context.Context, store.Meta, int64, []byte) error {
	f.writes.Add(1)
	return errors.New("disk full")
}

func TestBeginDeduplicates(t *testing.T) {
	c := New(nil, nil)
	var jobs atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, job, err := c.Begin(context.Background(), testURL, utils.DefaultBufferOptions(), nil)
			assert.NoError(t, err)
			if job != nil {
				jobs.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), jobs.Load())
	res, ok := c.Get(testURL)
	require.True(t, ok)
	assert.Equal(t, StateProbing, res.State())
}

func TestCancelThenRestartBumpsGeneration(t *testing.T) {
	c := New(nil, nil)
	first := begin(t, c)
	require.True(t, c.Probed(first, 1000, "video/mp4", nil))
	c.Ingest(context.Background(), first, 0, payload(100), nil)

	assert.True(t, c.Cancel(testURL))
	assert.Error(t, first.Ctx.Err())
	assert.Equal(t, StateCancelled, first.Resource.State())
	assert.False(t, c.Cancel(testURL))

	second := begin(t, c)
	assert.Equal(t, first.Generation+1, second.Generation)
	assert.True(t, second.Resource.Covers(0, 99), "bytes survive cancellation")

	// the cancelled job can no longer move the resource
	assert.False(t, c.Fail(first, errors.New("late"), nil))
	_, ok := c.Finish(first, nil)
	assert.False(t, ok)
	assert.Equal(t, StateProbing, second.Resource.State())
}

func TestIngestCompletesOnce(t *testing.T) {
	c := New(nil, nil)
	job := begin(t, c)
	require.True(t, c.Probed(job, 1000, "", nil))
	data := payload(1000)

	var completions atomic.Int32
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.Ingest(context.Background(), job, int64(i*100), data[i*100:(i+1)*100], nil)
			if res.Completed {
				completions.Add(1)
				assert.False(t, res.Emit)
				assert.Equal(t, 100, res.Percent)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), completions.Load())
	assert.Equal(t, StateComplete, job.Resource.State())
	got, ok := job.Resource.ReadRange(0, 999)
	require.True(t, ok)
	assert.Equal(t, data, got)
	state, ok := c.Finish(job, nil)
	assert.True(t, ok)
	assert.Equal(t, StateComplete, state)
}

func TestIngestEmission(t *testing.T) {
	c := New(nil, nil)
	opts := utils.DefaultBufferOptions()
	opts.Heartbeat = time.Hour
	_, job, err := c.Begin(context.Background(), testURL, opts, nil)
	require.NoError(t, err)
	c.Probed(job, 1000, "", nil)

	r := c.Ingest(context.Background(), job, 0, payload(100), nil)
	assert.True(t, r.Emit)
	assert.Equal(t, 10, r.Percent)
	assert.Equal(t, int64(100), r.Added)

	// same bytes again: no new coverage, no emission before the heartbeat
	r = c.Ingest(context.Background(), job, 0, payload(100), nil)
	assert.False(t, r.Emit)
	assert.Equal(t, int64(0), r.Added)

	// sub-percent growth is silent too
	r = c.Ingest(context.Background(), job, 100, payload(5), nil)
	assert.False(t, r.Emit)
}

func TestIngestHeartbeat(t *testing.T) {
	c := New(nil, nil)
	opts := utils.DefaultBufferOptions()
	opts.Heartbeat = time.Nanosecond
	_, job, err := c.Begin(context.Background(), testURL, opts, nil)
	require.NoError(t, err)
	c.Probed(job, 1_000_000, "", nil)

	c.Ingest(context.Background(), job, 0, payload(10), nil)
	time.Sleep(time.Millisecond)
	r := c.Ingest(context.Background(), job, 10, payload(10), nil)
	assert.True(t, r.Emit)
	assert.Equal(t, 0, r.Percent)
}

func TestIngestWhileCancelledIsSilent(t *testing.T) {
	c := New(nil, nil)
	job := begin(t, c)
	c.Probed(job, 100, "", nil)
	c.Cancel(testURL)

	r := c.Ingest(context.Background(), job, 0, payload(100), nil)
	assert.False(t, r.Emit)
	assert.False(t, r.Completed)
	assert.True(t, job.Resource.Covers(0, 99))
	assert.Equal(t, StateCancelled, job.Resource.State())
}

func TestIngestClipsAtTotal(t *testing.T) {
	c := New(nil, nil)
	job := begin(t, c)
	c.Probed(job, 50, "", nil)
	r := c.Ingest(context.Background(), job, 40, payload(30), nil)
	assert.Equal(t, int64(10), r.Added)
	assert.Equal(t, int64(10), job.Resource.Snapshot().Covered)
}

func TestStreamingIngest(t *testing.T) {
	c := New(nil, nil)
	job := begin(t, c)
	require.True(t, c.Probed(job, -1, "video/webm", nil))
	assert.Equal(t, StateDownloading, job.Resource.State())
	data := payload(3000)
	for off := 0; off < 3000; off += 1000 {
		r := c.Ingest(context.Background(), job, int64(off), data[off:off+1000], nil)
		assert.False(t, r.Completed)
	}
	assert.Equal(t, int64(-1), job.Resource.Total())
	require.True(t, c.FinishStream(job, 3000, nil))
	assert.Equal(t, StateComplete, job.Resource.State())
	assert.Equal(t, int64(3000), job.Resource.Total())
	assert.Equal(t, 100, job.Resource.Percent())
}

func TestPartialPrefetchReturnsToIdle(t *testing.T) {
	c := New(nil, nil)
	job := begin(t, c)
	c.Probed(job, 1000, "", nil)
	c.Ingest(context.Background(), job, 0, payload(500), nil)
	state, ok := c.Finish(job, nil)
	assert.True(t, ok)
	assert.Equal(t, StateIdle, state)

	again := begin(t, c)
	assert.True(t, again.Resource.Covers(0, 499))
}

func TestFail(t *testing.T) {
	c := New(nil, nil)
	job := begin(t, c)
	boom := errors.New("boom")
	assert.True(t, c.Fail(job, boom, nil))
	assert.Equal(t, StateFailed, job.Resource.State())
	assert.ErrorIs(t, job.Resource.Err(), boom)
	assert.Equal(t, "boom", job.Resource.Snapshot().Error)

	// failed resources restart
	again := begin(t, c)
	assert.NoError(t, again.Resource.Err())
}

func TestReadRangeOnlyCovered(t *testing.T) {
	c := New(nil, nil)
	job := begin(t, c)
	c.Probed(job, 100, "", nil)
	c.Ingest(context.Background(), job, 10, payload(20), nil)

	_, ok := job.Resource.ReadRange(0, 15)
	assert.False(t, ok)
	got, ok := job.Resource.ReadRange(10, 29)
	require.True(t, ok)
	assert.Equal(t, payload(20), got)
	got[0] = 0xff
	again, _ := job.Resource.ReadRange(10, 10)
	assert.NotEqual(t, byte(0xff), again[0], "reads are copies")
}

func TestIngestPersists(t *testing.T) {
	st := store.NewMemoryStore()
	c := New(st, nil)
	job := begin(t, c)
	c.Probed(job, 200, "video/mp4", nil)
	c.Ingest(context.Background(), job, 0, payload(100), nil)

	obj, err := st.Load(context.Background(), testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(200), obj.Total)
	assert.Equal(t, "video/mp4", obj.ContentType)
	assert.Equal(t, int64(100), obj.Bytes())
}

func TestPersistFailureDoesNotFailIngest(t *testing.T) {
	st := &failingStore{Store: store.NewMemoryStore()}
	c := New(st, nil)
	job := begin(t, c)
	c.Probed(job, 100, "", nil)
	r := c.Ingest(context.Background(), job, 0, payload(100), nil)
	assert.True(t, r.Completed)
	assert.Equal(t, int32(1), st.writes.Load())
	assert.Equal(t, StateComplete, job.Resource.State())
}

func TestHydrate(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	full := "https://cdn.example.com/full.mp4"
	require.NoError(t, st.WriteChunk(ctx, store.Meta{URL: full, Total: 100}, 0, payload(100)))
	require.NoError(t, st.WriteChunk(ctx, store.Meta{URL: testURL, Total: 100}, 0, payload(40)))

	c := New(st, nil)
	res, err := c.Hydrate(ctx, full)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State())

	res, err = c.Hydrate(ctx, testURL)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State())
	assert.Equal(t, 40, res.Percent())

	same, err := c.Hydrate(ctx, testURL)
	require.NoError(t, err)
	assert.Same(t, res, same)

	_, err = c.Hydrate(ctx, "https://cdn.example.com/none.mp4")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSeedMergesStore(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	c := New(st, nil)
	job := begin(t, c)
	require.NoError(t, st.WriteChunk(ctx, store.Meta{URL: testURL, Total: 100, ContentType: "video/ogg"}, 50, payload(50)))

	require.NoError(t, c.Seed(ctx, job.Resource))
	assert.Equal(t, int64(100), job.Resource.Total())
	assert.True(t, job.Resource.Covers(50, 99))
	assert.Equal(t, "video/ogg", job.Resource.ContentType())
}

func TestRemovePurges(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	c := New(st, nil)
	job := begin(t, c)
	c.Probed(job, 10, "", nil)
	c.Ingest(ctx, job, 0, payload(5), nil)

	require.NoError(t, c.Remove(ctx, testURL, true))
	_, ok := c.Get(testURL)
	assert.False(t, ok)
	_, err := st.Load(ctx, testURL)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Error(t, job.Ctx.Err())
}

func TestListAndSnapshot(t *testing.T) {
	c := New(nil, nil)
	job := begin(t, c)
	c.Probed(job, 100, "", nil)
	c.SetTasks(job, []utils.ChunkTask{{ID: 0, StartByte: 0, EndByte: 49}, {ID: 1, StartByte: 50, EndByte: 99}})
	c.MarkTask(job, 0, utils.ChunkDone, 0, nil)
	c.MarkTask(job, 1, utils.ChunkInFlight, 0, nil)
	c.Ingest(context.Background(), job, 0, payload(50), nil)

	snaps := c.List()
	require.Len(t, snaps, 1)
	assert.Equal(t, 50, snaps[0].Percent)
	assert.Equal(t, StateDownloading, snaps[0].State)
	assert.Equal(t, TaskCounts{Done: 1, InFlight: 1}, snaps[0].Tasks)
	tasks := job.Resource.Tasks()
	assert.False(t, tasks[0].FinishTime.IsZero())
}

func TestCloseCancelsJobs(t *testing.T) {
	c := New(nil, nil)
	job := begin(t, c)
	c.Close()
	assert.Error(t, job.Ctx.Err())
	_, _, err := c.Begin(context.Background(), testURL, utils.DefaultBufferOptions(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAnnounceFollowsCurrentJob(t *testing.T) {
	c := New(nil, nil)
	var mu sync.Mutex
	var seen []string
	record := func(tag string) Announce {
		return func(percent int) {
			mu.Lock()
			seen = append(seen, fmt.Sprintf("%s:%d", tag, percent))
			mu.Unlock()
		}
	}

	_, first, err := c.Begin(context.Background(), testURL, utils.DefaultBufferOptions(), record("claim"))
	require.NoError(t, err)
	require.True(t, c.Probed(first, 100, "", record("probed")))
	c.Ingest(context.Background(), first, 0, payload(30), record("progress"))
	require.True(t, c.Fail(first, errors.New("boom"), record("failed")))

	res, joined, err := c.Begin(context.Background(), testURL, utils.DefaultBufferOptions(), record("claim"))
	require.NoError(t, err)
	require.NotNil(t, joined)
	_, none, err := c.Begin(context.Background(), testURL, utils.DefaultBufferOptions(), record("join"))
	require.NoError(t, err)
	assert.Nil(t, none)

	// the failed job is stale: its bytes land, its announcements do not
	c.Ingest(context.Background(), first, 30, payload(30), record("stale"))
	_, ok := c.Finish(first, record("stale"))
	assert.False(t, ok)
	assert.True(t, res.Covers(0, 59))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"claim:0", "probed:0", "progress:30", "failed:30", "claim:30"}, seen)
}
