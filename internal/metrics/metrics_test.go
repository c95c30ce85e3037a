package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveChunk(10, time.Second)
		c.ChunkFailed()
		c.ChunkRetried()
		c.ChunkSkipped()
		c.InterceptorRequest("hit", 5)
		c.PersistFailed()
		c.JobStarted()
		c.JobFinished("complete")
		c.SubscriberAdded()
		c.SubscriberRemoved()
		c.ObserveStreamBytes(1)
	})
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWith(reg)

	c.ObserveChunk(2048, 100*time.Millisecond)
	c.ObserveChunk(1024, 200*time.Millisecond)
	c.ChunkFailed()
	c.InterceptorRequest("hit", 512)
	c.InterceptorRequest("miss", 0)
	c.JobStarted()
	c.JobFinished("complete")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunkFetches.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chunkFetches.WithLabelValues("failed")))
	assert.Equal(t, 3072.0, testutil.ToFloat64(c.chunkBytes))
	assert.Equal(t, 512.0, testutil.ToFloat64(c.cacheReadBytes))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeJobs))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobs.WithLabelValues("complete")))
}

func TestHandlerServesRegistry(t *testing.T) {
	InitRegistry()
	t.Cleanup(func() {
		registryMu.Lock()
		registry = nil
		registryMu.Unlock()
	})
	require.True(t, IsEnabled())
	c := NewCollector()
	require.NotNil(t, c)
	c.ChunkRetried()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "prebuf_chunk_retries_total 1"))
}

func TestHandlerDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Nil(t, NewCollector())
}
