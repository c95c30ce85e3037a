package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tanq16/prebuf/internal/store"
	"github.com/tanq16/prebuf/internal/store/storetest"
)

func TestMemoryConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) store.Store {
		s := store.NewMemoryStore()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMergeMeta(t *testing.T) {
	prev := store.Meta{URL: "u", Total: 100, ContentType: "video/mp4"}
	merged := store.MergeMeta(prev, store.Meta{URL: "u", Total: 0})
	assert.Equal(t, int64(100), merged.Total)
	assert.Equal(t, "video/mp4", merged.ContentType)
	assert.False(t, merged.UpdatedAt.IsZero())

	merged = store.MergeMeta(prev, store.Meta{URL: "u", Total: 200, ContentType: "video/webm"})
	assert.Equal(t, int64(200), merged.Total)
	assert.Equal(t, "video/webm", merged.ContentType)
}
