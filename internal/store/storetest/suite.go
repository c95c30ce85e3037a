package storetest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/prebuf/internal/store"
)

// StoreFactory creates a fresh Store for each test. It should register
// teardown with t.Cleanup.
type StoreFactory func(t *testing.T) store.Store

// RunConformanceSuite runs the behaviour every backend must share against the
// stores produced by factory.
func RunConformanceSuite(t *testing.T, factory StoreFactory) {
	t.Helper()
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, factory(t)) })
	t.Run("PartialObject", func(t *testing.T) { testPartialObject(t, factory(t)) })
	t.Run("CompleteObject", func(t *testing.T) { testCompleteObject(t, factory(t)) })
	t.Run("LargeChunk", func(t *testing.T) { testLargeChunk(t, factory(t)) })
	t.Run("MetaMerge", func(t *testing.T) { testMetaMerge(t, factory(t)) })
	t.Run("DeleteAndList", func(t *testing.T) { testDeleteAndList(t, factory(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, factory(t)) })
}

const testURL = "https://media.example.com/video/clip.mp4"

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

// assemble overlays loaded chunks into a buffer of size total.
func assemble(obj *store.Object, total int64) []byte {
	buf := make([]byte, total)
	for _, c := range obj.Chunks {
		copy(buf[c.Offset:], c.Data)
	}
	return buf
}

func testLoadMissing(t *testing.T, s store.Store) {
	_, err := s.Load(t.Context(), testURL)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testPartialObject(t *testing.T, s store.Store) {
	data := payload(1000)
	meta := store.Meta{URL: testURL, Total: 1000, ContentType: "video/mp4"}
	require.NoError(t, s.WriteChunk(t.Context(), meta, 0, data[:200]))
	require.NoError(t, s.WriteChunk(t.Context(), meta, 600, data[600:800]))

	obj, err := s.Load(t.Context(), testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), obj.Total)
	assert.Equal(t, "video/mp4", obj.ContentType)
	assert.Equal(t, int64(400), obj.Bytes())
	assert.False(t, obj.Complete())
	ranges := obj.Ranges()
	assert.True(t, ranges.Covers(0, 199))
	assert.True(t, ranges.Covers(600, 799))
	assert.False(t, ranges.Covers(200, 599))
	buf := assemble(obj, 1000)
	assert.True(t, bytes.Equal(data[600:800], buf[600:800]))
}

func testCompleteObject(t *testing.T, s store.Store) {
	data := payload(4096)
	meta := store.Meta{URL: testURL, Total: 4096}
	for off := 0; off < len(data); off += 1024 {
		require.NoError(t, s.WriteChunk(t.Context(), meta, int64(off), data[off:off+1024]))
	}
	obj, err := s.Load(t.Context(), testURL)
	require.NoError(t, err)
	assert.True(t, obj.Complete())
	assert.Equal(t, data, assemble(obj, 4096))
}

func testLargeChunk(t *testing.T, s store.Store) {
	data := payload(3<<20 + 17)
	meta := store.Meta{URL: testURL, Total: int64(len(data))}
	require.NoError(t, s.WriteChunk(t.Context(), meta, 0, data))

	obj, err := s.Load(t.Context(), testURL)
	require.NoError(t, err)
	assert.True(t, obj.Complete())
	assert.True(t, bytes.Equal(data, assemble(obj, int64(len(data)))))
}

func testMetaMerge(t *testing.T, s store.Store) {
	require.NoError(t, s.WriteChunk(t.Context(), store.Meta{URL: testURL, Total: 500, ContentType: "video/webm"}, 0, payload(10)))
	require.NoError(t, s.WriteChunk(t.Context(), store.Meta{URL: testURL, Total: -1}, 10, payload(10)))

	obj, err := s.Load(t.Context(), testURL)
	require.NoError(t, err)
	assert.Equal(t, int64(500), obj.Total)
	assert.Equal(t, "video/webm", obj.ContentType)
	assert.Equal(t, int64(20), obj.Bytes())
}

func testDeleteAndList(t *testing.T, s store.Store) {
	other := "https://media.example.com/other.webm"
	require.NoError(t, s.WriteChunk(t.Context(), store.Meta{URL: testURL, Total: 10}, 0, payload(10)))
	require.NoError(t, s.WriteChunk(t.Context(), store.Meta{URL: other, Total: 10}, 0, payload(5)))

	metas, err := s.List(t.Context())
	require.NoError(t, err)
	urls := make([]string, 0, len(metas))
	for _, m := range metas {
		urls = append(urls, m.URL)
	}
	assert.ElementsMatch(t, []string{testURL, other}, urls)

	require.NoError(t, s.Delete(t.Context(), testURL))
	_, err = s.Load(t.Context(), testURL)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Load(t.Context(), other)
	assert.NoError(t, err)

	// deleting a missing entry is not an error
	assert.NoError(t, s.Delete(t.Context(), testURL))
}

func testClosed(t *testing.T, s store.Store) {
	require.NoError(t, s.Close())
	err := s.WriteChunk(t.Context(), store.Meta{URL: testURL, Total: 1}, 0, []byte{1})
	assert.ErrorIs(t, err, store.ErrStoreClosed)
	_, err = s.Load(t.Context(), testURL)
	assert.ErrorIs(t, err, store.ErrStoreClosed)
}
