package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tanq16/prebuf/internal/utils"
)

type memoryEntry struct {
	meta   Meta
	chunks map[int64][]byte
}

// MemoryStore keeps entries in process memory. Used when no durable backend
// is configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (m *MemoryStore) Load(ctx context.Context, url string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	entry, ok := m.entries[utils.CacheKey(url)]
	if !ok {
		return nil, ErrNotFound
	}
	obj := &Object{Meta: entry.meta, Chunks: make([]Chunk, 0, len(entry.chunks))}
	for offset, data := range entry.chunks {
		obj.Chunks = append(obj.Chunks, Chunk{Offset: offset, Data: append([]byte(nil), data...)})
	}
	sortChunks(obj.Chunks)
	return obj, nil
}

func (m *MemoryStore) WriteChunk(ctx context.Context, meta Meta, offset int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	key := utils.CacheKey(meta.URL)
	entry, ok := m.entries[key]
	if !ok {
		entry = &memoryEntry{chunks: make(map[int64][]byte)}
		m.entries[key] = entry
	}
	entry.meta = MergeMeta(entry.meta, meta)
	if prev, ok := entry.chunks[offset]; !ok || len(prev) < len(data) {
		entry.chunks[offset] = append([]byte(nil), data...)
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.entries, utils.CacheKey(url))
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	metas := make([]Meta, 0, len(m.entries))
	for _, entry := range m.entries {
		metas = append(metas, entry.meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].URL < metas[j].URL })
	return metas, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}
