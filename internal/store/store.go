// Package store defines the durable cache that outlives the process. A
// backend holds, per URL, the metadata of a media object plus whatever byte
// chunks have been downloaded so far. Coverage is derived from the chunks on
// load, so partial objects survive restarts and seed the next job.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/tanq16/prebuf/internal/rangeset"
)

var (
	ErrNotFound    = errors.New("not found in store")
	ErrStoreClosed = errors.New("store is closed")
)

type Meta struct {
	URL         string    `json:"url"`
	Total       int64     `json:"total"`
	ContentType string    `json:"contentType,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Chunk struct {
	Offset int64
	Data   []byte
}

// Object is a loaded entry. Chunks are sorted by offset and may overlap.
type Object struct {
	Meta
	Chunks []Chunk
}

func (o *Object) Ranges() *rangeset.Set {
	set := rangeset.New()
	for _, c := range o.Chunks {
		if len(c.Data) > 0 {
			set.Add(rangeset.Range{Start: c.Offset, End: c.Offset + int64(len(c.Data)) - 1})
		}
	}
	return set
}

func (o *Object) Bytes() int64 {
	return o.Ranges().Total()
}

func (o *Object) Complete() bool {
	return o.Total > 0 && o.Ranges().ContiguousFrom(0) >= o.Total
}

// Store is implemented by every backend. WriteChunk upserts meta alongside
// the chunk; a later write with Total <= 0 never erases a known length.
type Store interface {
	Load(ctx context.Context, url string) (*Object, error)
	WriteChunk(ctx context.Context, meta Meta, offset int64, data []byte) error
	Delete(ctx context.Context, url string) error
	List(ctx context.Context) ([]Meta, error)
	Close() error
}

func sortChunks(chunks []Chunk) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Offset < chunks[j].Offset })
}

// MergeMeta keeps the known length and content type when next omits them.
func MergeMeta(prev, next Meta) Meta {
	if next.Total <= 0 {
		next.Total = prev.Total
	}
	if next.ContentType == "" {
		next.ContentType = prev.ContentType
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now()
	}
	return next
}
