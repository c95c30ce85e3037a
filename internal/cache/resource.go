package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tanq16/prebuf/internal/rangeset"
	"github.com/tanq16/prebuf/internal/utils"
)

type State int

const (
	StateIdle State = iota
	StateProbing
	StateDownloading
	StateComplete
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateDownloading:
		return "downloading"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a job owns the resource.
func (s State) Active() bool {
	return s == StateProbing || s == StateDownloading
}

// Resource is the in-memory record of one media URL. All mutation happens
// through the Cache under mu; readers get copies.
type Resource struct {
	mu           sync.RWMutex
	url          string
	total        int64 // -1 until known
	contentType  string
	ranges       *rangeset.Set
	buf          []byte
	state        State
	err          error
	lastActivity time.Time
	opts         utils.BufferOptions
	tasks        []utils.ChunkTask
	cancel       context.CancelFunc
	generation   uint64
	lastPercent  int
	lastEmit     time.Time
}

func newResource(url string) *Resource {
	return &Resource{
		url:          url,
		total:        -1,
		ranges:       rangeset.New(),
		lastActivity: time.Now(),
		lastPercent:  -1,
	}
}

type TaskCounts struct {
	Pending  int `json:"pending"`
	InFlight int `json:"inFlight"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
}

type Snapshot struct {
	URL          string              `json:"url"`
	Total        int64               `json:"total"`
	ContentType  string              `json:"contentType,omitempty"`
	State        State               `json:"state"`
	Covered      int64               `json:"covered"`
	Percent      int                 `json:"buffered"`
	Ranges       []rangeset.Range    `json:"ranges"`
	Error        string              `json:"error,omitempty"`
	LastActivity time.Time           `json:"lastActivity"`
	Options      utils.BufferOptions `json:"options"`
	Tasks        TaskCounts          `json:"chunks"`
	Generation   uint64              `json:"generation"`
}

func percentOf(covered, total int64) int {
	if total <= 0 {
		return 0
	}
	if covered >= total {
		return 100
	}
	return int(covered * 100 / total)
}

func (r *Resource) URL() string {
	return r.url
}

func (r *Resource) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Resource) Total() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

func (r *Resource) ContentType() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contentType
}

func (r *Resource) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

func (r *Resource) Percent() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return percentOf(r.ranges.Total(), r.total)
}

func (r *Resource) Covers(start, end int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ranges.Covers(start, end)
}

func (r *Resource) ContiguousFrom(offset int64) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ranges.ContiguousFrom(offset)
}

func (r *Resource) Options() utils.BufferOptions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts
}

func (r *Resource) Tasks() []utils.ChunkTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.tasks)
}

// ReadRange copies bytes [start, end]. ok is false unless the whole range is
// downloaded.
func (r *Resource) ReadRange(start, end int64) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if start < 0 || end < start || !r.ranges.Covers(start, end) || end >= int64(len(r.buf)) {
		return nil, false
	}
	return slices.Clone(r.buf[start : end+1]), true
}

func (r *Resource) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		URL:          r.url,
		Total:        r.total,
		ContentType:  r.contentType,
		State:        r.state,
		Covered:      r.ranges.Total(),
		Ranges:       r.ranges.Ranges(),
		LastActivity: r.lastActivity,
		Options:      r.opts,
		Generation:   r.generation,
	}
	snap.Percent = percentOf(snap.Covered, r.total)
	if r.err != nil {
		snap.Error = r.err.Error()
	}
	for _, task := range r.tasks {
		switch task.Status {
		case utils.ChunkPending:
			snap.Tasks.Pending++
		case utils.ChunkInFlight:
			snap.Tasks.InFlight++
		case utils.ChunkDone:
			snap.Tasks.Done++
		case utils.ChunkFailed:
			snap.Tasks.Failed++
		}
	}
	return snap
}

// setTotal must be called with mu held.
func (r *Resource) setTotal(total int64) {
	if total <= 0 || r.total > 0 {
		return
	}
	r.total = total
	if int64(len(r.buf)) > total {
		r.buf = r.buf[:total]
		return
	}
	grown := make([]byte, total)
	copy(grown, r.buf)
	r.buf = grown
}

// put writes data at offset and records coverage, clipping at a known
// total. Must be called with mu held. Returns the bytes newly covered.
func (r *Resource) put(offset int64, data []byte) int64 {
	if offset < 0 || len(data) == 0 {
		return 0
	}
	if r.total > 0 {
		if offset >= r.total {
			return 0
		}
		if offset+int64(len(data)) > r.total {
			data = data[:r.total-offset]
		}
	} else if need := offset + int64(len(data)); need > int64(len(r.buf)) {
		if need <= int64(cap(r.buf)) {
			r.buf = r.buf[:need]
		} else {
			grown := make([]byte, need, max(need, 2*int64(cap(r.buf))))
			copy(grown, r.buf)
			r.buf = grown
		}
	}
	copy(r.buf[offset:], data)
	return r.ranges.Add(rangeset.Range{Start: offset, End: offset + int64(len(data)) - 1})
}
