package utils

import (
	"encoding/json"
	"fmt"
	"time"
)

type BufferOptions struct {
	ChunkSize         int64         `json:"chunkSize"`
	Parallelism       int           `json:"parallelism"`
	PrefetchPercent   int           `json:"prefetchPercent"`
	AggressiveCaching bool          `json:"aggressiveCaching"`
	MaxRetries        int           `json:"maxRetries"`
	RetryBackoff      time.Duration `json:"retryBackoff"`
	ChunkTimeout      time.Duration `json:"chunkTimeout"`
	Heartbeat         time.Duration `json:"heartbeat"`
	PlaybackThreshold int           `json:"playbackThreshold"`
}

func DefaultBufferOptions() BufferOptions {
	return BufferOptions{
		ChunkSize:         DefaultChunkSize,
		Parallelism:       DefaultParallelism,
		PrefetchPercent:   100,
		AggressiveCaching: true,
		MaxRetries:        DefaultMaxRetries,
		RetryBackoff:      500 * time.Millisecond,
		ChunkTimeout:      30 * time.Second,
		Heartbeat:         2 * time.Second,
		PlaybackThreshold: 10,
	}
}

func (o BufferOptions) Validate() error {
	if o.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidOptions)
	}
	if o.Parallelism < 1 || o.Parallelism > MaxParallelism {
		return fmt.Errorf("%w: parallelism must be between 1 and %d", ErrInvalidOptions, MaxParallelism)
	}
	if o.PrefetchPercent < 1 || o.PrefetchPercent > 100 {
		return fmt.Errorf("%w: prefetch percent must be between 1 and 100", ErrInvalidOptions)
	}
	if o.MaxRetries < 1 {
		return fmt.Errorf("%w: max retries must be at least 1", ErrInvalidOptions)
	}
	if o.PlaybackThreshold < 0 || o.PlaybackThreshold > 100 {
		return fmt.Errorf("%w: playback threshold must be between 0 and 100", ErrInvalidOptions)
	}
	return nil
}

type ChunkStatus int

const (
	ChunkPending ChunkStatus = iota
	ChunkInFlight
	ChunkDone
	ChunkFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "in-flight"
	case ChunkDone:
		return "done"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChunkTask is one planned byte range. EndByte of -1 marks an unbounded
// streaming task.
type ChunkTask struct {
	ID         int
	StartByte  int64
	EndByte    int64
	Status     ChunkStatus
	Retries    int
	LastError  error
	StartTime  time.Time
	FinishTime time.Time
}

func (c ChunkTask) Streaming() bool {
	return c.EndByte < 0
}

func (c ChunkTask) Size() int64 {
	if c.Streaming() {
		return -1
	}
	return c.EndByte - c.StartByte + 1
}

type ProgressEvent struct {
	URL      string
	Buffered int
	Done     bool
	Error    string
	Speed    string
}

func (e ProgressEvent) Terminal() bool {
	return e.Done || e.Error != ""
}

type progressEventJSON struct {
	URL      string  `json:"url"`
	Buffered int     `json:"buffered"`
	Done     bool    `json:"done"`
	Error    *string `json:"error"`
	Speed    *string `json:"speed"`
}

func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	out := progressEventJSON{URL: e.URL, Buffered: e.Buffered, Done: e.Done}
	if e.Error != "" {
		out.Error = &e.Error
	}
	if e.Speed != "" {
		out.Speed = &e.Speed
	}
	return json.Marshal(out)
}

func (e *ProgressEvent) UnmarshalJSON(data []byte) error {
	var in progressEventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = ProgressEvent{URL: in.URL, Buffered: in.Buffered, Done: in.Done}
	if in.Error != nil {
		e.Error = *in.Error
	}
	if in.Speed != nil {
		e.Speed = *in.Speed
	}
	return nil
}

type BatchEntry struct {
	URL     string `yaml:"link"`
	Percent int    `yaml:"percent,omitempty"`
}
