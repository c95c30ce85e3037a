package utils

import (
	"errors"
)

const DefaultBufferSize = 1024 * 1024 * 8 // 8MB read buffer for streaming fetches
const DefaultChunkSize = 1024 * 1024 * 2
const DefaultParallelism = 4
const MaxParallelism = 32
const DefaultMaxRetries = 3
const ToolUserAgent = "prebuf/1.0"

var (
	ErrRangeRequestsNotSupported = errors.New("range requests are not supported")
	ErrProbeFailed               = errors.New("probe failed")
	ErrChunkFetchFailed          = errors.New("chunk fetch failed")
	ErrPersistFailed             = errors.New("persist failed")
	ErrNoActiveOrigin            = errors.New("no active origin")
	ErrInvalidURL                = errors.New("invalid URL")
	ErrInvalidOptions            = errors.New("invalid buffer options")
)

var DefaultMediaExtensions = []string{".mp4", ".webm", ".mov", ".m4v", ".ogg"}
