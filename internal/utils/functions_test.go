package utils

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	_, err := ValidateURL("https://cdn.example.com/clip.mp4")
	assert.NoError(t, err)

	for _, bad := range []string{"ftp://example.com/a.mp4", "not a url", "http://", "::"} {
		_, err := ValidateURL(bad)
		assert.ErrorIs(t, err, ErrInvalidURL, bad)
	}
}

func TestIsMediaURL(t *testing.T) {
	assert.True(t, IsMediaURL("https://x.test/v/intro.MP4", DefaultMediaExtensions))
	assert.True(t, IsMediaURL("https://x.test/v/intro.webm?token=abc", DefaultMediaExtensions))
	assert.False(t, IsMediaURL("https://x.test/index.html", DefaultMediaExtensions))
	assert.False(t, IsMediaURL("", DefaultMediaExtensions))
}

func TestCacheKeyStable(t *testing.T) {
	a := CacheKey("https://x.test/a.mp4")
	assert.Len(t, a, 64)
	assert.Equal(t, a, CacheKey("https://x.test/a.mp4"))
	assert.NotEqual(t, a, CacheKey("https://x.test/b.mp4"))
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "0 B/s", FormatSpeed(0, 1))
	assert.Equal(t, "0 B/s", FormatSpeed(100, 0))
	assert.Equal(t, "1.50 MB/s", FormatSpeed(3*1024*1024, 2))
}

func TestParseHeaderArgs(t *testing.T) {
	got := ParseHeaderArgs([]string{"Authorization: Basic abc", "X-Empty:", "broken"})
	assert.Equal(t, map[string]string{"Authorization": "Basic abc", "X-Empty": ""}, got)
}

func TestProgressEventJSON(t *testing.T) {
	data, err := json.Marshal(ProgressEvent{URL: "u", Buffered: 40})
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"u","buffered":40,"done":false,"error":null,"speed":null}`, string(data))

	data, err = json.Marshal(ProgressEvent{URL: "u", Error: "boom"})
	require.NoError(t, err)
	var back ProgressEvent
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "boom", back.Error)
	assert.True(t, back.Terminal())
}

func TestBufferOptionsValidate(t *testing.T) {
	opts := DefaultBufferOptions()
	require.NoError(t, opts.Validate())

	bad := opts
	bad.Parallelism = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOptions)

	bad = opts
	bad.PrefetchPercent = 101
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOptions)

	bad = opts
	bad.ChunkSize = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOptions)

	bad = opts
	bad.RetryBackoff = -time.Second
	assert.NoError(t, bad.Validate())
}

func TestChunkTask(t *testing.T) {
	c := ChunkTask{StartByte: 0, EndByte: 1023}
	assert.False(t, c.Streaming())
	assert.Equal(t, int64(1024), c.Size())
	s := ChunkTask{StartByte: 0, EndByte: -1}
	assert.True(t, s.Streaming())
	assert.Equal(t, "in-flight", ChunkInFlight.String())
}
