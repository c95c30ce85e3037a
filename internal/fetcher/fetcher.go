package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/juju/ratelimit"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/prebuf/internal/metrics"
	"github.com/tanq16/prebuf/internal/utils"
)

type ProbeResult struct {
	Size           int64 // -1 when the origin does not report a length
	ContentType    string
	RangeSupported bool
}

// Policy bounds chunk fetches. Snapshotted from the job's buffer options.
type Policy struct {
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration
}

func PolicyFrom(opts utils.BufferOptions) Policy {
	return Policy{
		MaxRetries: opts.MaxRetries,
		Backoff:    opts.RetryBackoff,
		Timeout:    opts.ChunkTimeout,
	}
}

type Fetcher struct {
	client  utils.HTTPDoer
	bucket  *ratelimit.Bucket
	metrics *metrics.Collector
}

// New returns a fetcher over client. A positive bandwidth (bytes per second)
// caps the combined body read rate of chunk and stream fetches.
func New(client utils.HTTPDoer, bandwidth int64, m *metrics.Collector) *Fetcher {
	f := &Fetcher{client: client, metrics: m}
	if bandwidth > 0 {
		f.bucket = ratelimit.NewBucketWithRate(float64(bandwidth), bandwidth)
	}
	return f
}

func (f *Fetcher) body(r io.Reader) io.Reader {
	if f.bucket == nil {
		return r
	}
	return ratelimit.Reader(r, f.bucket)
}

func (f *Fetcher) Probe(ctx context.Context, link string) (ProbeResult, error) {
	result := ProbeResult{Size: -1}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return result, fmt.Errorf("%w: error creating request: %v", utils.ErrProbeFailed, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("%w: error checking URL: %v", utils.ErrProbeFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return result, fmt.Errorf("%w: URL not found (404)", utils.ErrProbeFailed)
	} else if resp.StatusCode >= 400 {
		return result, fmt.Errorf("%w: server returned error: %d", utils.ErrProbeFailed, resp.StatusCode)
	}

	result.ContentType = resp.Header.Get("Content-Type")
	if contentLength := resp.Header.Get("Content-Length"); contentLength != "" {
		if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil && size > 0 {
			result.Size = size
		}
	}
	result.RangeSupported = result.Size > 0 && strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
	log.Debug().Str("op", "fetcher/probe").Str("url", link).Msgf("size=%d ranges=%t type=%q", result.Size, result.RangeSupported, result.ContentType)
	return result, nil
}

// FetchChunk performs a single ranged GET for [start, end] bounded by timeout.
func (f *Fetcher) FetchChunk(ctx context.Context, link string, start, end int64, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %v", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	req.Header.Set("Connection", "keep-alive")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil, utils.ErrRangeRequestsNotSupported
	}
	if resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	contentRange := resp.Header.Get("Content-Range")
	if contentRange == "" {
		return nil, errors.New("missing Content-Range header")
	}
	gotStart, gotEnd, _, err := utils.ParseContentRange(contentRange)
	if err != nil {
		return nil, fmt.Errorf("bad Content-Range %q: %v", contentRange, err)
	}
	if gotStart != start || gotEnd != end {
		return nil, fmt.Errorf("range mismatch: asked %d-%d, got %d-%d", start, end, gotStart, gotEnd)
	}

	data := make([]byte, end-start+1)
	n, err := io.ReadFull(f.body(resp.Body), data)
	if err != nil {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d: %v", len(data), n, err)
	}
	return data, nil
}

// FetchChunkWithRetry retries FetchChunk with linear backoff. It returns the
// number of retries used alongside the data.
func (f *Fetcher) FetchChunkWithRetry(ctx context.Context, link string, start, end int64, policy Policy) ([]byte, int, error) {
	maxRetries := max(1, policy.MaxRetries)
	began := time.Now()
	var lastErr error
	for retry := range maxRetries {
		if retry > 0 {
			f.metrics.ChunkRetried()
			log.Warn().Str("op", "fetcher/chunk").Str("url", link).Msgf("Retrying bytes %d-%d (attempt %d/%d)", start, end, retry+1, maxRetries)
			select {
			case <-ctx.Done():
				return nil, retry, ctx.Err()
			case <-time.After(time.Duration(retry+1) * policy.Backoff):
			}
		}
		data, err := f.FetchChunk(ctx, link, start, end, policy.Timeout)
		if err == nil {
			f.metrics.ObserveChunk(int64(len(data)), time.Since(began))
			return data, retry, nil
		}
		if ctx.Err() != nil {
			return nil, retry, ctx.Err()
		}
		lastErr = err
		log.Debug().Str("op", "fetcher/chunk").Str("url", link).Err(err).Msgf("Attempt %d for bytes %d-%d failed", retry+1, start, end)
		if errors.Is(err, utils.ErrRangeRequestsNotSupported) {
			break
		}
	}
	f.metrics.ChunkFailed()
	return nil, maxRetries - 1, fmt.Errorf("%w: bytes %d-%d after %d attempts: %w", utils.ErrChunkFetchFailed, start, end, maxRetries, lastErr)
}

// Stream reads the whole resource with a plain GET and hands every read to
// fn with its offset. fn must not retain data. It returns the number of
// bytes read, which equals the resource length when err is nil.
func (f *Fetcher) Stream(ctx context.Context, link string, fn func(offset int64, data []byte) error) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return 0, "", fmt.Errorf("error creating GET request: %v", err)
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("error executing GET request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")

	body := f.body(resp.Body)
	buffer := make([]byte, utils.DefaultBufferSize)
	var offset int64
	for {
		bytesRead, readErr := body.Read(buffer)
		if bytesRead > 0 {
			if err := fn(offset, buffer[:bytesRead]); err != nil {
				return offset, contentType, err
			}
			offset += int64(bytesRead)
			f.metrics.ObserveStreamBytes(int64(bytesRead))
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return offset, contentType, fmt.Errorf("error reading response body: %v", readErr)
		}
	}
	log.Debug().Str("op", "fetcher/stream").Str("url", link).Msgf("Stream finished at %d bytes", offset)
	return offset, contentType, nil
}

// Proxy forwards method and every end-to-end request header to link and
// returns the origin response untouched. Transport failures wrap
// ErrNoActiveOrigin.
func (f *Fetcher) Proxy(ctx context.Context, method, link string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, link, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %v", err)
	}
	utils.CopyHeaders(req.Header, header)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrNoActiveOrigin, err)
	}
	return resp, nil
}
