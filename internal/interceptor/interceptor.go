package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/prebuf/internal/cache"
	"github.com/tanq16/prebuf/internal/metrics"
	"github.com/tanq16/prebuf/internal/store"
	"github.com/tanq16/prebuf/internal/utils"
)

const (
	HeaderCache        = "X-Prebuf-Cache"
	DefaultCacheMaxAge = "max-age=31536000"
	DefaultMaxTeeBytes = 256 * 1024 * 1024
)

type Proxier interface {
	Proxy(ctx context.Context, method, url string, header http.Header) (*http.Response, error)
}

// Buffering is told about media URLs the interceptor had to fetch.
type Buffering interface {
	EnsureBuffering(url string)
}

type Config struct {
	MediaExtensions []string
	MaxTeeBytes     int64
	CacheControl    string
}

type Interceptor struct {
	cache     *cache.Cache
	proxy     Proxier
	buffering Buffering
	metrics   *metrics.Collector
	cfg       Config
}

func New(c *cache.Cache, p Proxier, b Buffering, m *metrics.Collector, cfg Config) *Interceptor {
	if len(cfg.MediaExtensions) == 0 {
		cfg.MediaExtensions = utils.DefaultMediaExtensions
	}
	if cfg.MaxTeeBytes <= 0 {
		cfg.MaxTeeBytes = DefaultMaxTeeBytes
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = DefaultCacheMaxAge
	}
	return &Interceptor{cache: c, proxy: p, buffering: b, metrics: m, cfg: cfg}
}

// ServeHTTP answers GET|HEAD ?url=<media url>.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	link := r.URL.Query().Get("url")
	if _, err := utils.ValidateURL(link); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !utils.IsMediaURL(link, i.cfg.MediaExtensions) {
		i.metrics.InterceptorRequest("passthrough", 0)
		i.forward(w, r, link, false)
		return
	}
	if i.serveCached(w, r, link) {
		return
	}
	i.forward(w, r, link, true)
}

func (i *Interceptor) lookup(ctx context.Context, link string) *cache.Resource {
	res, err := i.cache.Hydrate(ctx, link)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Str("op", "interceptor/lookup").Str("url", link).Err(err).Msg("Could not hydrate from store")
		}
		return nil
	}
	return res
}

// serveCached answers from memory when the requested bytes are all present.
// It never waits for chunks still in flight.
func (i *Interceptor) serveCached(w http.ResponseWriter, r *http.Request, link string) bool {
	res := i.lookup(r.Context(), link)
	if res == nil {
		return false
	}
	total := res.Total()
	if total <= 0 {
		return false
	}
	contentType := res.ContentType()
	if contentType == "" {
		contentType = utils.ContentTypeFor(link)
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		data, ok := res.ReadRange(0, total-1)
		if !ok {
			return false
		}
		i.writeCached(w, r, http.StatusOK, contentType, data, "")
		return true
	}

	br, err := utils.ParseRangeHeader(rangeHeader)
	if err != nil {
		// multi-range and unparsable requests go to the origin
		return false
	}
	start, end, err := br.Resolve(total)
	if errors.Is(err, utils.ErrUnsatisfiableRange) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		w.Header().Set(HeaderCache, "HIT")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		i.metrics.InterceptorRequest("hit", 0)
		return true
	} else if err != nil {
		return false
	}
	data, ok := res.ReadRange(start, end)
	if !ok {
		return false
	}
	i.writeCached(w, r, http.StatusPartialContent, contentType, data, utils.FormatContentRange(start, end, total))
	return true
}

func (i *Interceptor) writeCached(w http.ResponseWriter, r *http.Request, status int, contentType string, data []byte, contentRange string) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(data)))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", i.cfg.CacheControl)
	h.Set(HeaderCache, "HIT")
	if contentRange != "" {
		h.Set("Content-Range", contentRange)
	}
	w.WriteHeader(status)
	i.metrics.InterceptorRequest("hit", int64(len(data)))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		log.Debug().Str("op", "interceptor/serve").Str("url", r.URL.Query().Get("url")).Err(err).Msg("Client went away")
	}
}

// forward proxies the request unmodified. For media, a complete 200 body that
// is small enough is kept and written to the durable store once fully
// copied. Partial responses are never kept, and only a full 200 starts
// background buffering.
func (i *Interceptor) forward(w http.ResponseWriter, r *http.Request, link string, media bool) {
	resp, err := i.proxy.Proxy(r.Context(), r.Method, link, r.Header)
	if err != nil {
		i.metrics.InterceptorRequest("error", 0)
		log.Warn().Str("op", "interceptor/forward").Str("url", link).Err(err).Msg("Origin unreachable")
		if !errors.Is(err, utils.ErrNoActiveOrigin) {
			err = fmt.Errorf("%w: %v", utils.ErrNoActiveOrigin, err)
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	utils.CopyHeaders(w.Header(), resp.Header)
	if media {
		w.Header().Set(HeaderCache, "MISS")
		i.metrics.InterceptorRequest("miss", 0)
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}

	keep := media && i.cacheable(resp)
	var body bytes.Buffer
	var src io.Reader = resp.Body
	if keep {
		body.Grow(int(resp.ContentLength))
		src = io.TeeReader(resp.Body, &body)
	}
	n, err := io.Copy(w, src)
	if err != nil {
		log.Debug().Str("op", "interceptor/forward").Str("url", link).Err(err).Msgf("Copy stopped after %d bytes", n)
		return
	}
	if keep && int64(body.Len()) == resp.ContentLength {
		i.cache.Persist(r.Context(), link, resp.Header.Get("Content-Type"), body.Bytes())
		log.Debug().Str("op", "interceptor/forward").Str("url", link).Msgf("Kept %s from a full response", utils.FormatBytes(uint64(body.Len())))
	}
	if media && r.Method == http.MethodGet && resp.StatusCode == http.StatusOK && r.Header.Get("Range") == "" && i.buffering != nil {
		i.buffering.EnsureBuffering(link)
	}
}

func (i *Interceptor) cacheable(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if resp.ContentLength <= 0 || resp.ContentLength > i.cfg.MaxTeeBytes {
		return false
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return false
	}
	return !strings.Contains(strings.ToLower(resp.Header.Get("Cache-Control")), "no-store")
}
