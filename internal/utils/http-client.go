package utils

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
)

type HTTPClientConfig struct {
	Timeout        time.Duration
	KATimeout      time.Duration
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	Headers        map[string]string
	BearerToken    string
	HighThreadMode bool // larger socket buffers for many parallel range requests
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type PrebufHTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

// NewPrebufHTTPClient builds a client whose Timeout bounds only the wait for
// response headers, so long bodies can stream. Callers bound whole requests
// through their context.
func NewPrebufHTTPClient(cfg HTTPClientConfig) *PrebufHTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		IdleConnTimeout:       cfg.KATimeout,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		DisableCompression:    true,
		MaxConnsPerHost:       0,
	}
	if cfg.HighThreadMode {
		transport.DialContext = (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Control: func(network, address string, c syscall.RawConn) error {
				return c.Control(func(fd uintptr) {
					setSocketOptions(fd, 1024*1024)
				})
			},
		}).DialContext
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err == nil {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	var rt http.RoundTripper = transport
	if cfg.BearerToken != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken, TokenType: "Bearer"}),
			Base:   transport,
		}
	}
	return &PrebufHTTPClient{
		client: &http.Client{Transport: rt},
		config: cfg,
	}
}

// Do sends req. A User-Agent already on the request (a proxied player's)
// wins over the configured one.
func (p *PrebufHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		ua := p.config.UserAgent
		if ua == "" {
			ua = ToolUserAgent
		}
		req.Header.Set("User-Agent", ua)
	}
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}
	return p.client.Do(req)
}

func (p *PrebufHTTPClient) CloseIdleConnections() {
	p.client.CloseIdleConnections()
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// CopyHeaders adds every end-to-end header of src to dst. Hop-by-hop headers
// and the ones listed in src's Connection header are skipped.
func CopyHeaders(dst, src http.Header) {
	listed := map[string]bool{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				listed[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for name, values := range src {
		key := http.CanonicalHeaderKey(name)
		if hopHeaders[key] || listed[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
