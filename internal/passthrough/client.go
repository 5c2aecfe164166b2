// Package passthrough forwards requests to real upstream services over TLS.
package passthrough

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/http2"
)

const (
	// DefaultTimeout bounds connecting to and awaiting headers from an upstream.
	DefaultTimeout = 30 * time.Second
	// MaxRetries caps the configurable retry count.
	MaxRetries = 3
)

// ErrNoUpstream is returned when no upstream prefix covers the request path.
var ErrNoUpstream = errors.New("no upstream configured for path")

// Kind classifies upstream failures.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindConnection Kind = "connection"
	KindProtocol   Kind = "protocol"
)

// UpstreamError reports a failed forward.
type UpstreamError struct {
	Kind     Kind
	Upstream string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s error after %d attempt(s): %v", e.Upstream, e.Kind, e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// UpstreamConfig declares one upstream route.
type UpstreamConfig struct {
	Prefix      string
	URL         string
	StripPrefix bool
}

// Upstream is a validated upstream route.
type Upstream struct {
	Prefix      string
	URL         *url.URL
	StripPrefix bool
}

// Options configure a Client.
type Options struct {
	Upstreams    []UpstreamConfig
	Timeout      time.Duration
	MaxRetries   int
	PreserveHost bool
	// RootCAs replaces the system trust store when set.
	RootCAs *x509.CertPool
	// DropHeaders are request headers the simulator consumes; they never
	// reach an upstream.
	DropHeaders []string
	Logger      *slog.Logger
}

// Client forwards requests to the upstream owning the longest matching prefix.
type Client struct {
	upstreams    []Upstream
	client       *http.Client
	maxRetries   int
	preserveHost bool
	dropHeaders  []string
	logger       *slog.Logger
}

// New creates a pass-through client. Every upstream must use https.
func New(opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if retries > MaxRetries {
		retries = MaxRetries
	}

	var ups []Upstream
	seen := make(map[string]bool)
	for _, cfg := range opts.Upstreams {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream url %q: %w", cfg.URL, err)
		}
		if u.Scheme != "https" || u.Host == "" {
			return nil, fmt.Errorf("upstream %q must be an https url", cfg.URL)
		}
		prefix := cfg.Prefix
		if prefix == "" {
			prefix = "/"
		}
		if !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("upstream prefix %q must start with /", cfg.Prefix)
		}
		if seen[prefix] {
			return nil, fmt.Errorf("duplicate upstream prefix %q", prefix)
		}
		seen[prefix] = true
		ups = append(ups, Upstream{Prefix: prefix, URL: u, StripPrefix: cfg.StripPrefix})
	}
	// Longest prefix first
	sort.SliceStable(ups, func(i, j int) bool {
		return len(ups[i].Prefix) > len(ups[j].Prefix)
	})

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			RootCAs:    opts.RootCAs,
			MinVersion: tls.VersionTLS12,
		},
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   16,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to configure http2: %w", err)
	}

	return &Client{
		upstreams: ups,
		client: &http.Client{
			Transport: transport,
			// Redirects are relayed to the client unchanged.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxRetries:   retries,
		preserveHost: opts.PreserveHost,
		dropHeaders:  opts.DropHeaders,
		logger:       opts.Logger,
	}, nil
}

// Upstreams returns the routes, longest prefix first.
func (c *Client) Upstreams() []Upstream {
	return c.upstreams
}

// Route returns the upstream whose prefix is the longest match for path.
// A prefix matches on a segment boundary.
func (c *Client) Route(path string) (*Upstream, bool) {
	for i := range c.upstreams {
		up := &c.upstreams[i]
		if hasPathPrefix(path, up.Prefix) {
			return up, true
		}
	}
	return nil, false
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// Forward sends r, with its already-read body, to the routed upstream. The
// caller must close the returned response body.
func (c *Client) Forward(ctx context.Context, r *http.Request, body []byte) (*http.Response, error) {
	up, ok := c.Route(r.URL.Path)
	if !ok {
		return nil, ErrNoUpstream
	}
	target := up.target(r.URL)

	attempts := 1
	if isIdempotent(r.Method) {
		attempts += c.maxRetries
	}

	var lastErr error
	var kind Kind
	for attempt := 1; attempt <= attempts; attempt++ {
		outReq, err := c.outgoing(ctx, r, target, body)
		if err != nil {
			return nil, &UpstreamError{Kind: KindProtocol, Upstream: up.URL.Host, Attempts: attempt, Err: err}
		}

		resp, err := c.client.Do(outReq)
		if err == nil {
			RemoveHopByHopHeaders(resp.Header)
			return resp, nil
		}

		lastErr = err
		kind = classify(ctx, err)
		if kind != KindConnection || attempt == attempts || ctx.Err() != nil {
			return nil, &UpstreamError{Kind: kind, Upstream: up.URL.Host, Attempts: attempt, Err: lastErr}
		}
		c.logger.Debug("retrying upstream request",
			"upstream", up.URL.Host, "method", r.Method, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, &UpstreamError{Kind: KindTimeout, Upstream: up.URL.Host, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return nil, &UpstreamError{Kind: kind, Upstream: up.URL.Host, Attempts: attempts, Err: lastErr}
}

// target builds the upstream URL for an inbound request URL.
func (up *Upstream) target(in *url.URL) *url.URL {
	p := in.Path
	if up.StripPrefix && up.Prefix != "/" {
		p = strings.TrimPrefix(p, strings.TrimSuffix(up.Prefix, "/"))
		if p == "" {
			p = "/"
		}
	}
	out := *up.URL
	out.Path = joinPath(up.URL.Path, p)
	out.RawPath = ""
	out.RawQuery = in.RawQuery
	out.Fragment = ""
	return &out
}

func joinPath(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case a == "":
		return b
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func (c *Client) outgoing(ctx context.Context, r *http.Request, target *url.URL, body []byte) (*http.Request, error) {
	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), rdr)
	if err != nil {
		return nil, err
	}

	// Copy headers
	copyHeaders(outReq.Header, r.Header)

	// Remove hop-by-hop headers
	RemoveHopByHopHeaders(outReq.Header)
	for _, name := range c.dropHeaders {
		outReq.Header.Del(name)
	}

	// Set X-Forwarded headers
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		outReq.Header.Set("X-Forwarded-For", ip)
	}
	outReq.Header.Set("X-Forwarded-Host", r.Host)

	if c.preserveHost {
		outReq.Host = r.Host
	}
	return outReq, nil
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHopHeaders removes headers that should not be forwarded,
// including any named by the Connection header.
func RemoveHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace,
		http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// classify maps a transport error to an error kind.
func classify(ctx context.Context, err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}

	var certErr *tls.CertificateVerificationError
	var authErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	var recordErr tls.RecordHeaderError
	switch {
	case errors.As(err, &certErr), errors.As(err, &authErr), errors.As(err, &hostErr),
		errors.As(err, &invalidErr), errors.As(err, &recordErr):
		return KindProtocol
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return KindConnection
	}
	return KindProtocol
}
