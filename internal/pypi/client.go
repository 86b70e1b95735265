// Package pypi talks to a PyPI-style package index over its XML-RPC API and
// turns the records it returns into canonical release metadata.
//
// Three calls are used: package_releases lists the version strings of a
// package, release_data returns the metadata of one release and
// release_urls returns its distribution files together with their download
// counts.
package pypi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/kolo/xmlrpc"

	"github.com/packaginator/pypackage/internal/telemetry"
)

// DefaultTimeout bounds a single XML-RPC call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// RawRelease is a release_data record exactly as decoded from the index.
type RawRelease map[string]any

// DownloadRecord is one distribution file of a release as reported by release_urls.
type DownloadRecord struct {
	Filename    string
	PackageType string
	URL         string
	Size        int64
	Downloads   int64
}

// Client is an XML-RPC client for one package index endpoint. It holds no
// session state; every call opens its own request.
type Client struct {
	endpoint  string
	host      string
	timeout   time.Duration
	transport http.RoundTripper
	throttle  Throttle
}

// Option configures a Client
type Option func(*Client)

// WithTimeout bounds every call made by the client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTransport sets the RoundTripper used for XML-RPC requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

// WithThrottle delays each call through t, keyed by the index host.
func WithThrottle(t Throttle) Option {
	return func(c *Client) {
		c.throttle = t
	}
}

// NewClient creates a client for the XML-RPC endpoint at endpoint
// (e.g. https://pypi.python.org/pypi/).
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid index URL %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid index URL %q: scheme must be http or https", endpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid index URL %q: missing host", endpoint)
	}

	c := &Client{
		endpoint:  endpoint,
		host:      u.Host,
		timeout:   DefaultTimeout,
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the XML-RPC URL the client talks to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// ListReleaseVersions returns the version strings of name in index order.
// An unknown package yields an empty list.
func (c *Client) ListReleaseVersions(ctx context.Context, name string, includeHidden bool) ([]string, error) {
	var versions []string
	if err := c.call(ctx, "package_releases", []interface{}{name, includeHidden}, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// FetchReleaseMetadata returns the raw release_data record of one release.
func (c *Client) FetchReleaseMetadata(ctx context.Context, name, version string) (RawRelease, error) {
	var reply interface{}
	if err := c.call(ctx, "release_data", []interface{}{name, version}, &reply); err != nil {
		return nil, err
	}
	switch v := reply.(type) {
	case map[string]interface{}:
		return RawRelease(v), nil
	case nil:
		return RawRelease{}, nil
	default:
		return nil, fmt.Errorf("%w: release_data returned %T, want struct", ErrTransport, reply)
	}
}

// FetchDownloadRecords returns the distribution files of one release.
func (c *Client) FetchDownloadRecords(ctx context.Context, name, version string) ([]DownloadRecord, error) {
	var reply []interface{}
	if err := c.call(ctx, "release_urls", []interface{}{name, version}, &reply); err != nil {
		return nil, err
	}

	records := make([]DownloadRecord, 0, len(reply))
	for i, item := range reply {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: release_urls entry %d is %T, want struct", ErrTransport, i, item)
		}
		records = append(records, DownloadRecord{
			Filename:    stringField(m, "filename"),
			PackageType: stringField(m, "packagetype"),
			URL:         stringField(m, "url"),
			Size:        intField(m, "size"),
			Downloads:   intField(m, "downloads"),
		})
	}
	return records, nil
}

// call performs one XML-RPC method call bounded by the client timeout and ctx.
func (c *Client) call(ctx context.Context, method string, args []interface{}, reply interface{}) error {
	if c.throttle != nil {
		if err := c.throttle.Wait(ctx, c.host); err != nil {
			telemetry.IndexCallsTotal.WithLabelValues(method, "throttled").Inc()
			return fmt.Errorf("%w: %s: %w", ErrTransport, method, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rpc, err := xmlrpc.NewClient(c.endpoint, &contextTransport{ctx: ctx, base: c.transport})
	if err != nil {
		return fmt.Errorf("%w: failed to create xmlrpc client: %w", ErrTransport, err)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer rpc.Close()
		done <- rpc.Call(method, args, reply)
	}()

	select {
	case <-ctx.Done():
		telemetry.IndexCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		outcome := "error"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		telemetry.IndexCallsTotal.WithLabelValues(method, outcome).Inc()
		return fmt.Errorf("%w: %s: %w", ErrTransport, method, ctx.Err())
	case err := <-done:
		telemetry.IndexCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if err != nil {
			telemetry.IndexCallsTotal.WithLabelValues(method, "error").Inc()
			return fmt.Errorf("%w: %s: %w", ErrTransport, method, err)
		}
		telemetry.IndexCallsTotal.WithLabelValues(method, "ok").Inc()
		return nil
	}
}

// contextTransport binds every request of one call to its context so an
// abandoned call aborts its HTTP request. The xmlrpc codec only closes idle
// connections of a bare *http.Transport, so the wrapper also keeps the shared
// transport's keep-alive pool intact when the per-call client is closed.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}
