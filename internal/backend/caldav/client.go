// Package caldav implements todo sync against CalDAV servers.
package caldav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tasksync/internal/backend/httpretry"
	"tasksync/internal/syncerr"
)

const (
	// DefaultTimeout bounds each HTTP request.
	DefaultTimeout = 30 * time.Second

	// maxBodySize caps response bodies read into memory.
	maxBodySize = 32 << 20

	userAgent = "tasksync-caldav/1"
)

// Logger is the logging interface used by the client.
type Logger interface {
	Printf(format string, args ...any)
}

// Client talks to one CalDAV server with Basic authentication.
type Client struct {
	root       string // server root without trailing slash
	username   string
	password   string
	httpClient *http.Client
	timeout    time.Duration
	retry      httpretry.Policy
	logger     Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetryPolicy sets the transport retry policy.
func WithRetryPolicy(p httpretry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock sets the clock used for UID suffixes.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for serverURL.
func New(serverURL, username, password string, opts ...Option) (*Client, error) {
	serverURL = strings.TrimSpace(serverURL)
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url: %q", serverURL)
	}
	c := &Client{
		root:       strings.TrimRight(serverURL, "/"),
		username:   username,
		password:   password,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		retry:      httpretry.Default,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Root returns the server root URL.
func (c *Client) Root() string {
	return c.root
}

// URL resolves p against the server root. See JoinURL.
func (c *Client) URL(p string) string {
	return JoinURL(c.root, p)
}

// JoinURL joins a server root and a path without doubled or missing
// slashes. Absolute URLs are returned unchanged. Absolute paths that
// already start with the root's path (as hrefs in multistatus bodies do)
// are resolved against the root's host only.
func JoinURL(root, p string) string {
	root = strings.TrimRight(root, "/")
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if p == "" || p == "/" {
		return root + "/"
	}
	if strings.HasPrefix(p, "/") {
		if u, err := url.Parse(root); err == nil {
			base := strings.TrimRight(u.Path, "/")
			if base == "" || p == base || strings.HasPrefix(p, base+"/") {
				return u.Scheme + "://" + u.Host + p
			}
		}
	}
	return root + "/" + strings.TrimLeft(p, "/")
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends one request, retrying transport failures and 429/5xx within the
// retry policy. Non-retryable statuses are returned to the caller as-is.
func (c *Client) do(ctx context.Context, op, method, target string, header http.Header, body []byte) (*response, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, syncerr.New(syncerr.ErrCancelled, op, err)
		}

		resp, err := c.send(ctx, method, target, header, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, syncerr.New(syncerr.ErrCancelled, op, ctx.Err())
			}
			if attempt < c.retry.MaxRetries {
				c.logf("%s %s: %v (retrying)", method, target, err)
				if waitErr := httpretry.Wait(ctx, c.retry.Delay(attempt+1, "")); waitErr != nil {
					return nil, syncerr.New(syncerr.ErrCancelled, op, waitErr)
				}
				continue
			}
			return nil, syncerr.New(syncerr.ErrTransport, op, err).WithItem(target)
		}

		if httpretry.RetryableStatus(resp.status) && attempt < c.retry.MaxRetries {
			c.logf("%s %s: HTTP %d (retrying)", method, target, resp.status)
			if waitErr := httpretry.Wait(ctx, c.retry.Delay(attempt+1, resp.header.Get("Retry-After"))); waitErr != nil {
				return nil, syncerr.New(syncerr.ErrCancelled, op, waitErr)
			}
			continue
		}
		return resp, nil
	}
}

func (c *Client) send(ctx context.Context, method, target string, header http.Header, body []byte) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// statusError classifies a non-success response.
func statusError(op, item string, resp *response) error {
	kind := syncerr.FromStatus(resp.status)
	if kind == nil {
		kind = syncerr.ErrProtocol
	}
	msg := strings.TrimSpace(string(resp.body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := syncerr.New(kind, op, fmt.Errorf("HTTP %d %s", resp.status, msg))
	if item != "" {
		err = err.WithItem(item)
	}
	return err
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// isAuthError reports whether err is an authorization failure.
func isAuthError(err error) bool {
	return errors.Is(err, syncerr.ErrAuthorization)
}

func xmlHeader(depth string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/xml; charset=utf-8")
	if depth != "" {
		h.Set("Depth", depth)
	}
	return h
}
