// Package dropbox stores the encrypted state snapshot in a Dropbox app folder.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	dbxauth "github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/auth"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"golang.org/x/oauth2"

	"tasksync/internal/backend/httpretry"
	"tasksync/internal/syncerr"
)

const (
	DefaultAPIURL     = "https://api.dropboxapi.com/2"
	DefaultContentURL = "https://content.dropboxapi.com/2"

	// DefaultTimeout bounds each HTTP request.
	DefaultTimeout = 30 * time.Second

	maxBodySize = 64 << 20
)

// TokenSource supplies bearer tokens. Refresh forces a new access token
// after the API rejected the current one.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
	Refresh(ctx context.Context) (*oauth2.Token, error)
}

// Logger is the logging interface used by the client.
type Logger interface {
	Printf(format string, args ...any)
}

// Client wraps the Dropbox SDK files client with token refresh, retries
// and syncerr classification.
type Client struct {
	apiURL     string
	contentURL string
	tokens     TokenSource
	httpClient *http.Client
	timeout    time.Duration
	retry      httpretry.Policy
	logger     Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURLs overrides the API and content endpoints.
func WithBaseURLs(apiURL, contentURL string) Option {
	return func(c *Client) {
		c.apiURL = strings.TrimRight(apiURL, "/")
		c.contentURL = strings.TrimRight(contentURL, "/")
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy sets the transport retry policy.
func WithRetryPolicy(p httpretry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client authenticated by tokens.
func New(tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		apiURL:     DefaultAPIURL,
		contentURL: DefaultContentURL,
		tokens:     tokens,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		retry:      httpretry.Default,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Metadata describes a file or folder.
type Metadata struct {
	Tag         string
	Name        string
	PathDisplay string
	Rev         string
	Size        int64
	Modified    time.Time
}

func fileMetadata(m *files.FileMetadata) Metadata {
	return Metadata{
		Tag:         "file",
		Name:        m.Name,
		PathDisplay: m.PathDisplay,
		Rev:         m.Rev,
		Size:        int64(m.Size),
		Modified:    m.ServerModified,
	}
}

func entryMetadata(e files.IsMetadata) (Metadata, bool) {
	switch m := e.(type) {
	case *files.FileMetadata:
		return fileMetadata(m), true
	case *files.FolderMetadata:
		return Metadata{Tag: "folder", Name: m.Name, PathDisplay: m.PathDisplay}, true
	default:
		return Metadata{}, false
	}
}

// Upload writes data to path. An empty rev creates the file ("add" mode);
// otherwise the write only succeeds if the current revision equals rev.
// Returns the new revision.
func (c *Client) Upload(ctx context.Context, path string, data []byte, rev string) (string, error) {
	arg := files.NewUploadArg(path)
	arg.Mute = true
	if rev != "" {
		arg.Mode = &files.WriteMode{Tagged: dropbox.Tagged{Tag: files.WriteModeUpdate}, Update: rev}
	} else {
		arg.Mode = &files.WriteMode{Tagged: dropbox.Tagged{Tag: files.WriteModeAdd}}
	}

	var meta *files.FileMetadata
	err := c.call(ctx, "dropbox.upload", path, func(fc files.Client) (err error) {
		meta, err = fc.Upload(arg, bytes.NewReader(data))
		return err
	})
	if err != nil {
		return "", err
	}
	if meta == nil {
		return "", syncerr.Newf(syncerr.ErrProtocol, "dropbox.upload", "no metadata returned").WithItem(path)
	}
	return meta.Rev, nil
}

// Download returns the file content and its revision.
func (c *Client) Download(ctx context.Context, path string) ([]byte, string, error) {
	var data []byte
	var meta *files.FileMetadata
	err := c.call(ctx, "dropbox.download", path, func(fc files.Client) error {
		m, content, err := fc.Download(files.NewDownloadArg(path))
		if err != nil {
			return err
		}
		defer content.Close()
		b, err := io.ReadAll(io.LimitReader(content, maxBodySize))
		if err != nil {
			return err
		}
		data, meta = b, m
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if meta == nil {
		return nil, "", syncerr.Newf(syncerr.ErrProtocol, "dropbox.download", "missing result metadata").WithItem(path)
	}
	return data, meta.Rev, nil
}

// ListFolder returns every entry of folder, following cursors. Deleted
// entries are left out.
func (c *Client) ListFolder(ctx context.Context, folder string) ([]Metadata, error) {
	var page *files.ListFolderResult
	err := c.call(ctx, "dropbox.list_folder", folder, func(fc files.Client) (err error) {
		page, err = fc.ListFolder(files.NewListFolderArg(folder))
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []Metadata
	for {
		for _, e := range page.Entries {
			if m, ok := entryMetadata(e); ok {
				out = append(out, m)
			}
		}
		if !page.HasMore {
			return out, nil
		}
		cursor := page.Cursor
		err := c.call(ctx, "dropbox.list_folder", folder, func(fc files.Client) (err error) {
			page, err = fc.ListFolderContinue(files.NewListFolderContinueArg(cursor))
			return err
		})
		if err != nil {
			return nil, err
		}
	}
}

// Delete removes path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.call(ctx, "dropbox.delete", path, func(fc files.Client) error {
		_, err := fc.DeleteV2(files.NewDeleteArg(path))
		return err
	})
}

// call runs fn against a files client bound to ctx and the current token.
// Transport failures, 429 and 5xx are retried within the retry policy; a
// 401 triggers one token refresh and one more attempt.
func (c *Client) call(ctx context.Context, op, item string, fn func(files.Client) error) error {
	refreshed := false
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return syncerr.New(syncerr.ErrCancelled, op, err)
		}
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}

		err = fn(c.filesClient(ctx, tok))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return syncerr.New(syncerr.ErrCancelled, op, ctx.Err())
		}

		f := inspect(err)
		switch {
		case f.status == http.StatusUnauthorized && !refreshed:
			refreshed = true
			c.logf("%s: access token rejected, refreshing", op)
			if _, err := c.tokens.Refresh(ctx); err != nil {
				return err
			}
			continue
		case f.retryable() && attempt < c.retry.MaxRetries:
			c.logf("%s: %v (retrying)", op, err)
			if waitErr := httpretry.Wait(ctx, c.retry.Delay(attempt+1, f.retryAfter)); waitErr != nil {
				return syncerr.New(syncerr.ErrCancelled, op, waitErr)
			}
			continue
		default:
			return f.classify(op, err).WithItem(item)
		}
	}
}

// filesClient returns an SDK client whose requests carry ctx and tok.
func (c *Client) filesClient(ctx context.Context, tok *oauth2.Token) files.Client {
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(tok),
			Base:   contextTransport{ctx: ctx, base: base},
		},
	}
	return files.New(dropbox.Config{Client: hc, URLGenerator: c.endpoint})
}

// endpoint maps SDK routes onto the configured base URLs.
func (c *Client) endpoint(hostType, namespace, route string) string {
	base := c.apiURL
	if hostType == "content" {
		base = c.contentURL
	}
	return base + "/" + namespace + "/" + route
}

// contextTransport attaches ctx to requests the SDK builds without one.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

// failure is what the client needs to know about an SDK error.
type failure struct {
	status     int // 0 for transport failures
	summary    string
	retryAfter string
}

// inspect unpacks the SDK error types. Endpoint errors (HTTP 409) arrive
// as route-specific types; only their error_summary is used.
func inspect(err error) failure {
	var (
		authErr   dbxauth.AuthAPIError
		accessErr dbxauth.AccessAPIError
		rateErr   dbxauth.RateLimitAPIError
		sdkErr    dropbox.SDKInternalError
		urlErr    *url.Error
	)
	switch {
	case errors.As(err, &authErr):
		return failure{status: http.StatusUnauthorized, summary: authErr.ErrorSummary}
	case errors.As(err, &accessErr):
		return failure{status: http.StatusForbidden, summary: accessErr.ErrorSummary}
	case errors.As(err, &rateErr):
		f := failure{status: http.StatusTooManyRequests, summary: rateErr.ErrorSummary}
		if rateErr.RateLimitError != nil && rateErr.RateLimitError.RetryAfter > 0 {
			f.retryAfter = strconv.FormatUint(rateErr.RateLimitError.RetryAfter, 10)
		}
		return f
	case errors.As(err, &sdkErr):
		return failure{status: sdkErr.StatusCode, summary: errorSummary(sdkErr.Content)}
	case errors.As(err, &urlErr):
		return failure{summary: urlErr.Error()}
	default:
		return failure{status: http.StatusConflict, summary: err.Error()}
	}
}

func (f failure) retryable() bool {
	return f.status == 0 || httpretry.RetryableStatus(f.status)
}

// classify maps a failure onto a syncerr kind. Endpoint failures carry an
// error_summary such as "path/not_found/..".
func (f failure) classify(op string, err error) *syncerr.Error {
	if f.status == 0 {
		return syncerr.New(syncerr.ErrTransport, op, err)
	}
	cause := fmt.Errorf("HTTP %d: %s", f.status, f.summary)
	if f.status == http.StatusConflict {
		switch {
		case strings.Contains(f.summary, "not_found"):
			return syncerr.New(syncerr.ErrNotFound, op, cause)
		case strings.Contains(f.summary, "conflict"):
			return syncerr.New(syncerr.ErrConflict, op, cause)
		default:
			return syncerr.New(syncerr.ErrProtocol, op, cause)
		}
	}
	kind := syncerr.FromStatus(f.status)
	if kind == nil {
		kind = syncerr.ErrProtocol
	}
	return syncerr.New(kind, op, cause)
}

func errorSummary(content string) string {
	var payload struct {
		ErrorSummary string `json:"error_summary"`
	}
	if json.Unmarshal([]byte(content), &payload) == nil && payload.ErrorSummary != "" {
		return payload.ErrorSummary
	}
	return strings.TrimSpace(content)
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
