// Package auth runs the OAuth PKCE authorization flow and owns the live
// token for a provider.
package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"tasksync/internal/syncerr"
)

const (
	// AuthorizeTimeout bounds the interactive step. Expiry resolves as a
	// cancelled outcome, not an error.
	AuthorizeTimeout = 120 * time.Second

	// ExchangeTimeout bounds each token endpoint request.
	ExchangeTimeout = 30 * time.Second

	// expiryDelta refreshes a little before the server would reject.
	expiryDelta = 10 * time.Second
)

// State is the token lifecycle state.
type State int

const (
	Unauthenticated State = iota
	Authorizing
	Authorized
	Refreshing
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authorizing:
		return "authorizing"
	case Authorized:
		return "authorized"
	case Refreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Result is what an interactive authorization surface hands back.
type Result struct {
	Code      string
	State     string
	Error     string // OAuth error parameter, e.g. access_denied
	Cancelled bool
}

// Authorizer presents authURL to the user and waits for the redirect to
// redirectURL. Implementations return Result{Cancelled: true} when ctx ends.
type Authorizer interface {
	Authorize(ctx context.Context, authURL, redirectURL string) (Result, error)
}

// Outcome is the result of Manager.Authorize.
type Outcome struct {
	Token     *oauth2.Token
	Cancelled bool
}

// Logger is the logging interface used by the manager.
type Logger interface {
	Printf(format string, args ...any)
}

// Manager owns one provider's token. The token pointer is swapped under
// the lock and never mutated, so readers always see a complete token.
type Manager struct {
	provider   string
	oauth      *oauth2.Config
	authOpts   []oauth2.AuthCodeOption
	authorizer Authorizer
	store      TokenStore
	logger     Logger
	httpClient *http.Client
	timeout    time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	state State
	token *oauth2.Token

	refreshGroup singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuthorizer sets the interactive authorization surface.
func WithAuthorizer(a Authorizer) Option {
	return func(m *Manager) { m.authorizer = a }
}

// WithAuthCodeOptions adds options to the authorization URL, typically the
// provider's "offline access" parameter.
func WithAuthCodeOptions(opts ...oauth2.AuthCodeOption) Option {
	return func(m *Manager) { m.authOpts = append(m.authOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHTTPClient sets the client used for token endpoint requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Manager) { m.httpClient = hc }
}

// WithAuthorizeTimeout overrides AuthorizeTimeout.
func WithAuthorizeTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager and loads any stored token.
func NewManager(provider string, cfg *oauth2.Config, store TokenStore, opts ...Option) (*Manager, error) {
	m := &Manager{
		provider: provider,
		oauth:    cfg,
		store:    store,
		timeout:  AuthorizeTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	tok, err := store.Load()
	if err != nil {
		return nil, err
	}
	if tok != nil && (tok.AccessToken != "" || tok.RefreshToken != "") {
		m.token = tok
		m.state = Authorized
	}
	return m, nil
}

// Provider returns the provider name.
func (m *Manager) Provider() string { return m.provider }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Authorize runs the PKCE flow: verifier and challenge, anti-CSRF state,
// the interactive step, state check, and code exchange. User cancellation
// and timeout yield Outcome{Cancelled: true} with a nil error.
func (m *Manager) Authorize(ctx context.Context) (Outcome, error) {
	if m.authorizer == nil {
		return Outcome{}, syncerr.Newf(syncerr.ErrAuthorization, "auth.authorize", "no interactive authorizer for %s", m.provider)
	}

	m.mu.Lock()
	if m.state == Authorizing {
		m.mu.Unlock()
		return Outcome{}, syncerr.Newf(syncerr.ErrBusy, "auth.authorize", "authorization for %s already running", m.provider)
	}
	prev := m.state
	m.state = Authorizing
	m.mu.Unlock()

	outcome, err := m.authorize(ctx)
	if err != nil || outcome.Cancelled {
		m.mu.Lock()
		m.state = prev
		m.mu.Unlock()
	}
	return outcome, err
}

func (m *Manager) authorize(ctx context.Context) (Outcome, error) {
	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier()

	opts := append([]oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}, m.authOpts...)
	authURL := m.oauth.AuthCodeURL(state, opts...)

	actx, cancel := context.WithTimeout(ctx, m.timeout)
	res, err := m.authorizer.Authorize(actx, authURL, m.oauth.RedirectURL)
	timedOut := actx.Err() != nil
	cancel()

	switch {
	case err != nil && timedOut:
		m.logf("authorization for %s ended: %v", m.provider, err)
		return Outcome{Cancelled: true}, nil
	case err != nil:
		return Outcome{}, syncerr.New(syncerr.ErrAuthorization, "auth.authorize", err)
	case res.Cancelled, res.Error == "access_denied":
		m.logf("authorization for %s cancelled", m.provider)
		return Outcome{Cancelled: true}, nil
	case res.Error != "":
		return Outcome{}, syncerr.Newf(syncerr.ErrAuthorization, "auth.authorize", "provider returned %q", res.Error)
	case res.State != state:
		return Outcome{}, syncerr.Newf(syncerr.ErrAuthorization, "auth.authorize", "state mismatch")
	case res.Code == "":
		return Outcome{}, syncerr.Newf(syncerr.ErrProtocol, "auth.authorize", "no code in redirect")
	}

	xctx, cancelExchange := context.WithTimeout(m.oauthContext(ctx), ExchangeTimeout)
	defer cancelExchange()
	tok, err := m.oauth.Exchange(xctx, res.Code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Outcome{}, classifyTokenError("auth.exchange", err)
	}

	if err := m.store.Save(tok); err != nil {
		return Outcome{}, err
	}
	m.mu.Lock()
	m.token = tok
	m.state = Authorized
	m.mu.Unlock()
	m.logf("authorized %s", m.provider)
	return Outcome{Token: tok}, nil
}

// Token returns a usable access token, refreshing first when it has expired.
func (m *Manager) Token(ctx context.Context) (*oauth2.Token, error) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()

	if tok == nil {
		return nil, syncerr.Newf(syncerr.ErrAuthorization, "auth.token", "%s is not authorized", m.provider)
	}
	if m.valid(tok) {
		return tok, nil
	}
	return m.refresh(ctx, tok)
}

// Refresh forces a refresh, e.g. after the API rejected the access token.
// Concurrent callers share one token endpoint request.
func (m *Manager) Refresh(ctx context.Context) (*oauth2.Token, error) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()
	if tok == nil {
		return nil, syncerr.Newf(syncerr.ErrAuthorization, "auth.refresh", "%s is not authorized", m.provider)
	}
	return m.refresh(ctx, tok)
}

// refresh replaces stale. A caller that lost the race to an already
// finished refresh gets the newer token without another request.
func (m *Manager) refresh(ctx context.Context, stale *oauth2.Token) (*oauth2.Token, error) {
	ch := m.refreshGroup.DoChan("refresh", func() (any, error) {
		m.mu.Lock()
		cur := m.token
		if cur != stale && cur != nil && m.valid(cur) {
			m.mu.Unlock()
			return cur, nil
		}
		if cur == nil || cur.RefreshToken == "" {
			m.state = Unauthenticated
			m.mu.Unlock()
			return nil, syncerr.Newf(syncerr.ErrAuthorization, "auth.refresh", "no refresh token for %s", m.provider)
		}
		m.state = Refreshing
		m.mu.Unlock()

		// Shared by every waiter, so it must outlive the first caller's ctx.
		rctx, cancel := context.WithTimeout(m.oauthContext(context.WithoutCancel(ctx)), ExchangeTimeout)
		defer cancel()
		m.logf("refreshing %s token", m.provider)
		next, err := m.oauth.TokenSource(rctx, &oauth2.Token{RefreshToken: cur.RefreshToken}).Token()
		if err != nil {
			err = classifyTokenError("auth.refresh", err)
			m.mu.Lock()
			if errors.Is(err, syncerr.ErrAuthorization) {
				m.state = Unauthenticated
			} else {
				m.state = Authorized
			}
			m.mu.Unlock()
			m.logf("refresh of %s token failed: %v", m.provider, err)
			return nil, err
		}
		if next.RefreshToken == "" {
			next.RefreshToken = cur.RefreshToken
		}
		if err := m.store.Save(next); err != nil {
			m.logf("saving %s token: %v", m.provider, err)
		}

		m.mu.Lock()
		m.token = next
		m.state = Authorized
		m.mu.Unlock()
		return next, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, syncerr.New(syncerr.ErrCancelled, "auth.refresh", ctx.Err())
	}
}

// Logout forgets the token.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	m.state = Unauthenticated
	return m.store.Remove()
}

// Client returns an HTTP client that sends the manager's bearer token.
func (m *Manager) Client(ctx context.Context) *http.Client {
	return oauth2.NewClient(m.oauthContext(ctx), tokenSource{ctx: ctx, m: m})
}

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

func (s tokenSource) Token() (*oauth2.Token, error) { return s.m.Token(s.ctx) }

func (m *Manager) valid(tok *oauth2.Token) bool {
	if tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || m.now().Add(expiryDelta).Before(tok.Expiry)
}

func (m *Manager) oauthContext(ctx context.Context) context.Context {
	if m.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	return ctx
}

// classifyTokenError separates rejected grants, which need a new
// authorization, from network failures, which do not.
func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return syncerr.New(syncerr.ErrTransport, op, err)
		}
		return syncerr.New(syncerr.ErrAuthorization, op, err)
	}
	return syncerr.New(syncerr.ErrTransport, op, err)
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
