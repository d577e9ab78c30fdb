package auth_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"tasksync/internal/auth"
	"tasksync/internal/syncerr"
)

// tokenServer is a fake OAuth token endpoint.
type tokenServer struct {
	*httptest.Server

	mu        sync.Mutex
	challenge string // S256 challenge seen on the authorization URL
	refreshes atomic.Int32

	// rejectRefresh answers refresh grants with invalid_grant.
	rejectRefresh bool
	// refreshDelay slows refresh grants so concurrent callers pile up.
	refreshDelay time.Duration
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		ts.mu.Lock()
		want := ts.challenge
		ts.mu.Unlock()
		if base64.RawURLEncoding.EncodeToString(sum[:]) != want || r.PostForm.Get("code") != "the-code" {
			writeTokenError(w, "invalid_grant")
			return
		}
		writeToken(w, map[string]any{"access_token": "access-1", "refresh_token": "refresh-1", "expires_in": 3600})
	case "refresh_token":
		ts.refreshes.Add(1)
		time.Sleep(ts.refreshDelay)
		if ts.rejectRefresh || r.PostForm.Get("refresh_token") != "refresh-1" {
			writeTokenError(w, "invalid_grant")
			return
		}
		// No refresh_token in the response: the old one stays valid.
		writeToken(w, map[string]any{"access_token": "access-2", "expires_in": 3600})
	default:
		writeTokenError(w, "unsupported_grant_type")
	}
}

func writeToken(w http.ResponseWriter, body map[string]any) {
	body["token_type"] = "bearer"
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func writeTokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func (ts *tokenServer) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    "app-key",
		RedirectURL: "http://127.0.0.1:8085/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   ts.URL + "/authorize",
			TokenURL:  ts.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// fakeAuthorizer answers like a browser that completed the consent screen.
type fakeAuthorizer struct {
	ts      *tokenServer
	respond func(authURL *url.URL) auth.Result
	block   bool
	calls   int
}

func (f *fakeAuthorizer) Authorize(ctx context.Context, authURL, redirectURL string) (auth.Result, error) {
	f.calls++
	u, err := url.Parse(authURL)
	if err != nil {
		return auth.Result{}, err
	}
	if f.ts != nil {
		f.ts.mu.Lock()
		f.ts.challenge = u.Query().Get("code_challenge")
		f.ts.mu.Unlock()
	}
	if f.block {
		<-ctx.Done()
		return auth.Result{Cancelled: true}, nil
	}
	if f.respond != nil {
		return f.respond(u), nil
	}
	return auth.Result{Code: "the-code", State: u.Query().Get("state")}, nil
}

func expiredToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "access-0",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(-time.Hour),
	}
}

func TestAuthorizeSuccess(t *testing.T) {
	ts := newTokenServer(t)
	path := filepath.Join(t.TempDir(), "dropbox_token.json")
	authorizer := &fakeAuthorizer{ts: ts}
	var gotURL string
	authorizer.respond = func(u *url.URL) auth.Result {
		gotURL = u.String()
		return auth.Result{Code: "the-code", State: u.Query().Get("state")}
	}

	m, err := auth.NewManager("dropbox", ts.config(), auth.FileTokenStore{Path: path},
		auth.WithAuthorizer(authorizer),
		auth.WithAuthCodeOptions(auth.DropboxOffline...),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if m.State() != auth.Unauthenticated {
		t.Errorf("expected unauthenticated, got %v", m.State())
	}

	outcome, err := m.Authorize(context.Background())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if outcome.Cancelled || outcome.Token == nil || outcome.Token.AccessToken != "access-1" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if m.State() != auth.Authorized {
		t.Errorf("expected authorized, got %v", m.State())
	}

	for _, want := range []string{"code_challenge_method=S256", "token_access_type=offline", "state="} {
		if !strings.Contains(gotURL, want) {
			t.Errorf("expected authorization URL to contain %q, got %s", want, gotURL)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("token file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected token file mode 0600, got %o", perm)
	}
	stored, err := auth.FileTokenStore{Path: path}.Load()
	if err != nil || stored == nil || stored.RefreshToken != "refresh-1" {
		t.Errorf("expected stored refresh token, got %+v (err %v)", stored, err)
	}
}

func TestAuthorizeStateMismatch(t *testing.T) {
	ts := newTokenServer(t)
	authorizer := &fakeAuthorizer{ts: ts, respond: func(u *url.URL) auth.Result {
		return auth.Result{Code: "the-code", State: "forged"}
	}}
	m, err := auth.NewManager("dropbox", ts.config(), &auth.MemoryTokenStore{}, auth.WithAuthorizer(authorizer))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = m.Authorize(context.Background())
	if !errors.Is(err, syncerr.ErrAuthorization) {
		t.Errorf("expected authorization error, got %v", err)
	}
	if m.State() != auth.Unauthenticated {
		t.Errorf("expected unauthenticated after failure, got %v", m.State())
	}
}

func TestAuthorizeUserCancel(t *testing.T) {
	ts := newTokenServer(t)
	for _, res := range []auth.Result{{Cancelled: true}, {Error: "access_denied"}} {
		authorizer := &fakeAuthorizer{ts: ts, respond: func(*url.URL) auth.Result { return res }}
		m, err := auth.NewManager("dropbox", ts.config(), &auth.MemoryTokenStore{}, auth.WithAuthorizer(authorizer))
		if err != nil {
			t.Fatalf("new manager: %v", err)
		}
		outcome, err := m.Authorize(context.Background())
		if err != nil {
			t.Errorf("%+v: expected no error, got %v", res, err)
		}
		if !outcome.Cancelled {
			t.Errorf("%+v: expected cancelled outcome", res)
		}
	}
}

func TestAuthorizeTimeoutIsCancelled(t *testing.T) {
	ts := newTokenServer(t)
	m, err := auth.NewManager("dropbox", ts.config(), &auth.MemoryTokenStore{},
		auth.WithAuthorizer(&fakeAuthorizer{ts: ts, block: true}),
		auth.WithAuthorizeTimeout(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	outcome, err := m.Authorize(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !outcome.Cancelled {
		t.Error("expected cancelled outcome on timeout")
	}
	if m.State() != auth.Unauthenticated {
		t.Errorf("expected unauthenticated, got %v", m.State())
	}
}

func TestTokenRefreshesWhenExpired(t *testing.T) {
	ts := newTokenServer(t)
	store := &auth.MemoryTokenStore{Token: expiredToken()}
	m, err := auth.NewManager("dropbox", ts.config(), store)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.AccessToken != "access-2" {
		t.Errorf("expected refreshed access token, got %q", tok.AccessToken)
	}
	if tok.RefreshToken != "refresh-1" {
		t.Errorf("expected refresh token to be kept, got %q", tok.RefreshToken)
	}
	if store.Token == nil || store.Token.AccessToken != "access-2" {
		t.Error("expected refreshed token to be saved")
	}

	// Still valid: no second refresh.
	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	if got := ts.refreshes.Load(); got != 1 {
		t.Errorf("expected 1 refresh, got %d", got)
	}
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	ts := newTokenServer(t)
	ts.refreshDelay = 50 * time.Millisecond
	m, err := auth.NewManager("dropbox", ts.config(), &auth.MemoryTokenStore{Token: expiredToken()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	errs := make([]error, 10)
	for i := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			errs[i] = err
			if tok != nil {
				tokens[i] = tok.AccessToken
			}
		}()
	}
	wg.Wait()

	for i := range tokens {
		if errs[i] != nil {
			t.Errorf("caller %d: unexpected error %v", i, errs[i])
		}
		if tokens[i] != "access-2" {
			t.Errorf("caller %d: expected access-2, got %q", i, tokens[i])
		}
	}
	if got := ts.refreshes.Load(); got != 1 {
		t.Errorf("expected exactly 1 refresh request, got %d", got)
	}
}

func TestRefreshRejectedNeedsReauthorization(t *testing.T) {
	ts := newTokenServer(t)
	ts.rejectRefresh = true
	m, err := auth.NewManager("dropbox", ts.config(), &auth.MemoryTokenStore{Token: expiredToken()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = m.Token(context.Background())
	if !errors.Is(err, syncerr.ErrAuthorization) {
		t.Errorf("expected authorization error, got %v", err)
	}
	if m.State() != auth.Unauthenticated {
		t.Errorf("expected unauthenticated after rejected refresh, got %v", m.State())
	}
}

func TestRefreshNetworkFailureStaysAuthorized(t *testing.T) {
	ts := newTokenServer(t)
	cfg := ts.config()
	ts.Close()

	m, err := auth.NewManager("dropbox", cfg, &auth.MemoryTokenStore{Token: expiredToken()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	_, err = m.Refresh(context.Background())
	if !errors.Is(err, syncerr.ErrTransport) {
		t.Errorf("expected transport error, got %v", err)
	}
	if m.State() != auth.Authorized {
		t.Errorf("expected to stay authorized, got %v", m.State())
	}
}

func TestTokenWithoutAuthorization(t *testing.T) {
	m, err := auth.NewManager("dropbox", &oauth2.Config{}, &auth.MemoryTokenStore{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.Token(context.Background()); !errors.Is(err, syncerr.ErrAuthorization) {
		t.Errorf("expected authorization error, got %v", err)
	}
}

func TestLogoutRemovesToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tok.json")
	store := auth.FileTokenStore{Path: path}
	if err := store.Save(expiredToken()); err != nil {
		t.Fatalf("save: %v", err)
	}
	m, err := auth.NewManager("dropbox", &oauth2.Config{}, store)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if m.State() != auth.Authorized {
		t.Errorf("expected authorized from stored token, got %v", m.State())
	}

	if err := m.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected token file to be removed, got %v", err)
	}
	if m.State() != auth.Unauthenticated {
		t.Errorf("expected unauthenticated, got %v", m.State())
	}
	// Idempotent.
	if err := m.Logout(); err != nil {
		t.Errorf("second logout: %v", err)
	}
}

func TestClientSendsBearer(t *testing.T) {
	var got string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer api.Close()

	tok := &oauth2.Token{AccessToken: "live", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}
	m, err := auth.NewManager("google", &oauth2.Config{}, &auth.MemoryTokenStore{Token: tok})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	resp, err := m.Client(context.Background()).Get(api.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if got != "Bearer live" {
		t.Errorf("expected bearer header, got %q", got)
	}
}
