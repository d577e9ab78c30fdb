// Package engine wires the configured providers, the local store and the
// sync orchestrator together for the CLI.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"tasksync/internal/auth"
	"tasksync/internal/backend/caldav"
	"tasksync/internal/backend/dropbox"
	"tasksync/internal/backend/googletasks"
	"tasksync/internal/config"
	"tasksync/internal/logging"
	"tasksync/internal/service"
	"tasksync/internal/store/sqlite"
	"tasksync/internal/syncer"
)

// SettingCalDAVCollection stores the calendar chosen by discover --select.
const SettingCalDAVCollection = "caldav.collection_url"

// SettingGoogleList stores the task list chosen by discover --select.
const SettingGoogleList = "google.list_id"

// ErrNotConfigured is returned for a provider that is not set up.
var ErrNotConfigured = errors.New("provider not configured")

// Engine holds the wired components. Close releases them.
type Engine struct {
	Config   *config.Config
	Settings *config.Settings
	Store    *sqlite.Store
	Sync     *syncer.Orchestrator
	Logs     *logging.Sink

	// Auth holds one token manager per OAuth provider (dropbox, google).
	Auth map[service.ProviderID]*auth.Manager

	// CalDAV is set when todo_provider is caldav, even before a calendar
	// has been selected.
	CalDAV *caldav.Client

	// Google is set when todo_provider is google and authorization data exists.
	Google *googletasks.Client

	// Snapshots is set when Dropbox is configured.
	Snapshots *dropbox.SnapshotStore

	unavailable map[service.ProviderID]error
}

type options struct {
	settings    *config.Settings
	authorizer  auth.Authorizer
	httpClient  *http.Client
	dropboxURLs [2]string
	googleOpts  []option.ClientOption
}

// Option configures New.
type Option func(*options)

// WithSettings uses s instead of reading config.yaml.
func WithSettings(s *config.Settings) Option {
	return func(o *options) { o.settings = s }
}

// WithAuthorizer sets the interactive authorizer used by login.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(o *options) { o.authorizer = a }
}

// WithHTTPClient sets the HTTP client for CalDAV, Dropbox and token requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithDropboxURLs overrides the Dropbox API and content endpoints.
func WithDropboxURLs(apiURL, contentURL string) Option {
	return func(o *options) { o.dropboxURLs = [2]string{apiURL, contentURL} }
}

// WithGoogleOptions passes extra options to the Google Tasks service.
func WithGoogleOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.googleOpts = append(o.googleOpts, opts...) }
}

// New loads settings, opens the store and registers every configured
// provider. A provider whose configuration is incomplete is left out;
// Unavailable reports why.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	settings := o.settings
	if settings == nil {
		var err error
		if settings, err = cfg.LoadSettings(); err != nil {
			return nil, err
		}
	}
	if err := cfg.EnsureDir(); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	logs := logging.New(logging.Options{
		Path:       cfg.LogPath(settings),
		MaxSizeMB:  settings.Log.MaxSizeMB,
		MaxBackups: settings.Log.MaxBackups,
		Debug:      cfg.Debug,
	})

	store, err := sqlite.Open(cfg.DBPath())
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	e := &Engine{
		Config:      cfg,
		Settings:    settings,
		Store:       store,
		Logs:        logs,
		Auth:        make(map[service.ProviderID]*auth.Manager),
		unavailable: make(map[service.ProviderID]error),
	}
	e.Sync = syncer.New(store,
		syncer.WithStateStore(store),
		syncer.WithLogger(logs.Logger("sync")),
	)

	switch settings.TodoProvider {
	case config.TodoProviderCalDAV:
		err = e.wireCalDAV(ctx, &o)
	case config.TodoProviderGoogle:
		err = e.wireGoogle(ctx, &o)
	}
	if err == nil && settings.Dropbox.Enabled() {
		err = e.wireDropbox(&o)
	}
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) wireCalDAV(ctx context.Context, o *options) error {
	s := e.Settings.CalDAV
	copts := []caldav.Option{caldav.WithLogger(e.Logs.Logger("caldav"))}
	if o.httpClient != nil {
		copts = append(copts, caldav.WithHTTPClient(o.httpClient))
	}
	client, err := caldav.New(s.ServerURL, s.Username, s.Password, copts...)
	if err != nil {
		return err
	}
	e.CalDAV = client

	collection := s.CollectionURL
	if collection == "" {
		stored, _, err := e.Store.Setting(ctx, SettingCalDAVCollection)
		if err != nil {
			return err
		}
		collection = stored
	}
	if collection == "" {
		e.unavailable[service.ProviderCalDAV] = fmt.Errorf("%w: no calendar selected (run: tasksync discover --select <n>)", ErrNotConfigured)
		return nil
	}
	e.Sync.RegisterTodoProvider(service.ProviderCalDAV, caldav.NewTodoList(client, client.URL(collection)))
	return nil
}

func (e *Engine) wireGoogle(ctx context.Context, o *options) error {
	clientJSON, err := os.ReadFile(e.Config.OAuthClientPath())
	if err != nil {
		e.unavailable[service.ProviderGoogle] = fmt.Errorf("%w: missing %s", ErrNotConfigured, e.Config.OAuthClientPath())
		return nil
	}
	oc, err := auth.GoogleConfig(clientJSON, auth.DefaultRedirectURL)
	if err != nil {
		return err
	}
	m, err := e.newManager(service.ProviderGoogle, oc, o, auth.GoogleOffline...)
	if err != nil {
		return err
	}

	listID := e.Settings.Google.ListID
	if stored, ok, err := e.Store.Setting(ctx, SettingGoogleList); err != nil {
		return err
	} else if ok {
		listID = stored
	}
	gopts := append([]option.ClientOption(nil), o.googleOpts...)
	client, err := googletasks.New(context.Background(), m.Client(context.Background()), listID, gopts...)
	if err != nil {
		return err
	}
	e.Google = client
	e.Sync.RegisterTodoProvider(service.ProviderGoogle, client)
	return nil
}

func (e *Engine) wireDropbox(o *options) error {
	s := e.Settings.Dropbox
	m, err := e.newManager(service.ProviderDropbox, auth.DropboxConfig(s.AppKey, s.RedirectURL), o, auth.DropboxOffline...)
	if err != nil {
		return err
	}
	if s.Passphrase == "" {
		e.unavailable[service.ProviderDropbox] = fmt.Errorf("%w: dropbox.passphrase is empty", ErrNotConfigured)
		return nil
	}

	dopts := []dropbox.Option{dropbox.WithLogger(e.Logs.Logger("dropbox"))}
	if o.httpClient != nil {
		dopts = append(dopts, dropbox.WithHTTPClient(o.httpClient))
	}
	if o.dropboxURLs[0] != "" {
		dopts = append(dopts, dropbox.WithBaseURLs(o.dropboxURLs[0], o.dropboxURLs[1]))
	}
	e.Snapshots = dropbox.NewSnapshotStore(dropbox.New(m, dopts...), s.Folder, s.Passphrase)
	e.Sync.RegisterSnapshotProvider(service.ProviderDropbox, e.Snapshots)
	return nil
}

func (e *Engine) newManager(id service.ProviderID, oc *oauth2.Config, o *options, authOpts ...oauth2.AuthCodeOption) (*auth.Manager, error) {
	mopts := []auth.Option{
		auth.WithLogger(e.Logs.Logger("auth")),
		auth.WithAuthCodeOptions(authOpts...),
	}
	if o.authorizer != nil {
		mopts = append(mopts, auth.WithAuthorizer(o.authorizer))
	}
	if o.httpClient != nil {
		mopts = append(mopts, auth.WithHTTPClient(o.httpClient))
	}
	store := auth.FileTokenStore{Path: e.Config.TokenPath(string(id))}
	m, err := auth.NewManager(string(id), oc, store, mopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s token: %w", id, err)
	}
	e.Auth[id] = m
	return m, nil
}

// Providers returns the registered providers followed by the configured
// but unavailable ones, sorted by name.
func (e *Engine) Providers() []service.ProviderID {
	ids := e.Sync.Providers()
	for id := range e.unavailable {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Unavailable reports why a configured provider was not registered, or nil.
func (e *Engine) Unavailable(id service.ProviderID) error {
	return e.unavailable[id]
}

// Manager returns the token manager of an OAuth provider.
func (e *Engine) Manager(id service.ProviderID) (*auth.Manager, error) {
	m, ok := e.Auth[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, id)
	}
	return m, nil
}

// Close stops auto-sync timers and releases the store and log file.
func (e *Engine) Close() error {
	if e.Sync != nil {
		e.Sync.StopAll()
	}
	var errs []error
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	if e.Logs != nil {
		errs = append(errs, e.Logs.Close())
	}
	return errors.Join(errs...)
}
