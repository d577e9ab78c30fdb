// Package syncer drives pull, merge and push cycles between the local store
// and the registered providers.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tasksync/internal/conflict"
	"tasksync/internal/service"
	"tasksync/internal/syncerr"
)

// ErrUnknownProvider is returned for a provider that was never registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrDisabled is returned when syncing a provider that was disabled.
var ErrDisabled = errors.New("provider is disabled")

// Logger is the logging interface used by the orchestrator.
type Logger interface {
	Printf(format string, args ...any)
}

// ProviderSyncState is the persisted per-provider sync state. It is created
// on first use and only cleared by Reset.
type ProviderSyncState struct {
	Enabled     bool            `json:"enabled"`
	AutoSync    bool            `json:"autoSync"`
	Interval    time.Duration   `json:"interval,omitempty"`
	LastSync    time.Time       `json:"lastSync,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	Policy      conflict.Policy `json:"policy"`
	NeedsReauth bool            `json:"needsReauth,omitempty"`
	Revision    string          `json:"revision,omitempty"` // last object-store revision seen
}

// StateStore persists ProviderSyncState.
type StateStore interface {
	LoadProviderState(ctx context.Context, id service.ProviderID) (ProviderSyncState, bool, error)
	SaveProviderState(ctx context.Context, id service.ProviderID, state ProviderSyncState) error
	DeleteProviderState(ctx context.Context, id service.ProviderID) error
}

// Conflict is a pair of versions the policy did not settle.
type Conflict struct {
	TaskID         string
	RemoteUID      string
	LocalModified  time.Time
	RemoteModified time.Time
	Reason         string
}

// ItemError is a failure confined to one item.
type ItemError struct {
	TaskID    string
	RemoteUID string
	Err       error
}

func (e ItemError) Error() string {
	id := e.TaskID
	if id == "" {
		id = e.RemoteUID
	}
	return fmt.Sprintf("%s: %v", id, e.Err)
}

// SyncResult summarizes one cycle.
type SyncResult struct {
	Provider   service.ProviderID
	Added      int
	Updated    int
	Deleted    int
	Conflicts  []Conflict
	Errors     []ItemError
	StartedAt  time.Time
	FinishedAt time.Time
}

// Changed reports whether the cycle changed anything on either side.
func (r *SyncResult) Changed() bool {
	return r.Added+r.Updated+r.Deleted > 0
}

// Progress is reported at fixed points of a cycle: 10, 30, 50, 90 and 100.
type Progress struct {
	Provider service.ProviderID
	Percent  int
	Stage    string
}

// SyncOptions tunes one cycle.
type SyncOptions struct {
	// Policy overrides the provider's stored policy for this cycle when set.
	// It is not saved.
	Policy conflict.Policy
	// Progress, when set, is called synchronously at each stage.
	Progress func(Progress)
}

// Orchestrator owns the provider states and the one-cycle-per-provider rule.
type Orchestrator struct {
	store  service.LocalStore
	states StateStore
	logger Logger
	now    func() time.Time

	// stateMu serializes read-modify-write of provider states.
	stateMu sync.Mutex

	mu        sync.Mutex
	todos     map[service.ProviderID]service.TodoBackend
	snapshots map[service.ProviderID]service.SnapshotBackend
	cache     map[service.ProviderID]ProviderSyncState
	running   map[service.ProviderID]bool
	auto      map[service.ProviderID]*autoSync
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStateStore persists provider states.
func WithStateStore(s StateStore) Option {
	return func(o *Orchestrator) { o.states = s }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator over store.
func New(store service.LocalStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		now:       time.Now,
		todos:     make(map[service.ProviderID]service.TodoBackend),
		snapshots: make(map[service.ProviderID]service.SnapshotBackend),
		cache:     make(map[service.ProviderID]ProviderSyncState),
		running:   make(map[service.ProviderID]bool),
		auto:      make(map[service.ProviderID]*autoSync),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterTodoProvider registers a per-item todo backend (CalDAV, Google).
func (o *Orchestrator) RegisterTodoProvider(id service.ProviderID, b service.TodoBackend) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.snapshots, id)
	o.todos[id] = b
}

// RegisterSnapshotProvider registers a whole-state snapshot backend.
func (o *Orchestrator) RegisterSnapshotProvider(id service.ProviderID, b service.SnapshotBackend) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.todos, id)
	o.snapshots[id] = b
}

// Providers returns the registered provider IDs, sorted.
func (o *Orchestrator) Providers() []service.ProviderID {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]service.ProviderID, 0, len(o.todos)+len(o.snapshots))
	for id := range o.todos {
		ids = append(ids, id)
	}
	for id := range o.snapshots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Running reports whether a cycle for id is in flight.
func (o *Orchestrator) Running(id service.ProviderID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[id]
}

// SyncOnce runs one cycle for id. A second call while a cycle for the same
// provider is in flight fails immediately with syncerr.ErrBusy. On a
// cycle-level error the partial result is returned alongside it.
func (o *Orchestrator) SyncOnce(ctx context.Context, id service.ProviderID, opts SyncOptions) (*SyncResult, error) {
	o.mu.Lock()
	if o.running[id] {
		o.mu.Unlock()
		return nil, syncerr.Newf(syncerr.ErrBusy, "sync", "%s", id)
	}
	todo, isTodo := o.todos[id]
	snap, isSnap := o.snapshots[id]
	if !isTodo && !isSnap {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	o.running[id] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
	}()

	state, found, err := o.loadState(ctx, id)
	if err != nil {
		return nil, err
	}
	if found && !state.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, id)
	}
	policy := state.Policy
	if opts.Policy != "" {
		policy = opts.Policy
	}

	c := &cycle{
		o:        o,
		id:       id,
		policy:   policy,
		lastSync: state.LastSync,
		progress: opts.Progress,
		result:   &SyncResult{Provider: id, StartedAt: o.now()},
	}
	if isTodo {
		c.fields = unsupportedFields(todo)
		err = c.runTodo(ctx, todo)
	} else {
		c.revision = state.Revision
		err = c.runSnapshot(ctx, snap)
	}
	res := c.result
	res.FinishedAt = o.now()

	// Only the fields a cycle owns are written back; Configure, Disable and
	// Reset calls made while it ran are kept.
	_, saveErr := o.update(context.WithoutCancel(ctx), id, !found, func(s *ProviderSyncState) {
		if isSnap {
			s.Revision = c.revision
		}
		if err == nil {
			s.LastSync = res.StartedAt
			s.LastError = ""
			s.NeedsReauth = false
			return
		}
		s.LastError = err.Error()
		if errors.Is(err, syncerr.ErrAuthorization) {
			s.NeedsReauth = true
		}
	})
	if saveErr != nil {
		o.logf("saving %s state: %v", id, saveErr)
	}

	if err != nil {
		o.logf("%s: sync failed after %s: %v", id, res.FinishedAt.Sub(res.StartedAt), err)
		return res, err
	}
	o.logf("%s: sync ok: added=%d updated=%d deleted=%d conflicts=%d errors=%d",
		id, res.Added, res.Updated, res.Deleted, len(res.Conflicts), len(res.Errors))
	return res, nil
}

// State returns the state of id. A provider never configured reports the
// zero state with Enabled set.
func (o *Orchestrator) State(ctx context.Context, id service.ProviderID) (ProviderSyncState, error) {
	state, found, err := o.loadState(ctx, id)
	if err != nil {
		return ProviderSyncState{}, err
	}
	if !found {
		state.Enabled = true
	}
	return state, nil
}

// Configure applies fn to the state of id and saves it.
func (o *Orchestrator) Configure(ctx context.Context, id service.ProviderID, fn func(*ProviderSyncState)) (ProviderSyncState, error) {
	return o.update(ctx, id, true, fn)
}

// update applies fn to the current state of id under stateMu and saves it.
// A state that does not exist is created only when create is set;
// otherwise fn is not called and the zero state is returned.
func (o *Orchestrator) update(ctx context.Context, id service.ProviderID, create bool, fn func(*ProviderSyncState)) (ProviderSyncState, error) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	state, found, err := o.loadState(ctx, id)
	if err != nil {
		return ProviderSyncState{}, err
	}
	if !found {
		if !create {
			return ProviderSyncState{}, nil
		}
		state.Enabled = true
	}
	fn(&state)
	if err := o.saveState(ctx, id, state); err != nil {
		return ProviderSyncState{}, err
	}
	return state, nil
}

// Disable stops auto-sync for id and marks it disabled.
func (o *Orchestrator) Disable(ctx context.Context, id service.ProviderID) error {
	o.StopAutoSync(id)
	_, err := o.Configure(ctx, id, func(s *ProviderSyncState) {
		s.Enabled = false
		s.AutoSync = false
	})
	return err
}

// Reset stops auto-sync for id and clears its state entirely.
func (o *Orchestrator) Reset(ctx context.Context, id service.ProviderID) error {
	o.StopAutoSync(id)
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	o.mu.Lock()
	delete(o.cache, id)
	o.mu.Unlock()
	if o.states != nil {
		return o.states.DeleteProviderState(ctx, id)
	}
	return nil
}

func (o *Orchestrator) loadState(ctx context.Context, id service.ProviderID) (ProviderSyncState, bool, error) {
	o.mu.Lock()
	state, ok := o.cache[id]
	o.mu.Unlock()
	if ok {
		return state, true, nil
	}
	if o.states == nil {
		return ProviderSyncState{Policy: conflict.LastWriteWins}, false, nil
	}
	state, found, err := o.states.LoadProviderState(ctx, id)
	if err != nil {
		return ProviderSyncState{}, false, err
	}
	if state.Policy == "" {
		state.Policy = conflict.LastWriteWins
	}
	if found {
		o.mu.Lock()
		o.cache[id] = state
		o.mu.Unlock()
	}
	return state, found, nil
}

func (o *Orchestrator) saveState(ctx context.Context, id service.ProviderID, state ProviderSyncState) error {
	o.mu.Lock()
	o.cache[id] = state
	o.mu.Unlock()
	if o.states == nil {
		return nil
	}
	return o.states.SaveProviderState(ctx, id, state)
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

func unsupportedFields(b service.TodoBackend) map[service.Field]bool {
	limiter, ok := b.(service.FieldLimiter)
	if !ok {
		return nil
	}
	fields := make(map[service.Field]bool)
	for _, f := range limiter.Unsupported() {
		fields[f] = true
	}
	return fields
}
