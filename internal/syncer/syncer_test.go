package syncer_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tasksync/internal/backend/caldav"
	"tasksync/internal/backend/httpretry"
	"tasksync/internal/conflict"
	"tasksync/internal/service"
	"tasksync/internal/syncer"
	"tasksync/internal/syncerr"
	"tasksync/internal/testutil"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func clock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func task(id, title string, modified time.Time) service.SyncableTask {
	return service.SyncableTask{
		ID:           id,
		Title:        title,
		Priority:     service.PriorityNone,
		CreatedAt:    modified,
		LastModified: modified,
	}
}

func TestExampleScenarioOverCalDAV(t *testing.T) {
	srv := testutil.NewFakeCalDAVServer(t)
	client, err := caldav.New(srv.URL, "", "", caldav.WithRetryPolicy(httpretry.Policy{MaxRetries: 0}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	a1 := task("a1", "Buy milk", t0)
	a1.Priority = service.PriorityHigh
	store := testutil.NewFakeLocalStore(a1)

	o := syncer.New(store, syncer.WithClock(clock(t0.Add(time.Hour))))
	o.RegisterTodoProvider(service.ProviderCalDAV, caldav.NewTodoList(client, "/cal/"))

	res, err := o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{})
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if res.Added != 1 || res.Updated != 0 || res.Deleted != 0 {
		t.Errorf("expected added=1, got %+v", res)
	}

	data, ok := srv.Item("/cal/a1.ics")
	if !ok {
		t.Fatalf("expected /cal/a1.ics on the server, have %v", srv.Paths())
	}
	for _, want := range []string{"UID:a1", "SUMMARY:Buy milk", "PRIORITY:1", "STATUS:NEEDS-ACTION"} {
		if !strings.Contains(data, want) {
			t.Errorf("expected VTODO to contain %q:\n%s", want, data)
		}
	}
	got, _ := store.Task("a1")
	if got.RemoteUID != "a1" || got.ETag == "" {
		t.Errorf("expected remote uid and etag to be recorded, got %+v", got)
	}

	res, err = o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Added != 0 || res.Updated != 0 || res.Deleted != 0 {
		t.Errorf("expected no changes on second sync, got %+v", res)
	}
	if got := srv.Calls("PUT"); got != 1 {
		t.Errorf("expected exactly 1 PUT, got %d", got)
	}
}

func TestSyncOnceBusy(t *testing.T) {
	backend := testutil.NewFakeTodoBackend()
	backend.Gate = make(chan struct{})
	backend.Entered = make(chan struct{}, 1)
	o := syncer.New(testutil.NewFakeLocalStore())
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{})
	}()
	<-backend.Entered

	if !o.Running(service.ProviderCalDAV) {
		t.Error("expected provider to be running")
	}
	_, err := o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{})
	if !errors.Is(err, syncerr.ErrBusy) {
		t.Errorf("expected busy, got %v", err)
	}
	if got := backend.TotalCalls(); got != 1 {
		t.Errorf("expected the busy call to make no backend calls, got %d total", got)
	}

	close(backend.Gate)
	wg.Wait()
	if firstErr != nil {
		t.Errorf("first sync: %v", firstErr)
	}
	if o.Running(service.ProviderCalDAV) {
		t.Error("expected provider to be idle")
	}
}

func TestProvidersAreIndependent(t *testing.T) {
	blocked := testutil.NewFakeTodoBackend()
	blocked.Gate = make(chan struct{})
	blocked.Entered = make(chan struct{}, 1)
	o := syncer.New(testutil.NewFakeLocalStore())
	o.RegisterTodoProvider(service.ProviderCalDAV, blocked)
	o.RegisterSnapshotProvider(service.ProviderDropbox, &testutil.FakeSnapshotBackend{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{})
	}()
	<-blocked.Entered

	if _, err := o.SyncOnce(context.Background(), service.ProviderDropbox, syncer.SyncOptions{}); err != nil {
		t.Errorf("expected dropbox sync to run alongside caldav, got %v", err)
	}
	close(blocked.Gate)
	<-done
}

func TestProgressReporting(t *testing.T) {
	backend := testutil.NewFakeTodoBackend()
	o := syncer.New(testutil.NewFakeLocalStore(task("t1", "one", t0)))
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)

	var got []int
	_, err := o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{
		Progress: func(p syncer.Progress) {
			if p.Provider != service.ProviderCalDAV {
				t.Errorf("unexpected provider %q", p.Provider)
			}
			got = append(got, p.Percent)
		},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if diff := cmp.Diff([]int{10, 30, 50, 90, 100}, got); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
}

// syncedPair returns a store and backend that share one todo "x" mapped to
// local task "t1", with the remote modified at remoteModified.
func syncedPair(localModified, remoteModified time.Time) (*testutil.FakeLocalStore, *testutil.FakeTodoBackend) {
	backend := testutil.NewFakeTodoBackend()
	backend.PutTodo(service.RemoteTodo{
		UID:          "x",
		Summary:      "remote title",
		Status:       service.StatusNeedsAction,
		Created:      t0.Add(-time.Hour),
		LastModified: remoteModified,
	})
	local := task("t1", "local title", localModified)
	local.RemoteUID = "x"
	local.ETag = `"stale"`
	return testutil.NewFakeLocalStore(local), backend
}

func TestLocalNewerWins(t *testing.T) {
	store, backend := syncedPair(t0.Add(time.Second), t0)
	o := syncer.New(store, syncer.WithClock(clock(t0.Add(time.Hour))))
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)

	res, err := o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("expected updated=1, got %+v", res)
	}
	if remote, _ := backend.Todo("x"); remote.Summary != "local title" {
		t.Errorf("expected remote to take the local title, got %q", remote.Summary)
	}
	local, _ := store.Task("t1")
	if remote, _ := backend.Todo("x"); local.ETag != remote.ETag {
		t.Errorf("expected local etag %q to follow the update, got %q", remote.ETag, local.ETag)
	}
}

func TestRemoteNewerWins(t *testing.T) {
	store, backend := syncedPair(t0, t0.Add(time.Second))
	o := syncer.New(store, syncer.WithClock(clock(t0.Add(time.Hour))))
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)

	res, err := o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("expected updated=1, got %+v", res)
	}
	if backend.Calls("update") != 0 {
		t.Error("expected no remote update when remote wins")
	}
	if local, _ := store.Task("t1"); local.Title != "remote title" {
		t.Errorf("expected local to take the remote title, got %q", local.Title)
	}
}

func TestEqualTimestampsNoChange(t *testing.T) {
	store, backend := syncedPair(t0, t0)
	o := syncer.New(store, syncer.WithClock(clock(t0.Add(time.Hour))))
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)

	res, err := o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Changed() {
		t.Errorf("expected no changes, got %+v", res)
	}
	if backend.Calls("update") != 0 || backend.Calls("create") != 0 {
		t.Error("expected no remote writes")
	}
	if local, _ := store.Task("t1"); local.Title != "local title" {
		t.Errorf("expected local title untouched, got %q", local.Title)
	}
}

func TestManualPolicySurfacesConflict(t *testing.T) {
	store, backend := syncedPair(t0.Add(time.Second), t0)
	o := syncer.New(store, syncer.WithClock(clock(t0.Add(time.Hour))))
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)

	res, err := o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{Policy: conflict.Manual})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %+v", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.TaskID != "t1" || c.RemoteUID != "x" {
		t.Errorf("unexpected conflict %+v", c)
	}
	if res.Changed() || backend.Calls("update") != 0 {
		t.Errorf("expected nothing to be written, got %+v", res)
	}
}

func TestUpdatePreconditionFailureIsConflict(t *testing.T) {
	store, backend := syncedPair(t0.Add(time.Second), t0)
	backend.UpdateErr["x"] = syncerr.New(syncerr.ErrConflict, "caldav.update", nil)
	o := syncer.New(store)
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)

	res, err := o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].TaskID != "t1" {
		t.Errorf("expected a conflict for t1, got %+v", res.Conflicts)
	}
	if backend.Calls("update") != 1 {
		t.Errorf("expected the update not to be retried, got %d calls", backend.Calls("update"))
	}
}

func TestNewRemoteTodoIsAddedLocally(t *testing.T) {
	backend := testutil.NewFakeTodoBackend()
	due := t0.Add(48 * time.Hour)
	backend.PutTodo(service.RemoteTodo{
		UID:          "r1",
		Summary:      "From phone",
		Status:       service.StatusCompleted,
		Priority:     5,
		Due:          &due,
		Categories:   []string{"home"},
		Created:      t0,
		LastModified: t0,
	})
	store := testutil.NewFakeLocalStore()
	o := syncer.New(store)
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)

	res, err := o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Added != 1 {
		t.Errorf("expected added=1, got %+v", res)
	}
	tasks := store.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 local task, got %d", len(tasks))
	}
	got := tasks[0]
	if got.ID != "r1" || got.RemoteUID != "r1" || got.Title != "From phone" || !got.Completed ||
		got.Priority != service.PriorityMedium || got.Due == nil || !got.Due.Equal(due) {
		t.Errorf("unexpected local task %+v", got)
	}
	if diff := cmp.Diff([]string{"home"}, got.Categories); diff != "" {
		t.Errorf("categories mismatch (-want +got):\n%s", diff)
	}
}

// limitedBackend drops priority and categories, like Google Tasks.
type limitedBackend struct {
	*testutil.FakeTodoBackend
}

func (limitedBackend) Unsupported() []service.Field {
	return []service.Field{service.FieldPriority, service.FieldCategories}
}

func TestUnsupportedFieldsKeepLocalValues(t *testing.T) {
	store, backend := syncedPair(t0, t0.Add(time.Second))
	local, _ := store.Task("t1")
	local.Priority = service.PriorityHigh
	local.Categories = []string{"work"}
	store.PutTask(local)

	o := syncer.New(store)
	o.RegisterTodoProvider(service.ProviderGoogle, limitedBackend{backend})
	if _, err := o.SyncOnce(context.Background(), service.ProviderGoogle, syncer.SyncOptions{}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, _ := store.Task("t1")
	if got.Title != "remote title" {
		t.Errorf("expected remote title, got %q", got.Title)
	}
	if got.Priority != service.PriorityHigh || len(got.Categories) != 1 {
		t.Errorf("expected local priority and categories to survive, got %+v", got)
	}
}

func TestItemErrorsDoNotAbortCycle(t *testing.T) {
	backend := testutil.NewFakeTodoBackend()
	backend.CreateErr["bad"] = syncerr.Newf(syncerr.ErrUIDExhausted, "caldav.create", "5 attempts collided")
	store := testutil.NewFakeLocalStore(task("bad", "bad", t0), task("good", "good", t0))
	o := syncer.New(store)
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)

	res, err := o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{})
	if err != nil {
		t.Fatalf("expected item errors not to fail the cycle, got %v", err)
	}
	if res.Added != 1 {
		t.Errorf("expected added=1, got %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].TaskID != "bad" || !errors.Is(res.Errors[0].Err, syncerr.ErrUIDExhausted) {
		t.Errorf("unexpected item errors %+v", res.Errors)
	}
	if bad, _ := store.Task("bad"); bad.RemoteUID != "" {
		t.Errorf("expected failed task to stay unsynced, got %+v", bad)
	}
}

func TestAuthorizationErrorNeedsReauth(t *testing.T) {
	backend := testutil.NewFakeTodoBackend()
	backend.ListErr = syncerr.New(syncerr.ErrAuthorization, "caldav.report", errors.New("HTTP 401"))
	o := syncer.New(testutil.NewFakeLocalStore())
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)

	res, err := o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{})
	if !errors.Is(err, syncerr.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if res == nil {
		t.Fatal("expected a partial result alongside the error")
	}
	state, err := o.State(context.Background(), service.ProviderCalDAV)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.NeedsReauth || state.LastError == "" || !state.LastSync.IsZero() {
		t.Errorf("unexpected state %+v", state)
	}
}

func TestCancellationKeepsAppliedWork(t *testing.T) {
	backend := testutil.NewFakeTodoBackend()
	backend.PutTodo(service.RemoteTodo{UID: "r1", Summary: "remote", Created: t0, LastModified: t0})
	store := testutil.NewFakeLocalStore(task("l1", "local only", t0))
	o := syncer.New(store)
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := o.SyncOnce(ctx, service.ProviderCalDAV, syncer.SyncOptions{
		Progress: func(p syncer.Progress) {
			if p.Percent == 50 {
				cancel()
			}
		},
	})
	if !errors.Is(err, syncerr.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if backend.Calls("create") != 0 {
		t.Errorf("expected remaining remote calls to be skipped, got %d creates", backend.Calls("create"))
	}
	if len(store.Tasks()) != 2 {
		t.Errorf("expected the pulled todo to stay applied, got %+v", store.Tasks())
	}
}

func TestRemoteDeletionRemovesUneditedTask(t *testing.T) {
	backend := testutil.NewFakeTodoBackend()
	store := testutil.NewFakeLocalStore(task("t1", "one", t0), task("t2", "two", t0))
	now := t0.Add(time.Hour)
	o := syncer.New(store, syncer.WithClock(func() time.Time { return now }))
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)
	ctx := context.Background()

	if _, err := o.SyncOnce(ctx, service.ProviderCalDAV, syncer.SyncOptions{}); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	backend.RemoveTodo("t1")
	backend.RemoveTodo("t2")
	// t2 was edited after the last sync and must come back.
	t2, _ := store.Task("t2")
	t2.Title = "two, edited"
	t2.LastModified = now.Add(time.Minute)
	store.PutTask(t2)
	now = now.Add(time.Hour)

	res, err := o.SyncOnce(ctx, service.ProviderCalDAV, syncer.SyncOptions{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Deleted != 1 || res.Added != 1 {
		t.Errorf("expected deleted=1 added=1, got %+v", res)
	}
	if _, ok := store.Task("t1"); ok {
		t.Error("expected t1 to be deleted locally")
	}
	if remote, ok := backend.Todo("t2"); !ok || remote.Summary != "two, edited" {
		t.Errorf("expected t2 to be re-created remotely, got %+v", remote)
	}
}

func TestLocalDeletionPropagates(t *testing.T) {
	backend := testutil.NewFakeTodoBackend()
	store := testutil.NewFakeLocalStore(task("t1", "one", t0))
	o := syncer.New(store)
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)
	ctx := context.Background()

	if _, err := o.SyncOnce(ctx, service.ProviderCalDAV, syncer.SyncOptions{}); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	store.DeleteTask("t1", t0.Add(time.Minute))

	res, err := o.SyncOnce(ctx, service.ProviderCalDAV, syncer.SyncOptions{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("expected deleted=1, got %+v", res)
	}
	if _, ok := backend.Todo("t1"); ok {
		t.Error("expected remote todo to be deleted")
	}
	tombs := store.Tombstones()
	if len(tombs) != 1 || !tombs[0].AckedBy(service.ProviderCalDAV) {
		t.Errorf("expected tombstone acked by caldav, got %+v", tombs)
	}

	res, err = o.SyncOnce(ctx, service.ProviderCalDAV, syncer.SyncOptions{})
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if res.Changed() || backend.Calls("delete") != 1 {
		t.Errorf("expected acked tombstone to be left alone, got %+v and %d deletes", res, backend.Calls("delete"))
	}
}

func TestUnknownAndDisabledProvider(t *testing.T) {
	o := syncer.New(testutil.NewFakeLocalStore())
	ctx := context.Background()
	if _, err := o.SyncOnce(ctx, "nope", syncer.SyncOptions{}); !errors.Is(err, syncer.ErrUnknownProvider) {
		t.Errorf("expected unknown provider, got %v", err)
	}

	backend := testutil.NewFakeTodoBackend()
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)
	if err := o.Disable(ctx, service.ProviderCalDAV); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := o.SyncOnce(ctx, service.ProviderCalDAV, syncer.SyncOptions{}); !errors.Is(err, syncer.ErrDisabled) {
		t.Errorf("expected disabled, got %v", err)
	}
	if backend.TotalCalls() != 0 {
		t.Error("expected no backend calls for a disabled provider")
	}

	if err := o.Reset(ctx, service.ProviderCalDAV); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := o.SyncOnce(ctx, service.ProviderCalDAV, syncer.SyncOptions{}); err != nil {
		t.Errorf("expected sync after reset to run, got %v", err)
	}
}

// memStates is an in-memory syncer.StateStore.
type memStates struct {
	mu     sync.Mutex
	states map[service.ProviderID]syncer.ProviderSyncState
}

func (m *memStates) LoadProviderState(ctx context.Context, id service.ProviderID) (syncer.ProviderSyncState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	return s, ok, nil
}

func (m *memStates) SaveProviderState(ctx context.Context, id service.ProviderID, s syncer.ProviderSyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = s
	return nil
}

func (m *memStates) DeleteProviderState(ctx context.Context, id service.ProviderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	return nil
}

func TestStatePersistsAcrossOrchestrators(t *testing.T) {
	states := &memStates{states: make(map[service.ProviderID]syncer.ProviderSyncState)}
	store := testutil.NewFakeLocalStore(task("t1", "one", t0))
	backend := testutil.NewFakeTodoBackend()
	started := t0.Add(time.Hour)

	o := syncer.New(store, syncer.WithStateStore(states), syncer.WithClock(clock(started)))
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)
	if _, err := o.Configure(context.Background(), service.ProviderCalDAV, func(s *syncer.ProviderSyncState) {
		s.Policy = conflict.Manual
	}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := o.SyncOnce(context.Background(), service.ProviderCalDAV, syncer.SyncOptions{}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	o2 := syncer.New(store, syncer.WithStateStore(states))
	state, err := o2.State(context.Background(), service.ProviderCalDAV)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.Enabled || state.Policy != conflict.Manual || !state.LastSync.Equal(started) {
		t.Errorf("unexpected persisted state %+v", state)
	}

	if err := o2.Reset(context.Background(), service.ProviderCalDAV); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok := states.states[service.ProviderCalDAV]; ok {
		t.Error("expected reset to clear persisted state")
	}
}

func TestSettingsSurviveSync(t *testing.T) {
	store := testutil.NewFakeLocalStore(task("t1", "one", t0))
	store.Settings["caldav.password"] = "hunter2"
	o := syncer.New(store)
	o.RegisterSnapshotProvider(service.ProviderDropbox, &testutil.FakeSnapshotBackend{})

	if _, err := o.SyncOnce(context.Background(), service.ProviderDropbox, syncer.SyncOptions{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if store.Settings["caldav.password"] != "hunter2" {
		t.Error("expected settings to be left alone")
	}
}

func TestUndecodableRemoteItemIsNotADeletion(t *testing.T) {
	srv := testutil.NewFakeCalDAVServer(t)
	client, err := caldav.New(srv.URL, "", "", caldav.WithRetryPolicy(httpretry.Policy{MaxRetries: 0}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	store := testutil.NewFakeLocalStore(task("a1", "Buy milk", t0))
	o := syncer.New(store, syncer.WithClock(clock(t0.Add(time.Hour))))
	o.RegisterTodoProvider(service.ProviderCalDAV, caldav.NewTodoList(client, "/cal/"))
	ctx := context.Background()

	if _, err := o.SyncOnce(ctx, service.ProviderCalDAV, syncer.SyncOptions{}); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	srv.PutItem("/cal/a1.ics", "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VTODO\r\nUID:a1\r\nDTSTAMP:20240501T120000Z\r\nEND:VTODO\r\nEND:VCALENDAR\r\n")

	res, err := o.SyncOnce(ctx, service.ProviderCalDAV, syncer.SyncOptions{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Deleted != 0 || res.Added != 0 || res.Updated != 0 {
		t.Errorf("expected no changes, got %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].TaskID != "a1" || !errors.Is(res.Errors[0].Err, syncerr.ErrProtocol) {
		t.Errorf("expected one protocol item error for a1, got %+v", res.Errors)
	}
	if _, ok := store.Task("a1"); !ok {
		t.Error("expected a1 to be kept locally")
	}
	if tombs := store.Tombstones(); len(tombs) != 0 {
		t.Errorf("expected no tombstones, got %+v", tombs)
	}
	if srv.Calls("PUT") != 1 || srv.Calls("DELETE") != 0 {
		t.Errorf("expected the unreadable item to be left alone, got %d PUT and %d DELETE", srv.Calls("PUT"), srv.Calls("DELETE"))
	}
}

func TestRemoteDeletionSettlesAcrossProviders(t *testing.T) {
	todos := testutil.NewFakeTodoBackend()
	snap := &testutil.FakeSnapshotBackend{}
	store := testutil.NewFakeLocalStore(task("t1", "one", t0), task("t2", "two", t0))
	now := t0.Add(time.Hour)
	o := syncer.New(store, syncer.WithClock(func() time.Time { return now }))
	o.RegisterTodoProvider(service.ProviderCalDAV, todos)
	o.RegisterSnapshotProvider(service.ProviderDropbox, snap)
	ctx := context.Background()

	run := func(id service.ProviderID) syncer.SyncResult {
		t.Helper()
		now = now.Add(time.Minute)
		res, err := o.SyncOnce(ctx, id, syncer.SyncOptions{})
		if err != nil {
			t.Fatalf("sync %s: %v", id, err)
		}
		return *res
	}

	run(service.ProviderCalDAV)
	run(service.ProviderDropbox)
	todos.RemoveTodo("t1")

	if res := run(service.ProviderCalDAV); res.Deleted != 1 {
		t.Errorf("expected caldav to delete t1 locally, got %+v", res)
	}
	if res := run(service.ProviderDropbox); res.Deleted != 1 || res.Added != 0 {
		t.Errorf("expected dropbox to drop t1 from the snapshot, got %+v", res)
	}
	pushes := snap.Pushes()
	for i := 0; i < 2; i++ {
		if res := run(service.ProviderCalDAV); res.Changed() {
			t.Errorf("round %d: expected caldav to settle, got %+v", i, res)
		}
		if res := run(service.ProviderDropbox); res.Changed() {
			t.Errorf("round %d: expected dropbox to settle, got %+v", i, res)
		}
	}
	if snap.Pushes() != pushes {
		t.Errorf("expected no further uploads, got %d", snap.Pushes()-pushes)
	}
	if _, ok := todos.Todo("t1"); ok {
		t.Error("expected t1 to stay deleted remotely")
	}
	if _, ok := store.Task("t1"); ok {
		t.Error("expected t1 to stay deleted locally")
	}
	current, _, _ := snap.Current()
	if len(current.Tasks) != 1 || len(current.Tombstones) != 1 || current.Tombstones[0].TaskID != "t1" {
		t.Errorf("expected snapshot with t2 and a t1 tombstone, got %+v", current)
	}

	// A deletion arriving through the snapshot reaches the todo server.
	current.Tasks = nil
	current.Tombstones = append(current.Tombstones, service.Tombstone{TaskID: "t2", DeletedAt: now})
	snap.Set(current)
	if res := run(service.ProviderDropbox); res.Deleted != 1 {
		t.Errorf("expected dropbox to delete t2 locally, got %+v", res)
	}
	if res := run(service.ProviderCalDAV); res.Deleted != 1 {
		t.Errorf("expected caldav to delete t2 remotely, got %+v", res)
	}
	if _, ok := todos.Todo("t2"); ok {
		t.Error("expected t2 to be deleted remotely")
	}
	if res := run(service.ProviderCalDAV); res.Changed() {
		t.Errorf("expected caldav to settle, got %+v", res)
	}
}

func TestDisableDuringSyncIsKept(t *testing.T) {
	backend := testutil.NewFakeTodoBackend()
	backend.Gate = make(chan struct{})
	backend.Entered = make(chan struct{}, 1)
	states := &memStates{states: make(map[service.ProviderID]syncer.ProviderSyncState)}
	o := syncer.New(testutil.NewFakeLocalStore(), syncer.WithStateStore(states), syncer.WithClock(clock(t0)))
	o.RegisterTodoProvider(service.ProviderCalDAV, backend)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var syncErr error
	go func() {
		defer wg.Done()
		_, syncErr = o.SyncOnce(ctx, service.ProviderCalDAV, syncer.SyncOptions{})
	}()
	<-backend.Entered
	if err := o.Disable(ctx, service.ProviderCalDAV); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	close(backend.Gate)
	wg.Wait()
	if syncErr != nil {
		t.Fatalf("sync: %v", syncErr)
	}

	state, err := o.State(ctx, service.ProviderCalDAV)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Enabled || !state.LastSync.Equal(t0) {
		t.Errorf("expected disabled state with the cycle's last sync, got %+v", state)
	}
	if _, err := o.SyncOnce(ctx, service.ProviderCalDAV, syncer.SyncOptions{}); !errors.Is(err, syncer.ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}
