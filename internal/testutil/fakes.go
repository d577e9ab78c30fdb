// Package testutil provides testing utilities.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tasksync/internal/ical"
	"tasksync/internal/service"
	"tasksync/internal/syncerr"
)

// FakeTodoBackend is an in-memory service.TodoBackend with etag semantics.
// Todos go through the VTODO codec on every write, like a CalDAV server.
type FakeTodoBackend struct {
	mu    sync.Mutex
	todos map[string]service.RemoteTodo // uid -> todo
	seq   int
	calls map[string]int

	// Error injection for testing
	ListErr   error
	CreateErr map[string]error // task ID -> error
	UpdateErr map[string]error // remote UID -> error
	DeleteErr error

	// Gate, when non-nil, blocks ListTodos until it is closed.
	Gate chan struct{}
	// Entered, when non-nil, receives a value as ListTodos starts.
	Entered chan struct{}
}

// NewFakeTodoBackend creates an empty backend.
func NewFakeTodoBackend() *FakeTodoBackend {
	return &FakeTodoBackend{
		todos:     make(map[string]service.RemoteTodo),
		calls:     make(map[string]int),
		CreateErr: make(map[string]error),
		UpdateErr: make(map[string]error),
	}
}

// PutTodo stores todo as if another client wrote it and returns it with its
// new etag.
func (f *FakeTodoBackend) PutTodo(todo service.RemoteTodo) service.RemoteTodo {
	f.mu.Lock()
	defer f.mu.Unlock()
	todo.ETag = f.nextETag()
	todo.Href = "/todos/" + todo.UID + ".ics"
	f.todos[todo.UID] = todo
	return todo
}

// RemoveTodo deletes a todo as if another client did.
func (f *FakeTodoBackend) RemoveTodo(uid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.todos, uid)
}

// Todo returns the stored todo.
func (f *FakeTodoBackend) Todo(uid string) (service.RemoteTodo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.todos[uid]
	return t, ok
}

// Todos returns all stored todos sorted by UID.
func (f *FakeTodoBackend) Todos() []service.RemoteTodo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted()
}

// Calls returns how often method was called ("list", "create", "update", "delete").
func (f *FakeTodoBackend) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of backend calls.
func (f *FakeTodoBackend) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// ListTodos implements service.TodoBackend.
func (f *FakeTodoBackend) ListTodos(ctx context.Context) ([]service.RemoteTodo, error) {
	f.mu.Lock()
	f.calls["list"]++
	gate, entered := f.Gate, f.Entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, syncerr.New(syncerr.ErrCancelled, "fake.list", ctx.Err())
		}
	}
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted(), nil
}

// CreateTodo implements service.TodoBackend.
func (f *FakeTodoBackend) CreateTodo(ctx context.Context, task service.SyncableTask) (service.RemoteRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create"]++
	if err := f.CreateErr[task.ID]; err != nil {
		return service.RemoteRef{}, err
	}

	uid := task.RemoteUID
	if uid == "" {
		uid = task.ID
	}
	for n := 1; ; n++ {
		if _, taken := f.todos[uid]; !taken {
			break
		}
		uid = fmt.Sprintf("%s-%d", task.ID, n)
	}
	task.RemoteUID = uid
	return f.store(task)
}

// UpdateTodo implements service.TodoBackend.
func (f *FakeTodoBackend) UpdateTodo(ctx context.Context, task service.SyncableTask) (service.RemoteRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["update"]++
	if err := f.UpdateErr[task.RemoteUID]; err != nil {
		return service.RemoteRef{}, err
	}
	existing, ok := f.todos[task.RemoteUID]
	if !ok {
		return service.RemoteRef{}, syncerr.New(syncerr.ErrNotFound, "fake.update", nil).WithItem(task.RemoteUID)
	}
	if task.ETag != "" && task.ETag != existing.ETag {
		return service.RemoteRef{}, syncerr.New(syncerr.ErrConflict, "fake.update", nil).WithItem(task.RemoteUID)
	}
	return f.store(task)
}

// DeleteTodo implements service.TodoBackend.
func (f *FakeTodoBackend) DeleteTodo(ctx context.Context, ref service.RemoteRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete"]++
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	existing, ok := f.todos[ref.UID]
	if !ok {
		return nil
	}
	if ref.ETag != "" && ref.ETag != existing.ETag {
		return syncerr.New(syncerr.ErrConflict, "fake.delete", nil).WithItem(ref.UID)
	}
	delete(f.todos, ref.UID)
	return nil
}

func (f *FakeTodoBackend) store(task service.SyncableTask) (service.RemoteRef, error) {
	data, err := ical.Encode(task)
	if err != nil {
		return service.RemoteRef{}, syncerr.New(syncerr.ErrProtocol, "fake.store", err).WithItem(task.ID)
	}
	todo, err := ical.Decode(data)
	if err != nil {
		return service.RemoteRef{}, syncerr.New(syncerr.ErrProtocol, "fake.store", err).WithItem(task.ID)
	}
	todo.ETag = f.nextETag()
	todo.Href = "/todos/" + todo.UID + ".ics"
	f.todos[todo.UID] = todo
	return service.RemoteRef{UID: todo.UID, ETag: todo.ETag, Href: todo.Href}, nil
}

func (f *FakeTodoBackend) nextETag() string {
	f.seq++
	return fmt.Sprintf(`"%d"`, f.seq)
}

func (f *FakeTodoBackend) sorted() []service.RemoteTodo {
	out := make([]service.RemoteTodo, 0, len(f.todos))
	for _, t := range f.todos {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// FakeLocalStore is an in-memory service.LocalStore.
type FakeLocalStore struct {
	mu         sync.Mutex
	tasks      map[string]service.SyncableTask
	tombstones map[string]service.Tombstone

	// Settings stands in for data outside the synced domain; ApplySnapshot
	// never touches it.
	Settings map[string]string
	// Applied records every patch passed to ApplySnapshot.
	Applied []service.Patch

	ReadErr  error
	ApplyErr error
}

// NewFakeLocalStore creates a store holding tasks.
func NewFakeLocalStore(tasks ...service.SyncableTask) *FakeLocalStore {
	s := &FakeLocalStore{
		tasks:      make(map[string]service.SyncableTask),
		tombstones: make(map[string]service.Tombstone),
		Settings:   make(map[string]string),
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

// PutTask adds or replaces a task as a local edit would.
func (s *FakeLocalStore) PutTask(t service.SyncableTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

// DeleteTask removes a task, leaving a tombstone when it was synced.
func (s *FakeLocalStore) DeleteTask(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	delete(s.tasks, id)
	s.tombstones[id] = service.Tombstone{TaskID: id, RemoteUID: t.RemoteUID, ETag: t.ETag, DeletedAt: at}
}

// Task returns a task by ID.
func (s *FakeLocalStore) Task(id string) (service.SyncableTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Tasks returns all tasks sorted by ID.
func (s *FakeLocalStore) Tasks() []service.SyncableTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedTasks()
}

// Tombstones returns all tombstones sorted by task ID.
func (s *FakeLocalStore) Tombstones() []service.Tombstone {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]service.Tombstone, 0, len(s.tombstones))
	for _, t := range s.tombstones {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// ReadSnapshot implements service.LocalStore.
func (s *FakeLocalStore) ReadSnapshot(ctx context.Context) (service.Snapshot, error) {
	if s.ReadErr != nil {
		return service.Snapshot{}, s.ReadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := service.Snapshot{Version: service.SnapshotVersion, Tasks: s.sortedTasks()}
	for _, t := range s.tombstones {
		t.Acked = append([]service.ProviderID(nil), t.Acked...)
		snap.Tombstones = append(snap.Tombstones, t)
	}
	sort.Slice(snap.Tombstones, func(i, j int) bool { return snap.Tombstones[i].TaskID < snap.Tombstones[j].TaskID })
	return snap, nil
}

// ApplySnapshot implements service.LocalStore.
func (s *FakeLocalStore) ApplySnapshot(ctx context.Context, patch service.Patch) error {
	if s.ApplyErr != nil {
		return s.ApplyErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Applied = append(s.Applied, patch)
	for _, t := range patch.Upserts {
		s.tasks[t.ID] = t
		delete(s.tombstones, t.ID)
	}
	for _, tomb := range patch.Deletes {
		delete(s.tasks, tomb.TaskID)
		tomb.Acked = append([]service.ProviderID(nil), tomb.Acked...)
		s.tombstones[tomb.TaskID] = tomb
	}
	for _, ack := range patch.AckTombstones {
		tomb, ok := s.tombstones[ack.TaskID]
		if !ok || tomb.AckedBy(ack.Provider) {
			continue
		}
		tomb.Acked = append(tomb.Acked, ack.Provider)
		s.tombstones[ack.TaskID] = tomb
	}
	return nil
}

func (s *FakeLocalStore) sortedTasks() []service.SyncableTask {
	out := make([]service.SyncableTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FakeSnapshotBackend is an in-memory service.SnapshotBackend with
// revision preconditions.
type FakeSnapshotBackend struct {
	mu     sync.Mutex
	snap   *service.Snapshot
	rev    int
	pulls  int
	pushes int

	PullErr error
	PushErr error
}

// Set stores snap as if another device uploaded it and returns its revision.
func (f *FakeSnapshotBackend) Set(snap service.Snapshot) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = &snap
	f.rev++
	return f.revString()
}

// Current returns the stored snapshot and revision.
func (f *FakeSnapshotBackend) Current() (service.Snapshot, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap == nil {
		return service.Snapshot{}, "", false
	}
	return *f.snap, f.revString(), true
}

// Pulls returns the number of Pull calls.
func (f *FakeSnapshotBackend) Pulls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

// Pushes returns the number of Push calls.
func (f *FakeSnapshotBackend) Pushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

// Pull implements service.SnapshotBackend.
func (f *FakeSnapshotBackend) Pull(ctx context.Context) (service.Snapshot, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.PullErr != nil {
		return service.Snapshot{}, "", false, f.PullErr
	}
	if f.snap == nil {
		return service.Snapshot{}, "", false, nil
	}
	return *f.snap, f.revString(), true, nil
}

// Push implements service.SnapshotBackend.
func (f *FakeSnapshotBackend) Push(ctx context.Context, snap service.Snapshot, baseRev string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	if f.PushErr != nil {
		return "", f.PushErr
	}
	exists := f.snap != nil
	if (baseRev == "" && exists) || (baseRev != "" && (!exists || baseRev != f.revString())) {
		return "", syncerr.Newf(syncerr.ErrConflict, "fake.push", "base revision %q is stale", baseRev)
	}
	f.snap = &snap
	f.rev++
	return f.revString(), nil
}

func (f *FakeSnapshotBackend) revString() string {
	return fmt.Sprintf("rev-%d", f.rev)
}
