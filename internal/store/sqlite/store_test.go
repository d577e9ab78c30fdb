package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tasksync/internal/conflict"
	"tasksync/internal/service"
	"tasksync/internal/store/sqlite"
	"tasksync/internal/syncer"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "db", "tasks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTaskRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	due := t0.Add(48 * time.Hour)
	want := service.SyncableTask{
		ID:           "t1",
		RemoteUID:    "uid-1",
		RemoteURL:    "/cal/uid-1.ics",
		ETag:         `"3"`,
		Title:        "Buy milk",
		Description:  "two litres",
		Progress:     40,
		Priority:     service.PriorityHigh,
		Due:          &due,
		Categories:   []string{"home", "errands"},
		CreatedAt:    t0,
		LastModified: t0.Add(time.Minute),
	}
	if err := s.PutTask(ctx, want); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	got, err := s.Task(ctx, "t1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("task mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.Task(ctx, "missing"); !errors.Is(err, sqlite.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDeleteTaskRecordsTombstone(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.PutTask(ctx, service.SyncableTask{ID: "t1", RemoteUID: "u1", ETag: `"1"`, Title: "x", CreatedAt: t0, LastModified: t0}); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	if err := s.DeleteTask(ctx, "t1", t0.Add(time.Hour)); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}

	snap, err := s.ReadSnapshot(ctx)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(snap.Tasks) != 0 {
		t.Errorf("expected no tasks, got %d", len(snap.Tasks))
	}
	want := []service.Tombstone{{TaskID: "t1", RemoteUID: "u1", ETag: `"1"`, DeletedAt: t0.Add(time.Hour)}}
	if diff := cmp.Diff(want, snap.Tombstones); diff != "" {
		t.Errorf("tombstones mismatch (-want +got):\n%s", diff)
	}

	if err := s.DeleteTask(ctx, "t1", t0); !errors.Is(err, sqlite.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestApplySnapshot(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := s.PutTask(ctx, service.SyncableTask{ID: id, Title: id, CreatedAt: t0, LastModified: t0}); err != nil {
			t.Fatalf("PutTask: %v", err)
		}
	}
	if err := s.DeleteTask(ctx, "b", t0); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := s.SetSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	err := s.ApplySnapshot(ctx, service.Patch{
		Upserts: []service.SyncableTask{{ID: "c", Title: "from remote", CreatedAt: t0, LastModified: t0}},
		Deletes: []service.Tombstone{{TaskID: "a", RemoteUID: "uid-a", DeletedAt: t0, Acked: []service.ProviderID{service.ProviderCalDAV}}},
		AckTombstones: []service.TombstoneAck{
			{TaskID: "b", Provider: service.ProviderDropbox},
			{TaskID: "b", Provider: service.ProviderCalDAV},
			{TaskID: "gone", Provider: service.ProviderDropbox},
		},
	})
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "c" {
		t.Errorf("expected only task c, got %+v", tasks)
	}
	tombs, err := s.Tombstones(ctx)
	if err != nil {
		t.Fatalf("Tombstones: %v", err)
	}
	if len(tombs) != 2 {
		t.Fatalf("expected tombstones for a and b, got %+v", tombs)
	}
	// A delete coming from a sync leaves a tombstone the other providers
	// still have to see.
	if tombs[0].TaskID != "a" || tombs[0].RemoteUID != "uid-a" || !cmp.Equal([]service.ProviderID{service.ProviderCalDAV}, tombs[0].Acked) {
		t.Errorf("expected tombstone a acked by caldav only, got %+v", tombs[0])
	}
	wantAcks := []service.ProviderID{service.ProviderCalDAV, service.ProviderDropbox}
	if tombs[1].TaskID != "b" || !cmp.Equal(wantAcks, tombs[1].Acked) {
		t.Errorf("expected tombstone b acked by caldav and dropbox, got %+v", tombs[1])
	}

	value, ok, err := s.Setting(ctx, "theme")
	if err != nil || !ok || value != "dark" {
		t.Errorf("expected settings to survive, got %q %v %v", value, ok, err)
	}
}

func TestUpsertClearsTombstone(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	task := service.SyncableTask{ID: "t1", Title: "x", CreatedAt: t0, LastModified: t0}
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	if err := s.DeleteTask(ctx, "t1", t0); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := s.ApplySnapshot(ctx, service.Patch{Upserts: []service.SyncableTask{task}}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	tombs, _ := s.Tombstones(ctx)
	if len(tombs) != 0 {
		t.Errorf("expected tombstone to be cleared, got %+v", tombs)
	}
}

func TestPruneTombstones(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_ = s.PutTask(ctx, service.SyncableTask{ID: id, Title: id, CreatedAt: t0, LastModified: t0})
		_ = s.DeleteTask(ctx, id, t0)
	}
	_ = s.ApplySnapshot(ctx, service.Patch{AckTombstones: []service.TombstoneAck{
		{TaskID: "a", Provider: service.ProviderCalDAV},
		{TaskID: "a", Provider: service.ProviderDropbox},
		{TaskID: "b", Provider: service.ProviderDropbox},
	}})

	n, err := s.PruneTombstones(ctx, []service.ProviderID{service.ProviderCalDAV, service.ProviderDropbox})
	if err != nil {
		t.Fatalf("PruneTombstones: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	tombs, _ := s.Tombstones(ctx)
	if len(tombs) != 1 || tombs[0].TaskID != "b" {
		t.Errorf("expected only b to remain, got %+v", tombs)
	}
}

func TestProviderState(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, found, err := s.LoadProviderState(ctx, service.ProviderCalDAV); err != nil || found {
		t.Fatalf("expected no state, got found=%v err=%v", found, err)
	}
	want := syncer.ProviderSyncState{
		Enabled:  true,
		AutoSync: true,
		Interval: 15 * time.Minute,
		LastSync: t0,
		Policy:   conflict.Manual,
		Revision: "rev-7",
	}
	if err := s.SaveProviderState(ctx, service.ProviderCalDAV, want); err != nil {
		t.Fatalf("SaveProviderState: %v", err)
	}
	got, found, err := s.LoadProviderState(ctx, service.ProviderCalDAV)
	if err != nil || !found {
		t.Fatalf("LoadProviderState: found=%v err=%v", found, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	if err := s.DeleteProviderState(ctx, service.ProviderCalDAV); err != nil {
		t.Fatalf("DeleteProviderState: %v", err)
	}
	if _, found, _ := s.LoadProviderState(ctx, service.ProviderCalDAV); found {
		t.Error("expected state to be deleted")
	}
}

func TestStoreDrivesOrchestrator(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.PutTask(ctx, service.SyncableTask{ID: "t1", Title: "x", CreatedAt: t0, LastModified: t0}); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	o := syncer.New(s, syncer.WithStateStore(s))
	o.RegisterSnapshotProvider(service.ProviderDropbox, &memSnapshots{})

	if _, err := o.SyncOnce(ctx, service.ProviderDropbox, syncer.SyncOptions{}); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	state, found, err := s.LoadProviderState(ctx, service.ProviderDropbox)
	if err != nil || !found {
		t.Fatalf("expected persisted state, found=%v err=%v", found, err)
	}
	if state.LastSync.IsZero() || state.Revision != "1" {
		t.Errorf("unexpected state %+v", state)
	}
}

type memSnapshots struct {
	snap *service.Snapshot
}

func (m *memSnapshots) Pull(ctx context.Context) (service.Snapshot, string, bool, error) {
	if m.snap == nil {
		return service.Snapshot{}, "", false, nil
	}
	return *m.snap, "1", true, nil
}

func (m *memSnapshots) Push(ctx context.Context, snap service.Snapshot, baseRev string) (string, error) {
	m.snap = &snap
	return "1", nil
}
