package output_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"tasksync/internal/conflict"
	"tasksync/internal/output"
	"tasksync/internal/service"
	"tasksync/internal/syncer"
	"tasksync/internal/syncerr"
	"tasksync/internal/testutil"
)

func TestFormatTask(t *testing.T) {
	due := time.Date(2024, 5, 3, 0, 0, 0, 0, time.Local)
	var buf bytes.Buffer
	output.FormatTask(&buf, 1, service.SyncableTask{Title: "Buy milk", Priority: service.PriorityHigh, Due: &due})
	output.FormatTask(&buf, 2, service.SyncableTask{Title: "Call\nmom", Completed: true, Priority: service.PriorityNone})
	output.FormatTask(&buf, 10, service.SyncableTask{Title: "   "})
	output.FormatTask(&buf, 1234, service.SyncableTask{Title: "Low one", Priority: service.PriorityLow})

	testutil.GoldenString(t, "tasks", buf.String())
}

func TestFormatCollection(t *testing.T) {
	var buf bytes.Buffer
	output.FormatCollection(&buf, 1, service.CalendarCollection{URL: "https://dav.example/cal/tasks/", DisplayName: "Tasks", TodoCount: 2})
	output.FormatCollection(&buf, 2, service.CalendarCollection{URL: "https://dav.example/cal/x/", TodoCount: -1})
	output.FormatCollection(&buf, 3, service.CalendarCollection{URL: "https://dav.example/", DisplayName: "Default", Synthetic: true, TodoCount: 0})

	testutil.GoldenString(t, "collections", buf.String())
}

func TestFormatSyncResult(t *testing.T) {
	res := &syncer.SyncResult{
		Provider: service.ProviderCalDAV,
		Added:    1,
		Updated:  2,
		Conflicts: []syncer.Conflict{
			{TaskID: "t1", RemoteUID: "u1", Reason: "both sides changed"},
			{Reason: "remote revision changed during upload"},
		},
		Errors: []syncer.ItemError{
			{TaskID: "t2", Err: syncerr.Newf(syncerr.ErrProtocol, "caldav.put", "bad request")},
			{RemoteUID: "u3", Err: errors.New("decode failed")},
		},
	}
	var buf bytes.Buffer
	output.FormatSyncResult(&buf, res)
	output.FormatSyncResult(&buf, &syncer.SyncResult{Provider: service.ProviderDropbox})

	testutil.GoldenString(t, "sync_result", buf.String())
}

func TestFormatStatus(t *testing.T) {
	var buf bytes.Buffer
	output.FormatStatus(&buf, service.ProviderDropbox, syncer.ProviderSyncState{
		Enabled:     true,
		AutoSync:    true,
		Interval:    15 * time.Minute,
		Policy:      conflict.LastWriteWins,
		NeedsReauth: true,
		LastError:   "authorization failed:\ntoken revoked",
	}, "unauthenticated", nil)
	output.FormatStatus(&buf, service.ProviderCalDAV, syncer.ProviderSyncState{
		Policy: conflict.Manual,
	}, "", errors.New("provider not configured: no calendar selected"))

	testutil.GoldenString(t, "status", buf.String())
}

func TestFormatProgress(t *testing.T) {
	var buf bytes.Buffer
	output.FormatProgress(&buf, syncer.Progress{Provider: service.ProviderCalDAV, Percent: 10, Stage: "fetching"})
	output.FormatProgress(&buf, syncer.Progress{Provider: service.ProviderCalDAV, Percent: 100, Stage: "done"})

	expected := "caldav:  10% fetching\ncaldav: 100% done\n"
	if buf.String() != expected {
		t.Errorf("expected %q, got %q", expected, buf.String())
	}
}
