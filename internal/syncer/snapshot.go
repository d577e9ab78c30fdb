package syncer

import (
	"context"
	"errors"
	"sort"
	"time"

	"tasksync/internal/conflict"
	"tasksync/internal/service"
	"tasksync/internal/syncerr"
)

// runSnapshot merges the local state with the encrypted remote snapshot and
// uploads the result with the pulled revision as precondition. Tasks are
// correlated by local ID. A failed precondition is reported as a conflict
// and not retried.
func (c *cycle) runSnapshot(ctx context.Context, backend service.SnapshotBackend) error {
	c.report(10, "reading local state")
	local, err := c.o.store.ReadSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := c.cancelled(ctx); err != nil {
		return err
	}

	remote, rev, found, err := backend.Pull(ctx)
	if err != nil {
		return err
	}
	if found {
		c.revision = rev
	} else {
		rev = ""
	}
	c.report(30, "downloaded snapshot")

	localByID := make(map[string]service.SyncableTask, len(local.Tasks))
	for _, t := range local.Tasks {
		localByID[t.ID] = t
	}
	localTombs := make(map[string]service.Tombstone, len(local.Tombstones))
	for _, tomb := range local.Tombstones {
		localTombs[tomb.TaskID] = tomb
	}
	remoteByID := make(map[string]service.SyncableTask, len(remote.Tasks))
	for _, t := range remote.Tasks {
		remoteByID[t.ID] = t
	}
	remoteTombs := make(map[string]service.Tombstone, len(remote.Tombstones))
	for _, tomb := range remote.Tombstones {
		remoteTombs[tomb.TaskID] = tomb
	}

	merged := make(map[string]service.SyncableTask)
	dirty := !found

	for _, r := range remote.Tasks {
		l, ok := localByID[r.ID]
		if !ok {
			if tomb, deleted := localTombs[r.ID]; deleted && !newer(r.LastModified, tomb.DeletedAt) {
				// Deleted here; the upload drops it.
				dirty = true
				c.result.Deleted++
				continue
			}
			c.patch.Upserts = append(c.patch.Upserts, r)
			merged[r.ID] = r
			c.result.Added++
			continue
		}

		switch conflict.Resolve(c.policy, l.LastModified, r.LastModified) {
		case conflict.NoChange:
			merged[r.ID] = l
		case conflict.LocalWins:
			merged[r.ID] = l
			dirty = true
			c.result.Updated++
		case conflict.RemoteWins:
			c.patch.Upserts = append(c.patch.Upserts, r)
			merged[r.ID] = r
			c.result.Updated++
		case conflict.Unresolved:
			merged[r.ID] = r
			c.result.Conflicts = append(c.result.Conflicts, Conflict{
				TaskID:         l.ID,
				LocalModified:  l.LastModified,
				RemoteModified: r.LastModified,
				Reason:         "both sides changed",
			})
		}
	}

	for _, l := range local.Tasks {
		if _, ok := remoteByID[l.ID]; ok {
			continue
		}
		if tomb, deleted := remoteTombs[l.ID]; deleted && !newer(l.LastModified, tomb.DeletedAt) {
			c.patch.Deletes = append(c.patch.Deletes, service.Tombstone{
				TaskID:    l.ID,
				RemoteUID: firstNonEmpty(l.RemoteUID, tomb.RemoteUID),
				ETag:      l.ETag,
				DeletedAt: tomb.DeletedAt,
				Acked:     []service.ProviderID{c.id},
			})
			c.result.Deleted++
			continue
		}
		merged[l.ID] = l
		dirty = true
		c.result.Added++
	}

	// Tombstones travel in the snapshot until they expire, so devices that
	// were offline for less than TombstoneRetention still learn about them.
	expiry := c.o.now().Add(-TombstoneRetention)
	tombs := make(map[string]service.Tombstone, len(remoteTombs)+len(localTombs))
	for id, tomb := range remoteTombs {
		if tomb.DeletedAt.Before(expiry) {
			dirty = true
			continue
		}
		tombs[id] = tomb
	}
	var acks []service.TombstoneAck
	for id, tomb := range localTombs {
		if tomb.AckedBy(c.id) {
			continue
		}
		acks = append(acks, service.TombstoneAck{TaskID: id, Provider: c.id})
		if _, known := remoteTombs[id]; !known && !tomb.DeletedAt.Before(expiry) {
			tomb.Acked = nil
			tombs[id] = tomb
			dirty = true
		}
	}
	c.report(50, "merged snapshot")

	if err := c.flush(ctx); err != nil {
		return err
	}
	if err := c.cancelled(ctx); err != nil {
		return err
	}

	if dirty {
		out := service.Snapshot{
			Version:    service.SnapshotVersion,
			ExportedAt: c.o.now().UTC(),
			Tasks:      sortedTasks(merged),
			Tombstones: sortedTombstones(tombs),
		}
		newRev, err := backend.Push(ctx, out, rev)
		switch {
		case err == nil:
			c.revision = newRev
		case errors.Is(err, syncerr.ErrConflict):
			c.result.Conflicts = append(c.result.Conflicts, Conflict{
				Reason: "remote snapshot changed since it was downloaded",
			})
			c.report(90, "upload skipped")
			c.report(100, "done")
			return nil
		default:
			return err
		}
	}

	c.patch.AckTombstones = acks
	if err := c.flush(ctx); err != nil {
		return err
	}
	c.report(90, "uploaded snapshot")
	c.report(100, "done")
	return nil
}

// TombstoneRetention is how long a deletion is carried in the remote
// snapshot.
const TombstoneRetention = 90 * 24 * time.Hour

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// newer reports whether a is strictly after b at comparison resolution.
func newer(a, b time.Time) bool {
	return a.Truncate(conflict.Resolution).After(b.Truncate(conflict.Resolution))
}

func sortedTasks(m map[string]service.SyncableTask) []service.SyncableTask {
	out := make([]service.SyncableTask, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedTombstones(m map[string]service.Tombstone) []service.Tombstone {
	if len(m) == 0 {
		return nil
	}
	out := make([]service.Tombstone, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
