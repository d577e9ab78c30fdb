package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"tasksync/internal/conflict"
	"tasksync/internal/ical"
	"tasksync/internal/service"
	"tasksync/internal/syncerr"
)

// cycle holds the working state of one SyncOnce call.
type cycle struct {
	o        *Orchestrator
	id       service.ProviderID
	policy   conflict.Policy
	lastSync time.Time
	progress func(Progress)
	fields   map[service.Field]bool
	revision string

	result *SyncResult
	patch  service.Patch
}

func (c *cycle) report(percent int, stage string) {
	if c.progress != nil {
		c.progress(Progress{Provider: c.id, Percent: percent, Stage: stage})
	}
}

func (c *cycle) cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return syncerr.New(syncerr.ErrCancelled, "sync", err)
	}
	return nil
}

// flush applies the accumulated patch. It runs even after cancellation so
// remote writes that already happened stay correlated locally.
func (c *cycle) flush(ctx context.Context) error {
	if c.patch.Empty() {
		return nil
	}
	patch := c.patch
	c.patch = service.Patch{}
	return c.o.store.ApplySnapshot(context.WithoutCancel(ctx), patch)
}

// abort flushes what was done so far and returns err.
func (c *cycle) abort(ctx context.Context, err error) error {
	if flushErr := c.flush(ctx); flushErr != nil {
		c.o.logf("%s: applying partial results: %v", c.id, flushErr)
	}
	return err
}

type pushOp struct {
	task   service.SyncableTask
	create bool
}

// runTodo reconciles the local store with a per-item todo backend.
// Correlation is by RemoteUID.
func (c *cycle) runTodo(ctx context.Context, backend service.TodoBackend) error {
	c.report(10, "reading local state")
	local, err := c.o.store.ReadSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := c.cancelled(ctx); err != nil {
		return err
	}

	remote, err := backend.ListTodos(ctx)
	if err != nil {
		return err
	}
	c.report(30, "fetched remote todos")

	byUID := make(map[string]service.SyncableTask)
	byURL := make(map[string]service.SyncableTask)
	usedIDs := make(map[string]bool, len(local.Tasks)+len(local.Tombstones))
	for _, t := range local.Tasks {
		usedIDs[t.ID] = true
		if t.RemoteUID != "" {
			byUID[t.RemoteUID] = t
		}
		if t.RemoteURL != "" {
			byURL[t.RemoteURL] = t
		}
	}
	pendingDelete := make(map[string]service.Tombstone)
	for _, tomb := range local.Tombstones {
		usedIDs[tomb.TaskID] = true
		if tomb.RemoteUID != "" && !tomb.AckedBy(c.id) {
			pendingDelete[tomb.RemoteUID] = tomb
		}
	}

	seen := make(map[string]service.RemoteTodo, len(remote))
	// Undecodable items still exist remotely. Their local counterparts are
	// neither deleted nor pushed over them.
	unreadable := make(map[string]bool)
	var pushes []pushOp
	for _, r := range remote {
		if err := c.cancelled(ctx); err != nil {
			return c.abort(ctx, err)
		}
		if r.DecodeErr != nil {
			c.skipUnreadable(r, byUID, byURL, unreadable)
			continue
		}
		seen[r.UID] = r
		if _, ok := pendingDelete[r.UID]; ok {
			continue
		}

		l, ok := byUID[r.UID]
		if !ok {
			id := localIDFor(r.UID, usedIDs)
			usedIDs[id] = true
			c.patch.Upserts = append(c.patch.Upserts, c.fromRemote(service.SyncableTask{ID: id}, r))
			c.result.Added++
			continue
		}

		switch conflict.ResolveTodo(c.policy, l, r, c.lastSync) {
		case conflict.NoChange:
			if l.ETag != r.ETag || l.RemoteURL != r.Href {
				l.ETag, l.RemoteURL = r.ETag, r.Href
				c.patch.Upserts = append(c.patch.Upserts, l)
			}
		case conflict.RemoteWins:
			c.patch.Upserts = append(c.patch.Upserts, c.fromRemote(l, r))
			c.result.Updated++
		case conflict.LocalWins:
			l.ETag, l.RemoteURL = r.ETag, r.Href
			pushes = append(pushes, pushOp{task: l})
		case conflict.Unresolved:
			c.addConflict(l, r, "both sides changed")
		}
	}

	for _, l := range local.Tasks {
		switch {
		case l.RemoteUID == "":
			pushes = append(pushes, pushOp{task: l, create: true})
		case seenUID(seen, l.RemoteUID):
		case unreadable[l.RemoteUID] || (l.RemoteURL != "" && unreadable[l.RemoteURL]):
		case l.LastModified.Truncate(conflict.Resolution).After(c.lastSync.Truncate(conflict.Resolution)):
			// Gone remotely but edited here since: put it back.
			l.ETag, l.RemoteURL = "", ""
			pushes = append(pushes, pushOp{task: l, create: true})
		default:
			c.patch.Deletes = append(c.patch.Deletes, service.Tombstone{
				TaskID:    l.ID,
				RemoteUID: l.RemoteUID,
				ETag:      l.ETag,
				DeletedAt: c.o.now().UTC(),
				Acked:     []service.ProviderID{c.id},
			})
			c.result.Deleted++
		}
	}
	c.report(50, "classified changes")

	for _, op := range pushes {
		if err := c.cancelled(ctx); err != nil {
			return c.abort(ctx, err)
		}
		if err := c.push(ctx, backend, op); err != nil {
			return c.abort(ctx, err)
		}
	}

	for _, tomb := range local.Tombstones {
		if tomb.AckedBy(c.id) || unreadable[tomb.RemoteUID] {
			continue
		}
		if err := c.cancelled(ctx); err != nil {
			return c.abort(ctx, err)
		}
		if err := c.deleteRemote(ctx, backend, tomb, seen); err != nil {
			return c.abort(ctx, err)
		}
	}

	if err := c.flush(ctx); err != nil {
		return err
	}
	c.report(90, "applied changes")
	c.report(100, "done")
	return nil
}

// push creates or updates one task. Only cycle-level failures are returned;
// item failures land in the result.
func (c *cycle) push(ctx context.Context, backend service.TodoBackend, op pushOp) error {
	var ref service.RemoteRef
	var err error
	if op.create {
		ref, err = backend.CreateTodo(ctx, op.task)
	} else {
		ref, err = backend.UpdateTodo(ctx, op.task)
	}

	switch {
	case err == nil:
	case errors.Is(err, syncerr.ErrCancelled), errors.Is(err, syncerr.ErrAuthorization):
		return err
	case !op.create && errors.Is(err, syncerr.ErrConflict):
		c.result.Conflicts = append(c.result.Conflicts, Conflict{
			TaskID:        op.task.ID,
			RemoteUID:     op.task.RemoteUID,
			LocalModified: op.task.LastModified,
			Reason:        "changed on the server during sync",
		})
		return nil
	default:
		c.o.logf("%s: pushing %s: %v", c.id, op.task.ID, err)
		c.result.Errors = append(c.result.Errors, ItemError{TaskID: op.task.ID, RemoteUID: op.task.RemoteUID, Err: err})
		return nil
	}

	t := op.task
	t.RemoteUID = ref.UID
	t.ETag = ref.ETag
	if ref.Href != "" {
		t.RemoteURL = ref.Href
	}
	c.patch.Upserts = append(c.patch.Upserts, t)
	if op.create {
		c.result.Added++
	} else {
		c.result.Updated++
	}
	return nil
}

// deleteRemote propagates a local deletion and acknowledges the tombstone.
func (c *cycle) deleteRemote(ctx context.Context, backend service.TodoBackend, tomb service.Tombstone, seen map[string]service.RemoteTodo) error {
	ack := service.TombstoneAck{TaskID: tomb.TaskID, Provider: c.id}
	r, exists := seen[tomb.RemoteUID]
	if tomb.RemoteUID == "" || !exists {
		c.patch.AckTombstones = append(c.patch.AckTombstones, ack)
		return nil
	}

	err := backend.DeleteTodo(ctx, service.RemoteRef{UID: r.UID, ETag: r.ETag, Href: r.Href})
	switch {
	case err == nil:
		c.patch.AckTombstones = append(c.patch.AckTombstones, ack)
		c.result.Deleted++
	case errors.Is(err, syncerr.ErrCancelled), errors.Is(err, syncerr.ErrAuthorization):
		return err
	case errors.Is(err, syncerr.ErrConflict):
		c.result.Conflicts = append(c.result.Conflicts, Conflict{
			TaskID:         tomb.TaskID,
			RemoteUID:      tomb.RemoteUID,
			LocalModified:  tomb.DeletedAt,
			RemoteModified: r.LastModified,
			Reason:         "deleted locally but changed on the server",
		})
	default:
		c.result.Errors = append(c.result.Errors, ItemError{TaskID: tomb.TaskID, RemoteUID: tomb.RemoteUID, Err: err})
	}
	return nil
}

func (c *cycle) addConflict(l service.SyncableTask, r service.RemoteTodo, reason string) {
	c.result.Conflicts = append(c.result.Conflicts, Conflict{
		TaskID:         l.ID,
		RemoteUID:      r.UID,
		LocalModified:  l.LastModified,
		RemoteModified: r.LastModified,
		Reason:         reason,
	})
}

// fromRemote overlays r onto base. Fields the backend cannot store keep
// their local value.
func (c *cycle) fromRemote(base service.SyncableTask, r service.RemoteTodo) service.SyncableTask {
	t := base
	t.RemoteUID = r.UID
	t.RemoteURL = r.Href
	t.ETag = r.ETag
	t.Title = r.Summary
	t.Description = r.Description
	t.Completed = r.Completed()
	t.Due = r.Due
	if !c.fields[service.FieldProgress] {
		t.Progress = r.PercentComplete
		if t.Completed {
			t.Progress = 0
		}
	}
	if !c.fields[service.FieldPriority] {
		t.Priority = ical.PriorityFromNumeric(r.Priority)
	}
	if !c.fields[service.FieldStart] {
		t.Start = r.Start
	}
	if !c.fields[service.FieldCategories] {
		t.Categories = r.Categories
	}
	if t.Priority == "" {
		t.Priority = service.PriorityNone
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.Created
	}
	t.LastModified = r.LastModified
	if t.LastModified.IsZero() {
		t.LastModified = r.Created
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = c.o.now()
	}
	if t.LastModified.IsZero() {
		t.LastModified = t.CreatedAt
	}
	return t
}

// skipUnreadable records an item error for an undecodable remote item and
// marks its UID and href so the local task it belongs to is left alone.
func (c *cycle) skipUnreadable(r service.RemoteTodo, byUID, byURL map[string]service.SyncableTask, unreadable map[string]bool) {
	var taskID string
	if r.UID != "" {
		unreadable[r.UID] = true
		if l, ok := byUID[r.UID]; ok {
			taskID = l.ID
		}
	}
	if r.Href != "" {
		unreadable[r.Href] = true
		if l, ok := byURL[r.Href]; ok {
			taskID = l.ID
			if l.RemoteUID != "" {
				unreadable[l.RemoteUID] = true
			}
		}
	}
	c.o.logf("%s: skipping %s: %v", c.id, r.Href, r.DecodeErr)
	c.result.Errors = append(c.result.Errors, ItemError{TaskID: taskID, RemoteUID: r.UID, Err: r.DecodeErr})
}

// localIDFor derives the local ID of a todo first seen remotely. Using the
// remote UID keeps the ID identical on every device that pulls the todo, so
// snapshot merges correlate them. A UID already taken locally falls back to
// a name-based UUID of it.
func localIDFor(uid string, used map[string]bool) string {
	if uid != "" && !used[uid] {
		return uid
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("tasksync:todo:"+uid)).String()
}

func seenUID(seen map[string]service.RemoteTodo, uid string) bool {
	_, ok := seen[uid]
	return ok
}
