// Package service defines the backend-agnostic types shared by sync components.
package service

import "context"

// TodoBackend is a remote todo collection (CalDAV calendar, Google task list).
// The sync engine never imports a provider SDK directly.
type TodoBackend interface {
	// ListTodos returns all todos in the collection. Items that fail to
	// decode are returned with DecodeErr set so they are not mistaken for
	// deletions.
	ListTodos(ctx context.Context) ([]RemoteTodo, error)

	// CreateTodo creates a new remote todo for task.
	// The returned UID may differ from task.RemoteUID when the backend
	// assigns or rewrites identifiers.
	CreateTodo(ctx context.Context, task SyncableTask) (RemoteRef, error)

	// UpdateTodo overwrites the remote todo identified by task.RemoteUID.
	// A non-empty task.ETag is sent as a precondition; a mismatch is
	// reported as a conflict.
	UpdateTodo(ctx context.Context, task SyncableTask) (RemoteRef, error)

	// DeleteTodo removes a remote todo. Missing items are not an error.
	DeleteTodo(ctx context.Context, ref RemoteRef) error
}

// SnapshotBackend stores one encrypted snapshot of the whole local state.
type SnapshotBackend interface {
	// Pull downloads and decrypts the snapshot. found is false when no
	// snapshot exists yet.
	Pull(ctx context.Context) (snap Snapshot, rev string, found bool, err error)

	// Push encrypts and uploads snap. An empty baseRev creates the file;
	// otherwise the upload only succeeds if the remote revision still
	// equals baseRev. Returns the new revision.
	Push(ctx context.Context, snap Snapshot, baseRev string) (string, error)
}

// LocalStore is the local state the sync engine reads from and writes to.
type LocalStore interface {
	// ReadSnapshot returns the current tasks and pending tombstones.
	ReadSnapshot(ctx context.Context) (Snapshot, error)

	// ApplySnapshot applies a patch. Only tasks and tombstones are touched;
	// credentials and settings are left alone.
	ApplySnapshot(ctx context.Context, patch Patch) error
}

// Field names a SyncableTask field that a backend may be unable to store.
type Field string

const (
	FieldPriority   Field = "priority"
	FieldCategories Field = "categories"
	FieldStart      Field = "start"
	FieldProgress   Field = "progress"
)

// FieldLimiter is implemented by backends that drop some task fields.
// The sync engine keeps the local value of those fields when it takes the
// remote version of a task.
type FieldLimiter interface {
	Unsupported() []Field
}
