package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tasksync/internal/service"
	"tasksync/internal/store/sqlite"
)

// ErrTaskOutOfRange is returned for a number past the end of the listing.
var ErrTaskOutOfRange = errors.New("task number out of range")

// ErrAmbiguousRef is returned for an ID prefix matching several tasks.
var ErrAmbiguousRef = errors.New("ambiguous task reference")

// openTasks returns the tasks shown by the tasks command, in listing order.
// Completed tasks are included when all is set.
func openTasks(ctx context.Context, store *sqlite.Store, all bool) ([]service.SyncableTask, error) {
	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	if all {
		return tasks, nil
	}
	open := tasks[:0]
	for _, t := range tasks {
		if !t.Completed {
			open = append(open, t)
		}
	}
	return open, nil
}

// findTask resolves ref against the open-task listing or the task IDs.
func findTask(ctx context.Context, store *sqlite.Store, ref TaskRef) (service.SyncableTask, error) {
	if ref.ID == "" {
		tasks, err := openTasks(ctx, store, false)
		if err != nil {
			return service.SyncableTask{}, err
		}
		if ref.TaskNum < 1 || ref.TaskNum > len(tasks) {
			return service.SyncableTask{}, fmt.Errorf("%w: %d", ErrTaskOutOfRange, ref.TaskNum)
		}
		return tasks[ref.TaskNum-1], nil
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return service.SyncableTask{}, err
	}
	var match []service.SyncableTask
	for _, t := range tasks {
		if t.ID == ref.ID {
			return t, nil
		}
		if strings.HasPrefix(t.ID, ref.ID) {
			match = append(match, t)
		}
	}
	switch len(match) {
	case 0:
		return service.SyncableTask{}, fmt.Errorf("%w: %s", sqlite.ErrTaskNotFound, ref.ID)
	case 1:
		return match[0], nil
	default:
		return service.SyncableTask{}, fmt.Errorf("%w: %s", ErrAmbiguousRef, ref.ID)
	}
}
