// Package googletasks implements service.TodoBackend on top of the Google Tasks API.
//
// One Client serves one task list. Google assigns task IDs itself, so the
// remote UID of a synced task is the Google task ID. Priority, categories,
// start dates and partial progress have no Google representation and are
// reported through service.FieldLimiter.
package googletasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	tasks "google.golang.org/api/tasks/v1"

	"tasksync/internal/service"
	"tasksync/internal/syncerr"
)

const (
	// DefaultListID is the special ID for the default list.
	DefaultListID = "@default"

	// PageSize is the number of tasks per page.
	PageSize = 100

	// APITimeout is the timeout for API calls.
	APITimeout = 15 * time.Second

	statusCompleted   = "completed"
	statusNeedsAction = "needsAction"
)

// Client implements service.TodoBackend for one Google task list.
type Client struct {
	svc    *tasks.Service
	listID string
}

// New creates a client for listID. httpClient must attach OAuth credentials,
// e.g. the client returned by auth.Manager.Client. Extra options are passed
// to the Tasks service (tests use option.WithEndpoint).
func New(ctx context.Context, httpClient *http.Client, listID string, opts ...option.ClientOption) (*Client, error) {
	if listID == "" {
		listID = DefaultListID
	}
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks service: %w", err)
	}
	return &Client{svc: svc, listID: listID}, nil
}

// Unsupported implements service.FieldLimiter.
func (c *Client) Unsupported() []service.Field {
	return []service.Field{
		service.FieldPriority,
		service.FieldCategories,
		service.FieldStart,
		service.FieldProgress,
	}
}

// ListLists returns all task lists in API order as collections. The
// default list is reported with DefaultListID.
func (c *Client) ListLists(ctx context.Context) ([]service.CalendarCollection, error) {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	// First, get the default list to know its real ID
	defaultList, err := c.svc.Tasklists.Get(DefaultListID).Context(ctx).Do()
	if err != nil {
		return nil, wrapError("googletasks.lists", err)
	}

	var result []service.CalendarCollection
	err = c.svc.Tasklists.List().MaxResults(100).Pages(ctx, func(resp *tasks.TaskLists) error {
		for _, list := range resp.Items {
			id := list.Id
			if id == defaultList.Id {
				id = DefaultListID
			}
			result = append(result, service.CalendarCollection{
				URL:         id,
				DisplayName: list.Title,
				Components:  []string{"VTODO"},
				TodoCount:   -1,
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrapError("googletasks.lists", err)
	}
	return result, nil
}

// ListTodos implements service.TodoBackend. Completed and hidden tasks are
// included; deleted ones are not.
func (c *Client) ListTodos(ctx context.Context) ([]service.RemoteTodo, error) {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	var result []service.RemoteTodo
	err := c.svc.Tasks.List(c.listID).
		MaxResults(PageSize).
		ShowCompleted(true).
		ShowHidden(true).
		ShowDeleted(false).
		Pages(ctx, func(resp *tasks.Tasks) error {
			for _, t := range resp.Items {
				if t.Deleted {
					continue
				}
				result = append(result, fromAPI(t))
			}
			return nil
		})
	if err != nil {
		return nil, wrapError("googletasks.list", err)
	}
	return result, nil
}

// CreateTodo implements service.TodoBackend. The returned UID is the ID
// Google assigned.
func (c *Client) CreateTodo(ctx context.Context, task service.SyncableTask) (service.RemoteRef, error) {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	body := toAPI(task)
	body.Id = ""
	created, err := c.svc.Tasks.Insert(c.listID, body).Context(ctx).Do()
	if err != nil {
		return service.RemoteRef{}, withItem(wrapError("googletasks.create", err), task.ID)
	}
	return service.RemoteRef{UID: created.Id, ETag: created.Etag, Href: created.SelfLink}, nil
}

// UpdateTodo implements service.TodoBackend. task.ETag is sent as If-Match.
func (c *Client) UpdateTodo(ctx context.Context, task service.SyncableTask) (service.RemoteRef, error) {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	call := c.svc.Tasks.Update(c.listID, task.RemoteUID, toAPI(task)).Context(ctx)
	if task.ETag != "" {
		call.Header().Set("If-Match", task.ETag)
	}
	updated, err := call.Do()
	if err != nil {
		return service.RemoteRef{}, withItem(wrapError("googletasks.update", err), task.RemoteUID)
	}
	return service.RemoteRef{UID: updated.Id, ETag: updated.Etag, Href: updated.SelfLink}, nil
}

// DeleteTodo implements service.TodoBackend. A task that is already gone
// counts as deleted.
func (c *Client) DeleteTodo(ctx context.Context, ref service.RemoteRef) error {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	call := c.svc.Tasks.Delete(c.listID, ref.UID).Context(ctx)
	if ref.ETag != "" {
		call.Header().Set("If-Match", ref.ETag)
	}
	err := wrapError("googletasks.delete", call.Do())
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}
	return withItem(err, ref.UID)
}

func fromAPI(t *tasks.Task) service.RemoteTodo {
	todo := service.RemoteTodo{
		UID:         t.Id,
		Summary:     t.Title,
		Description: t.Notes,
		Status:      service.StatusNeedsAction,
		ETag:        t.Etag,
		Href:        t.SelfLink,
	}
	if t.Status == statusCompleted {
		todo.Status = service.StatusCompleted
		todo.PercentComplete = 100
	}
	if due, err := time.Parse(time.RFC3339, t.Due); err == nil {
		due = due.UTC()
		todo.Due = &due
	}
	if updated, err := time.Parse(time.RFC3339, t.Updated); err == nil {
		todo.LastModified = updated.UTC()
	}
	return todo
}

func toAPI(task service.SyncableTask) *tasks.Task {
	t := &tasks.Task{
		Id:     task.RemoteUID,
		Title:  task.Title,
		Notes:  task.Description,
		Status: statusNeedsAction,
	}
	if task.Completed {
		t.Status = statusCompleted
	} else {
		// Update replaces the whole resource; an explicit null clears the
		// completion date when a task is reopened.
		t.NullFields = []string{"Completed"}
	}
	if task.Due != nil {
		// Google keeps only the date part.
		d := task.Due.UTC()
		t.Due = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	}
	return t
}

// wrapError classifies API errors.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if syncerr.KindOf(err) != nil {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return syncerr.New(syncerr.ErrCancelled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return syncerr.New(syncerr.ErrTransport, op, fmt.Errorf("request timed out"))
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		kind := syncerr.FromStatus(gerr.Code)
		if kind == nil {
			kind = syncerr.ErrProtocol
		}
		return syncerr.New(kind, op, fmt.Errorf("HTTP %d %s", gerr.Code, gerr.Message))
	}
	return syncerr.New(syncerr.ErrTransport, op, err)
}

func withItem(err error, item string) error {
	var e *syncerr.Error
	if item != "" && errors.As(err, &e) && e.Item == "" {
		return e.WithItem(item)
	}
	return err
}
