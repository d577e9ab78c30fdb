package caldav

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"tasksync/internal/ical"
	"tasksync/internal/service"
	"tasksync/internal/syncerr"
)

// MaxUIDAttempts bounds create retries after UID collisions (412).
const MaxUIDAttempts = 5

const todoQuery = `<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VTODO"/>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

const todoEtagQuery = `<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VTODO"/>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

// ListTodos runs a VTODO calendar-query on the collection. Resources that do
// not decode to a todo with UID and SUMMARY are logged and returned with
// DecodeErr set.
func (c *Client) ListTodos(ctx context.Context, collectionURL string) ([]service.RemoteTodo, error) {
	resources, err := c.report(ctx, collectionURL, todoQuery)
	if err != nil {
		return nil, err
	}

	var todos []service.RemoteTodo
	for _, res := range resources {
		data := res.PropText("calendar-data")
		if data == "" {
			continue
		}
		href := JoinURL(c.root, res.Href)
		todo, err := ical.Decode(data)
		if err != nil {
			c.logf("skipping undecodable todo at %s: %v", res.Href, err)
			todo = service.RemoteTodo{
				UID:       todo.UID,
				DecodeErr: syncerr.New(syncerr.ErrProtocol, "caldav.decode", err).WithItem(href),
			}
		}
		todo.ETag = res.PropText("getetag")
		todo.Href = href
		todos = append(todos, todo)
	}
	return todos, nil
}

// CountTodos returns the number of VTODO resources in the collection.
func (c *Client) CountTodos(ctx context.Context, collectionURL string) (int, error) {
	resources, err := c.report(ctx, collectionURL, todoEtagQuery)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, res := range resources {
		if normalizeURL(JoinURL(c.root, res.Href)) == normalizeURL(collectionURL) {
			continue
		}
		if res.Status != 0 && !isSuccess(res.Status) {
			continue
		}
		n++
	}
	return n, nil
}

func (c *Client) report(ctx context.Context, collectionURL, body string) ([]davResource, error) {
	resp, err := c.do(ctx, "caldav.report", "REPORT", collectionURL, xmlHeader("1"), []byte(body))
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.status) {
		return nil, statusError("caldav.report", collectionURL, resp)
	}
	resources, err := parseMultistatus(resp.body)
	if err != nil {
		return nil, syncerr.New(syncerr.ErrProtocol, "caldav.report", err).WithItem(collectionURL)
	}
	return resources, nil
}

// CreateTodo PUTs task as {collection}/{uid}.ics with If-None-Match: *.
// On 412 the UID is suffixed with a timestamp and attempt number and the
// PUT retried, up to MaxUIDAttempts in total. The UID actually stored is
// returned.
func (c *Client) CreateTodo(ctx context.Context, collectionURL string, task service.SyncableTask) (service.RemoteRef, error) {
	base := task.RemoteUID
	if base == "" {
		base = task.ID
	}
	if base == "" {
		base = uuid.NewString()
	}

	uid := base
	for attempt := 1; attempt <= MaxUIDAttempts; attempt++ {
		task.RemoteUID = uid
		target := todoURL(collectionURL, uid)

		h := http.Header{}
		h.Set("Content-Type", "text/calendar; charset=utf-8")
		h.Set("If-None-Match", "*")
		body, err := ical.Encode(task)
		if err != nil {
			return service.RemoteRef{}, syncerr.New(syncerr.ErrProtocol, "caldav.create", err).WithItem(uid)
		}
		resp, err := c.do(ctx, "caldav.create", http.MethodPut, target, h, []byte(body))
		if err != nil {
			return service.RemoteRef{}, err
		}

		switch {
		case isSuccess(resp.status):
			return service.RemoteRef{UID: uid, ETag: resp.header.Get("ETag"), Href: target}, nil
		case resp.status == http.StatusPreconditionFailed:
			c.logf("uid %s already exists (attempt %d/%d)", uid, attempt, MaxUIDAttempts)
			uid = fmt.Sprintf("%s-%d-%d", base, c.now().UnixMilli(), attempt)
		default:
			return service.RemoteRef{}, statusError("caldav.create", target, resp)
		}
	}
	return service.RemoteRef{}, syncerr.Newf(syncerr.ErrUIDExhausted, "caldav.create",
		"%d attempts collided", MaxUIDAttempts).WithItem(base)
}

// UpdateTodo PUTs task over its existing resource. A non-empty ETag is sent
// as If-Match; a mismatch surfaces as a conflict and is not retried.
func (c *Client) UpdateTodo(ctx context.Context, collectionURL string, task service.SyncableTask) (service.RemoteRef, error) {
	if task.RemoteUID == "" {
		return service.RemoteRef{}, syncerr.Newf(syncerr.ErrProtocol, "caldav.update", "task %s has no remote uid", task.ID)
	}
	target := task.RemoteURL
	if target == "" {
		target = todoURL(collectionURL, task.RemoteUID)
	}

	h := http.Header{}
	h.Set("Content-Type", "text/calendar; charset=utf-8")
	if task.ETag != "" {
		h.Set("If-Match", task.ETag)
	}
	body, err := ical.Encode(task)
	if err != nil {
		return service.RemoteRef{}, syncerr.New(syncerr.ErrProtocol, "caldav.update", err).WithItem(task.RemoteUID)
	}
	resp, err := c.do(ctx, "caldav.update", http.MethodPut, target, h, []byte(body))
	if err != nil {
		return service.RemoteRef{}, err
	}
	if !isSuccess(resp.status) {
		return service.RemoteRef{}, statusError("caldav.update", task.RemoteUID, resp)
	}
	return service.RemoteRef{UID: task.RemoteUID, ETag: resp.header.Get("ETag"), Href: target}, nil
}

// DeleteTodo deletes a todo resource. 404 counts as success.
func (c *Client) DeleteTodo(ctx context.Context, collectionURL string, ref service.RemoteRef) error {
	target := ref.Href
	if target == "" {
		target = todoURL(collectionURL, ref.UID)
	}
	var h http.Header
	if ref.ETag != "" {
		h = http.Header{}
		h.Set("If-Match", ref.ETag)
	}
	resp, err := c.do(ctx, "caldav.delete", http.MethodDelete, target, h, nil)
	if err != nil {
		return err
	}
	if isSuccess(resp.status) || resp.status == http.StatusNotFound {
		return nil
	}
	return statusError("caldav.delete", ref.UID, resp)
}

func todoURL(collectionURL, uid string) string {
	return JoinURL(collectionURL, url.PathEscape(uid)+".ics")
}

// TodoList binds a Client to one calendar collection.
type TodoList struct {
	client     *Client
	collection string
}

// NewTodoList returns a service.TodoBackend for collectionURL.
func NewTodoList(client *Client, collectionURL string) *TodoList {
	return &TodoList{client: client, collection: client.URL(collectionURL)}
}

func (l *TodoList) ListTodos(ctx context.Context) ([]service.RemoteTodo, error) {
	return l.client.ListTodos(ctx, l.collection)
}

func (l *TodoList) CreateTodo(ctx context.Context, task service.SyncableTask) (service.RemoteRef, error) {
	return l.client.CreateTodo(ctx, l.collection, task)
}

func (l *TodoList) UpdateTodo(ctx context.Context, task service.SyncableTask) (service.RemoteRef, error) {
	return l.client.UpdateTodo(ctx, l.collection, task)
}

func (l *TodoList) DeleteTodo(ctx context.Context, ref service.RemoteRef) error {
	return l.client.DeleteTodo(ctx, l.collection, ref)
}
