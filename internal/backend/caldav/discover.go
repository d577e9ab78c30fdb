package caldav

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"tasksync/internal/service"
	"tasksync/internal/syncerr"
)

// probePaths are tried in order, relative to the server root.
// {user} is replaced with the escaped username.
var probePaths = []string{
	"",
	"remote.php/dav/calendars/users/{user}/",
	"remote.php/caldav/calendars/users/{user}/",
	"remote.php/dav/",
	"dav/calendars/",
	"caldav/",
	"calendars/{user}/",
	"calendars/",
}

const richPropfind = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/" xmlns:ic="http://apple.com/ns/ical/">
  <d:prop>
    <d:resourcetype/>
    <d:displayname/>
    <c:supported-calendar-component-set/>
    <c:calendar-description/>
    <ic:calendar-color/>
    <cs:getctag/>
  </d:prop>
</d:propfind>`

const minimalPropfind = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:resourcetype/>
    <d:displayname/>
  </d:prop>
</d:propfind>`

// countConcurrency bounds parallel REPORTs when counting todos.
const countConcurrency = 4

// excludedSegments mark principal, proxy and scheduling resources.
var excludedSegments = []string{
	"principals",
	"calendar-proxy",
	"proxy-read",
	"proxy-write",
	"inbox",
	"outbox",
	"notifications",
	"trashbin",
	"freebusy",
}

// Discover probes the known endpoint layouts and returns the calendars
// found, merged across endpoints and deduplicated by URL. When endpoints
// answered but no calendar was recognized, a single synthetic collection
// pointing at the first answering endpoint is returned.
func (c *Client) Discover(ctx context.Context) ([]service.CalendarCollection, error) {
	var found []service.CalendarCollection
	seen := make(map[string]bool)
	responded := ""

	for _, p := range probePaths {
		target := c.URL(strings.ReplaceAll(p, "{user}", url.PathEscape(c.username)))
		resources, err := c.probe(ctx, target)
		if err != nil {
			if isAuthError(err) || errors.Is(err, syncerr.ErrCancelled) {
				return nil, err
			}
			c.logf("probe %s: %v", target, err)
			continue
		}
		if responded == "" {
			responded = target
		}

		for _, res := range resources {
			coll, ok := c.classify(target, res)
			if !ok {
				continue
			}
			key := normalizeURL(coll.URL)
			if seen[key] {
				continue
			}
			seen[key] = true
			found = append(found, coll)
		}
	}

	if responded == "" {
		return nil, syncerr.Newf(syncerr.ErrTransport, "caldav.discover", "no endpoint on %s responded", c.root)
	}
	if len(found) == 0 {
		c.logf("no calendars recognized, offering %s", responded)
		found = []service.CalendarCollection{{
			URL:         responded,
			DisplayName: "Default",
			Synthetic:   true,
		}}
	}

	c.countAll(ctx, found)
	return found, nil
}

// probe sends OPTIONS then PROPFIND Depth 1 to target, falling back to a
// minimal property set when the rich request is rejected.
func (c *Client) probe(ctx context.Context, target string) ([]davResource, error) {
	resp, err := c.do(ctx, "caldav.options", http.MethodOptions, target, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		return nil, statusError("caldav.options", target, resp)
	}

	var lastErr error
	for _, body := range []string{richPropfind, minimalPropfind} {
		resp, err := c.do(ctx, "caldav.propfind", "PROPFIND", target, xmlHeader("1"), []byte(body))
		if err != nil {
			return nil, err
		}
		switch {
		case isSuccess(resp.status):
			resources, perr := parseMultistatus(resp.body)
			if perr == nil {
				return resources, nil
			}
			lastErr = syncerr.New(syncerr.ErrProtocol, "caldav.propfind", perr).WithItem(target)
		case resp.status == http.StatusUnauthorized,
			resp.status == http.StatusForbidden,
			resp.status == http.StatusNotFound:
			return nil, statusError("caldav.propfind", target, resp)
		default:
			lastErr = statusError("caldav.propfind", target, resp)
		}
	}
	return nil, lastErr
}

// classify turns a PROPFIND resource into a calendar collection. A resource
// qualifies when it is a collection, declares calendar support or sits on a
// calendar-shaped path, and is not a principal or proxy resource.
func (c *Client) classify(endpoint string, res davResource) (service.CalendarCollection, bool) {
	if res.Href == "" {
		return service.CalendarCollection{}, false
	}
	full := JoinURL(c.root, res.Href)
	if !strings.HasPrefix(res.Href, "/") && !strings.Contains(res.Href, "://") {
		full = JoinURL(endpoint, res.Href)
	}
	u, err := url.Parse(full)
	if err != nil {
		return service.CalendarCollection{}, false
	}

	rt := res.Prop("resourcetype")
	if rt.child("collection") == nil {
		return service.CalendarCollection{}, false
	}
	if rt.child("principal") != nil {
		return service.CalendarCollection{}, false
	}

	comps := components(res.Prop("supported-calendar-component-set"))
	declares := rt.child("calendar") != nil || len(comps) > 0
	isEndpoint := normalizeURL(full) == normalizeURL(endpoint)
	pathHint := !isEndpoint && looksLikeCalendar(u.Path)
	if !declares && !pathHint {
		return service.CalendarCollection{}, false
	}

	name := res.PropText("displayname")
	if isExcluded(u.Path) || isProxyName(name) {
		return service.CalendarCollection{}, false
	}
	if name == "" {
		name, _ = url.PathUnescape(path.Base(strings.TrimRight(u.Path, "/")))
	}

	return service.CalendarCollection{
		URL:         full,
		DisplayName: name,
		Description: res.PropText("calendar-description"),
		Color:       res.PropText("calendar-color"),
		Components:  comps,
	}, true
}

func components(set *node) []string {
	var out []string
	for _, comp := range set.childrenOf("comp") {
		if name := strings.ToUpper(strings.TrimSpace(comp.Attr("name"))); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// looksLikeCalendar reports whether p has at least two segments below a
// calendars/caldav segment (home plus calendar), skipping a "users" level.
func looksLikeCalendar(p string) bool {
	segs := strings.Split(strings.Trim(strings.ToLower(p), "/"), "/")
	for i, s := range segs {
		if s != "calendars" && s != "calendar" && s != "caldav" {
			continue
		}
		rest := segs[i+1:]
		if len(rest) > 0 && rest[0] == "users" {
			rest = rest[1:]
		}
		return len(rest) >= 2
	}
	return false
}

func isExcluded(s string) bool {
	s = strings.ToLower(s)
	for _, seg := range excludedSegments {
		if strings.Contains(s, seg) {
			return true
		}
	}
	return false
}

// isProxyName matches display names of delegation resources. Names like
// "Inbox" are legitimate calendar names, so only proxy markers count.
func isProxyName(name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(name, "calendar-proxy") || strings.Contains(name, "principal")
}

func normalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}

// countAll fills TodoCount for each collection; failures leave -1.
func (c *Client) countAll(ctx context.Context, colls []service.CalendarCollection) {
	var g errgroup.Group
	g.SetLimit(countConcurrency)
	for i := range colls {
		g.Go(func() error {
			n, err := c.CountTodos(ctx, colls[i].URL)
			if err != nil {
				c.logf("count todos in %s: %v", colls[i].URL, err)
				colls[i].TodoCount = -1
				return nil
			}
			colls[i].TodoCount = n
			return nil
		})
	}
	_ = g.Wait()
}
