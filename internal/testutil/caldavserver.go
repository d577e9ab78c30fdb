package testutil

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// FakeCalDAVServer is an in-memory CalDAV server for tests.
//
// PROPFIND answers come from SetPropfind (path -> raw 207 body, 404 when
// absent). REPORT lists stored items below the requested path. PUT and
// DELETE honor If-None-Match and If-Match against stored etags.
type FakeCalDAVServer struct {
	*httptest.Server

	Username string
	Password string

	mu       sync.Mutex
	propfind map[string]string
	items    map[string]fakeItem
	etagSeq  int
	calls    map[string]int

	// ConflictOnCreate makes every If-None-Match PUT fail with 412.
	ConflictOnCreate bool
	// FailReport makes REPORT return this status when non-zero.
	FailReport int
	// RejectRichPropfind answers 400 to PROPFIND bodies asking for
	// supported-calendar-component-set, like servers that only accept
	// plain WebDAV properties.
	RejectRichPropfind bool
}

type fakeItem struct {
	etag string
	data string
}

// NewFakeCalDAVServer starts a server that is closed with the test.
func NewFakeCalDAVServer(t testing.TB) *FakeCalDAVServer {
	s := &FakeCalDAVServer{
		propfind: make(map[string]string),
		items:    make(map[string]fakeItem),
		calls:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetPropfind sets the 207 body returned for PROPFIND on path.
func (s *FakeCalDAVServer) SetPropfind(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propfind[path] = body
}

// PutItem stores data at path and returns its etag.
func (s *FakeCalDAVServer) PutItem(path, data string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(path, data)
}

// Item returns the stored data at path.
func (s *FakeCalDAVServer) Item(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[path]
	return it.data, ok
}

// Paths returns the stored item paths, sorted.
func (s *FakeCalDAVServer) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for p := range s.items {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Calls returns how many requests used method.
func (s *FakeCalDAVServer) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// TotalCalls returns the number of requests served.
func (s *FakeCalDAVServer) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *FakeCalDAVServer) store(path, data string) string {
	s.etagSeq++
	etag := fmt.Sprintf(`"%d"`, s.etagSeq)
	s.items[path] = fakeItem{etag: etag, data: data}
	return etag
}

func (s *FakeCalDAVServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[r.Method]++

	if s.Username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("DAV", "1, 2, calendar-access")
		w.WriteHeader(http.StatusOK)
	case "PROPFIND":
		reqBody, _ := io.ReadAll(r.Body)
		if s.RejectRichPropfind && bytes.Contains(reqBody, []byte("supported-calendar-component-set")) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, ok := s.propfind[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, body)
	case "REPORT":
		if s.FailReport != 0 {
			w.WriteHeader(s.FailReport)
			return
		}
		reqBody, _ := io.ReadAll(r.Body)
		withData := bytes.Contains(reqBody, []byte("calendar-data"))
		s.writeReport(w, r.URL.Path, withData)
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		existing, exists := s.items[r.URL.Path]
		if r.Header.Get("If-None-Match") == "*" && (exists || s.ConflictOnCreate) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		if m := r.Header.Get("If-Match"); m != "" && (!exists || existing.etag != m) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		w.Header().Set("ETag", s.store(r.URL.Path, string(data)))
		if exists {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
	case http.MethodDelete:
		existing, exists := s.items[r.URL.Path]
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if m := r.Header.Get("If-Match"); m != "" && existing.etag != m {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		delete(s.items, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *FakeCalDAVServer) writeReport(w http.ResponseWriter, collection string, withData bool) {
	prefix := strings.TrimRight(collection, "/") + "/"
	paths := make([]string, 0, len(s.items))
	for p := range s.items {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">`)
	for _, p := range paths {
		it := s.items[p]
		b.WriteString("<d:response><d:href>" + p + "</d:href><d:propstat><d:prop>")
		b.WriteString("<d:getetag>" + escapeXML(it.etag) + "</d:getetag>")
		if withData {
			b.WriteString("<cal:calendar-data>" + escapeXML(it.data) + "</cal:calendar-data>")
		}
		b.WriteString("</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>")
	}
	b.WriteString("</d:multistatus>")

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	io.WriteString(w, b.String())
}

func escapeXML(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
