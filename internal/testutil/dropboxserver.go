package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// FakeDropboxServer implements the handful of Dropbox API v2 file endpoints
// the snapshot store uses. Point both the API and content base URLs at
// URL + "/2".
type FakeDropboxServer struct {
	*httptest.Server

	// AccessToken, when set, is the only bearer token accepted.
	AccessToken string
	// PageSize limits list_folder pages (default 100).
	PageSize int

	mu     sync.Mutex
	files  map[string]fakeFile
	revSeq int
	calls  map[string]int
}

type fakeFile struct {
	rev  string
	data []byte
}

// NewFakeDropboxServer starts a server that is closed with the test.
func NewFakeDropboxServer(t testing.TB) *FakeDropboxServer {
	s := &FakeDropboxServer{
		files: make(map[string]fakeFile),
		calls: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// BaseURL returns the URL to use for both API and content endpoints.
func (s *FakeDropboxServer) BaseURL() string { return s.URL + "/2" }

// SetAccessToken changes the accepted bearer token.
func (s *FakeDropboxServer) SetAccessToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AccessToken = tok
}

// PutFile stores data at p and returns its revision.
func (s *FakeDropboxServer) PutFile(p string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(p, data)
}

// File returns the data and revision stored at p.
func (s *FakeDropboxServer) File(p string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[strings.ToLower(p)]
	return f.data, f.rev, ok
}

// Calls returns how many requests hit endpoint, e.g. "files/upload".
func (s *FakeDropboxServer) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

func (s *FakeDropboxServer) store(p string, data []byte) string {
	s.revSeq++
	rev := fmt.Sprintf("%09x", s.revSeq)
	s.files[strings.ToLower(p)] = fakeFile{rev: rev, data: append([]byte(nil), data...)}
	return rev
}

func (s *FakeDropboxServer) meta(p string, f fakeFile) map[string]any {
	return map[string]any{
		".tag":         "file",
		"name":         path.Base(p),
		"path_display": p,
		"rev":          f.rev,
		"size":         len(f.data),
	}
}

func (s *FakeDropboxServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	endpoint := strings.TrimPrefix(r.URL.Path, "/2/")
	s.calls[endpoint]++

	if s.AccessToken != "" && r.Header.Get("Authorization") != "Bearer "+s.AccessToken {
		writeDropboxError(w, http.StatusUnauthorized, "expired_access_token/")
		return
	}

	var arg struct {
		Path   string `json:"path"`
		Cursor string `json:"cursor"`
		Mode   struct {
			Tag    string `json:".tag"`
			Update string `json:"update"`
		} `json:"mode"`
	}
	if h := r.Header.Get("Dropbox-API-Arg"); h != "" {
		if err := json.Unmarshal([]byte(h), &arg); err != nil {
			writeDropboxError(w, http.StatusBadRequest, "bad_arg")
			return
		}
	}
	body, _ := io.ReadAll(r.Body)
	if r.Header.Get("Content-Type") == "application/json" && len(body) > 0 {
		if err := json.Unmarshal(body, &arg); err != nil {
			writeDropboxError(w, http.StatusBadRequest, "bad_body")
			return
		}
	}
	key := strings.ToLower(arg.Path)

	switch endpoint {
	case "files/upload":
		existing, exists := s.files[key]
		switch arg.Mode.Tag {
		case "add":
			if exists {
				writeDropboxError(w, http.StatusConflict, "path/conflict/file/..")
				return
			}
		case "update":
			if !exists || existing.rev != arg.Mode.Update {
				writeDropboxError(w, http.StatusConflict, "path/conflict/file/..")
				return
			}
		}
		s.store(arg.Path, body)
		writeJSON(w, s.meta(arg.Path, s.files[key]))
	case "files/download":
		f, ok := s.files[key]
		if !ok {
			writeDropboxError(w, http.StatusConflict, "path/not_found/..")
			return
		}
		res, _ := json.Marshal(s.meta(arg.Path, f))
		w.Header().Set("Dropbox-API-Result", string(res))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(f.data)
	case "files/list_folder", "files/list_folder/continue":
		folder, offset := key, 0
		if endpoint == "files/list_folder/continue" {
			i := strings.LastIndex(arg.Cursor, "|")
			folder = arg.Cursor[:i]
			offset, _ = strconv.Atoi(arg.Cursor[i+1:])
		}
		s.listFolder(w, folder, offset)
	case "files/delete_v2":
		f, ok := s.files[key]
		if !ok {
			writeDropboxError(w, http.StatusConflict, "path_lookup/not_found/..")
			return
		}
		delete(s.files, key)
		writeJSON(w, map[string]any{"metadata": s.meta(arg.Path, f)})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *FakeDropboxServer) listFolder(w http.ResponseWriter, folder string, offset int) {
	var names []string
	for p := range s.files {
		if path.Dir(p) == folder {
			names = append(names, p)
		}
	}
	if len(names) == 0 && offset == 0 {
		writeDropboxError(w, http.StatusConflict, "path/not_found/..")
		return
	}
	sort.Strings(names)

	size := s.PageSize
	if size <= 0 {
		size = 100
	}
	end := offset + size
	if end > len(names) {
		end = len(names)
	}
	entries := make([]map[string]any, 0, end-offset)
	for _, p := range names[offset:end] {
		entries = append(entries, s.meta(p, s.files[p]))
	}
	writeJSON(w, map[string]any{
		"entries":  entries,
		"cursor":   folder + "|" + strconv.Itoa(end),
		"has_more": end < len(names),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeDropboxError(w http.ResponseWriter, status int, summary string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error_summary": summary})
}
