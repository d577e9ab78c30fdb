package syncerr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"tasksync/internal/syncerr"
)

func TestErrorIsKind(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", syncerr.New(syncerr.ErrConflict, "caldav.put", cause))

	if !errors.Is(err, syncerr.ErrConflict) {
		t.Error("expected errors.Is(err, ErrConflict)")
	}
	if errors.Is(err, syncerr.ErrTransport) {
		t.Error("did not expect errors.Is(err, ErrTransport)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	if syncerr.KindOf(err) != syncerr.ErrConflict {
		t.Errorf("expected KindOf to return ErrConflict, got %v", syncerr.KindOf(err))
	}
}

func TestErrorMessage(t *testing.T) {
	err := syncerr.New(syncerr.ErrNotFound, "dropbox.download", errors.New("path/not_found")).WithItem("/a/state.enc")
	expected := "dropbox.download: not found (/a/state.enc): path/not_found"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}

func TestFromStatus(t *testing.T) {
	cases := map[int]error{
		http.StatusOK:                   nil,
		http.StatusMultiStatus:          nil,
		http.StatusUnauthorized:         syncerr.ErrAuthorization,
		http.StatusForbidden:            syncerr.ErrAuthorization,
		http.StatusPreconditionFailed:   syncerr.ErrConflict,
		http.StatusNotFound:             syncerr.ErrNotFound,
		http.StatusTooManyRequests:      syncerr.ErrTransport,
		http.StatusBadGateway:           syncerr.ErrTransport,
		http.StatusBadRequest:           syncerr.ErrProtocol,
		http.StatusUnsupportedMediaType: syncerr.ErrProtocol,
	}
	for status, want := range cases {
		if got := syncerr.FromStatus(status); got != want {
			t.Errorf("status %d: expected %v, got %v", status, want, got)
		}
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if syncerr.KindOf(errors.New("plain")) != nil {
		t.Error("expected nil kind for unclassified error")
	}
	if syncerr.Retryable(errors.New("plain")) {
		t.Error("unclassified errors are not retryable")
	}
	if !syncerr.Retryable(syncerr.New(syncerr.ErrTransport, "op", nil)) {
		t.Error("transport errors are retryable")
	}
}
