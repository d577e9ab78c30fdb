package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"tasksync/internal/engine"
	"tasksync/internal/exitcode"
	"tasksync/internal/service"
	"tasksync/internal/store/sqlite"
	"tasksync/internal/syncer"
)

// reportError prints err and returns the matching exit code.
func reportError(errOut io.Writer, err error) int {
	switch {
	case errors.Is(err, engine.ErrNotConfigured), errors.Is(err, syncer.ErrUnknownProvider):
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.AuthError
	case errors.Is(err, syncer.ErrDisabled), errors.Is(err, sqlite.ErrTaskNotFound), errors.Is(err, ErrTaskOutOfRange), errors.Is(err, ErrAmbiguousRef):
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.UserError
	}

	code := exitcode.FromError(err)
	switch code {
	case exitcode.AuthError:
		fmt.Fprintf(errOut, "error: auth error: %v\n", err)
	case exitcode.BackendError:
		fmt.Fprintf(errOut, "error: backend error: %v\n", err)
	default:
		fmt.Fprintf(errOut, "error: %v\n", err)
	}
	return code
}

// worse returns the more severe of two exit codes.
func worse(a, b int) int {
	if b > a {
		return b
	}
	return a
}

// parseProvider parses a provider name given on the command line.
func parseProvider(s string) (service.ProviderID, error) {
	switch id := service.ProviderID(strings.ToLower(strings.TrimSpace(s))); id {
	case service.ProviderCalDAV, service.ProviderGoogle, service.ProviderDropbox:
		return id, nil
	case "":
		return "", errors.New("provider required (caldav, google or dropbox)")
	default:
		return "", fmt.Errorf("unknown provider: %s", s)
	}
}

// providerArg parses the single positional provider argument.
func providerArg(args []string, errOut io.Writer) (service.ProviderID, bool) {
	if len(args) != 1 {
		fmt.Fprintln(errOut, "error: provider required (caldav, google or dropbox)")
		return "", false
	}
	id, err := parseProvider(args[0])
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return "", false
	}
	return id, true
}
