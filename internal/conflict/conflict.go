// Package conflict decides which side wins when a task changed in two places.
package conflict

import (
	"fmt"
	"time"

	"tasksync/internal/service"
)

// Policy is a conflict resolution policy.
type Policy string

const (
	// LastWriteWins keeps the strictly newer side.
	LastWriteWins Policy = "last-write-wins"
	// Manual reports differing versions back to the caller instead of
	// choosing a winner.
	Manual Policy = "manual"
)

// ParsePolicy parses a policy name. An empty name means LastWriteWins.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", LastWriteWins:
		return LastWriteWins, nil
	case Manual:
		return Manual, nil
	default:
		return "", fmt.Errorf("unknown conflict policy: %s", s)
	}
}

// Decision is the outcome of a resolution.
type Decision int

const (
	NoChange Decision = iota
	LocalWins
	RemoteWins
	Unresolved
)

func (d Decision) String() string {
	switch d {
	case NoChange:
		return "no-change"
	case LocalWins:
		return "local-wins"
	case RemoteWins:
		return "remote-wins"
	case Unresolved:
		return "unresolved"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Resolution is the precision timestamps are compared at. Remote formats
// carry whole seconds.
const Resolution = time.Second

// Resolve compares the last-modified instants of both sides.
// Equal instants never produce a write.
func Resolve(policy Policy, local, remote time.Time) Decision {
	l := local.Truncate(Resolution)
	r := remote.Truncate(Resolution)
	switch {
	case l.Equal(r):
		return NoChange
	case policy == Manual:
		return Unresolved
	case l.After(r):
		return LocalWins
	default:
		return RemoteWins
	}
}

// ResolveTodo decides between a local task and its remote counterpart.
//
// When the remote etag still equals the one stored locally, the remote side
// has not changed since the last sync, so local wins only if it was edited
// after lastSync. Otherwise Resolve decides on timestamps; a remote todo
// without LAST-MODIFIED falls back to its CREATED instant.
func ResolveTodo(policy Policy, local service.SyncableTask, remote service.RemoteTodo, lastSync time.Time) Decision {
	if local.ETag != "" && local.ETag == remote.ETag {
		if local.LastModified.Truncate(Resolution).After(lastSync.Truncate(Resolution)) {
			return LocalWins
		}
		return NoChange
	}

	remoteModified := remote.LastModified
	if remoteModified.IsZero() {
		remoteModified = remote.Created
	}
	if remoteModified.IsZero() {
		// Nothing to compare against and the etag moved: take the remote.
		if policy == Manual {
			return Unresolved
		}
		return RemoteWins
	}
	return Resolve(policy, local.LastModified, remoteModified)
}
