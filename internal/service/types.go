// Package service defines the backend-agnostic types shared by sync components.
package service

import "time"

// ProviderID identifies a remote provider.
type ProviderID string

const (
	ProviderCalDAV  ProviderID = "caldav"
	ProviderGoogle  ProviderID = "google"
	ProviderDropbox ProviderID = "dropbox"
)

// Priority is a task priority.
type Priority string

const (
	PriorityNone   Priority = "none"
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority parses a priority name. Unknown names map to PriorityNone.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return Priority(s)
	default:
		return PriorityNone
	}
}

// TodoStatus is the status of a remote todo.
type TodoStatus string

const (
	StatusNeedsAction TodoStatus = "NEEDS-ACTION"
	StatusCompleted   TodoStatus = "COMPLETED"
	StatusInProcess   TodoStatus = "IN-PROCESS"
	StatusCancelled   TodoStatus = "CANCELLED"
)

// SyncableTask is the local task as seen by the sync engine.
type SyncableTask struct {
	ID           string     `json:"id"`
	RemoteUID    string     `json:"remoteUid,omitempty"` // empty until first sync
	RemoteURL    string     `json:"remoteUrl,omitempty"` // href of the remote resource, if known
	ETag         string     `json:"etag,omitempty"`      // last seen remote version token
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Completed    bool       `json:"completed"`
	Progress     int        `json:"progress,omitempty"` // 0-100, ignored when Completed
	Priority     Priority   `json:"priority"`
	Due          *time.Time `json:"dueDate,omitempty"`
	Start        *time.Time `json:"startDate,omitempty"`
	Categories   []string   `json:"categories,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastModified time.Time  `json:"lastModified"`
}

// RemoteTodo is a todo decoded from a remote provider.
type RemoteTodo struct {
	UID             string
	Summary         string
	Description     string
	Status          TodoStatus
	PercentComplete int
	Priority        int // 0 = undefined, 1 = highest, 9 = lowest
	Due             *time.Time
	Start           *time.Time
	Created         time.Time
	LastModified    time.Time
	Categories      []string
	ETag            string
	Href            string

	// DecodeErr is set for a remote item that exists but could not be
	// decoded. Only UID (when readable), ETag and Href are filled then.
	DecodeErr error
}

// Completed reports whether the todo is done.
func (t RemoteTodo) Completed() bool {
	return t.Status == StatusCompleted
}

// CalendarCollection is a calendar discovered on a CalDAV server.
type CalendarCollection struct {
	URL         string
	DisplayName string
	Description string
	Color       string
	Components  []string // e.g. VTODO, VEVENT; empty when not declared
	TodoCount   int      // -1 when the count could not be fetched
	Synthetic   bool     // offered as a fallback, not seen on the server
}

// SupportsTodos reports whether the collection can hold VTODOs.
// Collections without a declared component set are assumed to.
func (c CalendarCollection) SupportsTodos() bool {
	if len(c.Components) == 0 {
		return true
	}
	for _, comp := range c.Components {
		if comp == "VTODO" {
			return true
		}
	}
	return false
}

// RemoteRef identifies a remote resource after a write.
type RemoteRef struct {
	UID  string
	ETag string
	Href string
}

// Tombstone records a local deletion that still has to reach remote providers.
type Tombstone struct {
	TaskID    string       `json:"taskId"`
	RemoteUID string       `json:"remoteUid,omitempty"`
	ETag      string       `json:"etag,omitempty"`
	DeletedAt time.Time    `json:"deletedAt"`
	Acked     []ProviderID `json:"-"`
}

// AckedBy reports whether provider already propagated the deletion.
func (t Tombstone) AckedBy(provider ProviderID) bool {
	for _, p := range t.Acked {
		if p == provider {
			return true
		}
	}
	return false
}

// SnapshotVersion is the current Snapshot payload version.
const SnapshotVersion = 1

// Snapshot is the full synced application state. It never carries
// credentials or settings.
type Snapshot struct {
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exportedAt"`
	Tasks      []SyncableTask `json:"tasks"`
	Tombstones []Tombstone    `json:"tombstones,omitempty"`
}

// TombstoneAck marks a tombstone as propagated to a provider.
type TombstoneAck struct {
	TaskID   string
	Provider ProviderID
}

// Patch is a set of local mutations produced by a sync cycle.
//
// Every delete leaves a tombstone so providers that have not seen the
// deletion yet still receive it. Deletes[i].Acked lists the providers that
// already know, normally the one the deletion came from.
type Patch struct {
	Upserts       []SyncableTask
	Deletes       []Tombstone
	AckTombstones []TombstoneAck
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.Upserts) == 0 && len(p.Deletes) == 0 && len(p.AckTombstones) == 0
}
