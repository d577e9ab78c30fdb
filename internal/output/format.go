// Package output provides formatters for CLI output.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"tasksync/internal/service"
	"tasksync/internal/syncer"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "2006-01-02 15:04"
)

// FormatTask formats a task line.
// Format: "{N:>4}  [x] {TITLE}{ (priority)}{ due DATE}\n"
func FormatTask(w io.Writer, num int, task service.SyncableTask) {
	mark := "[ ]"
	if task.Completed {
		mark = "[x]"
	}
	line := fmt.Sprintf("%4d  %s %s", num, mark, normalizeTitle(task.Title))
	if task.Priority != "" && task.Priority != service.PriorityNone {
		line += fmt.Sprintf(" (%s)", task.Priority)
	}
	if task.Due != nil {
		line += " due " + task.Due.Local().Format(dateLayout)
	}
	fmt.Fprintln(w, line)
}

// FormatCollection formats a discovered calendar or task list.
// Format: "{N:>4}  {NAME}  {URL}{  (n todos)}{  [fallback]}\n"
func FormatCollection(w io.Writer, num int, c service.CalendarCollection) {
	line := fmt.Sprintf("%4d  %s  %s", num, normalizeListTitle(c.DisplayName), c.URL)
	if c.TodoCount >= 0 {
		line += fmt.Sprintf("  (%d todos)", c.TodoCount)
	}
	if c.Synthetic {
		line += "  [fallback]"
	}
	fmt.Fprintln(w, line)
}

// FormatProgress formats a progress report.
func FormatProgress(w io.Writer, p syncer.Progress) {
	fmt.Fprintf(w, "%s: %3d%% %s\n", p.Provider, p.Percent, p.Stage)
}

// FormatSyncResult formats the outcome of one cycle, followed by one line
// per conflict and item error.
func FormatSyncResult(w io.Writer, res *syncer.SyncResult) {
	fmt.Fprintf(w, "%s: added %d, updated %d, deleted %d", res.Provider, res.Added, res.Updated, res.Deleted)
	if n := len(res.Conflicts); n > 0 {
		fmt.Fprintf(w, ", %d conflict(s)", n)
	}
	if n := len(res.Errors); n > 0 {
		fmt.Fprintf(w, ", %d error(s)", n)
	}
	fmt.Fprintln(w)

	for _, c := range res.Conflicts {
		id := c.TaskID
		if id == "" {
			id = "(snapshot)"
		}
		fmt.Fprintf(w, "  conflict %s: %s\n", id, c.Reason)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  error %s\n", e.Error())
	}
}

// FormatStatus formats a provider status block.
func FormatStatus(w io.Writer, id service.ProviderID, state syncer.ProviderSyncState, auth string, unavailable error) {
	fmt.Fprintf(w, "%s\n", id)
	if unavailable != nil {
		fmt.Fprintf(w, "  unavailable: %v\n", unavailable)
	}
	enabled := "enabled"
	if !state.Enabled {
		enabled = "disabled"
	}
	fmt.Fprintf(w, "  state:      %s, policy %s\n", enabled, state.Policy)
	if auth != "" {
		fmt.Fprintf(w, "  auth:       %s\n", auth)
	}
	if state.NeedsReauth {
		fmt.Fprintf(w, "  needs login (run: tasksync login %s)\n", id)
	}
	fmt.Fprintf(w, "  last sync:  %s\n", formatTime(state.LastSync))
	if state.AutoSync {
		fmt.Fprintf(w, "  auto-sync:  every %s\n", state.Interval)
	}
	if state.LastError != "" {
		fmt.Fprintf(w, "  last error: %s\n", oneLine(state.LastError))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(timeLayout)
}

// normalizeTitle normalizes a task title for display.
// - Empty or whitespace-only titles become "(untitled)"
// - Newlines are replaced with spaces
func normalizeTitle(title string) string {
	title = oneLine(title)
	if strings.TrimSpace(title) == "" {
		return "(untitled)"
	}
	return title
}

// normalizeListTitle normalizes a calendar or list name for display.
// Empty or whitespace-only names become "(untitled)".
func normalizeListTitle(title string) string {
	if strings.TrimSpace(title) == "" {
		return "(untitled)"
	}
	return title
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
