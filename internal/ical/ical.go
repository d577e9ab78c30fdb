// Package ical encodes and decodes VTODO components.
//
// Content lines, folding and TEXT escaping are handled by go-ical; this
// package owns the mapping between VTODO properties and tasks.
package ical

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"

	"tasksync/internal/service"
)

const (
	prodID = "-//tasksync//tasksync//EN"

	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405"
)

var (
	// ErrNoTodo is returned for documents without a VTODO component.
	ErrNoTodo = errors.New("no VTODO component")
	// ErrMissingUID is returned for a VTODO without UID.
	ErrMissingUID = errors.New("VTODO has no UID")
	// ErrMissingSummary is returned for a VTODO without SUMMARY. The UID is
	// still reported.
	ErrMissingSummary = errors.New("VTODO has no SUMMARY")
)

// PriorityToNumeric maps a task priority to the VTODO PRIORITY value.
// PriorityNone maps to 0, which means the property is omitted.
func PriorityToNumeric(p service.Priority) int {
	switch p {
	case service.PriorityHigh:
		return 1
	case service.PriorityMedium:
		return 5
	case service.PriorityLow:
		return 7
	default:
		return 0
	}
}

// PriorityFromNumeric maps a VTODO PRIORITY value to a task priority.
func PriorityFromNumeric(n int) service.Priority {
	switch {
	case n >= 1 && n <= 3:
		return service.PriorityHigh
	case n >= 4 && n <= 6:
		return service.PriorityMedium
	case n >= 7 && n <= 9:
		return service.PriorityLow
	default:
		return service.PriorityNone
	}
}

// Encode serializes task as a VCALENDAR document holding one VTODO.
// The UID is task.RemoteUID, falling back to task.ID.
func Encode(task service.SyncableTask) (string, error) {
	uid := task.RemoteUID
	if uid == "" {
		uid = task.ID
	}
	stamp := task.LastModified
	if stamp.IsZero() {
		stamp = task.CreatedAt
	}
	if stamp.IsZero() {
		stamp = time.Now()
	}

	todo := goical.NewComponent(goical.CompToDo)
	todo.Props.SetText(goical.PropUID, uid)
	setValue(todo, goical.PropDateTimeStamp, FormatDateTime(stamp))
	todo.Props.SetText(goical.PropSummary, task.Title)
	if task.Description != "" {
		todo.Props.SetText(goical.PropDescription, task.Description)
	}
	if task.Completed {
		setValue(todo, goical.PropStatus, string(service.StatusCompleted))
		setValue(todo, goical.PropPercentComplete, "100")
	} else {
		setValue(todo, goical.PropStatus, string(service.StatusNeedsAction))
		setValue(todo, goical.PropPercentComplete, strconv.Itoa(clampPercent(task.Progress)))
	}
	if n := PriorityToNumeric(task.Priority); n != 0 {
		setValue(todo, goical.PropPriority, strconv.Itoa(n))
	}
	if task.Due != nil {
		setValue(todo, goical.PropDue, FormatDateTime(*task.Due))
	}
	if task.Start != nil {
		setValue(todo, goical.PropDateTimeStart, FormatDateTime(*task.Start))
	}
	if !task.CreatedAt.IsZero() {
		setValue(todo, goical.PropCreated, FormatDateTime(task.CreatedAt))
	}
	if !task.LastModified.IsZero() {
		setValue(todo, goical.PropLastModified, FormatDateTime(task.LastModified))
	}
	if len(task.Categories) > 0 {
		cats := goical.NewProp(goical.PropCategories)
		cats.SetTextList(task.Categories)
		todo.Props.Set(cats)
	}

	cal := goical.NewCalendar()
	setValue(cal.Component, goical.PropVersion, "2.0")
	setValue(cal.Component, goical.PropProductID, prodID)
	cal.Children = append(cal.Children, todo)

	var buf bytes.Buffer
	if err := goical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encoding todo %s: %w", uid, err)
	}
	return buf.String(), nil
}

// Decode parses the first VTODO in text. A VTODO without SUMMARY yields
// ErrMissingSummary together with the UID it carries, so callers can tell
// which item was skipped.
func Decode(text string) (service.RemoteTodo, error) {
	comp, err := firstTodo(text)
	if err != nil {
		return service.RemoteTodo{}, err
	}

	var todo service.RemoteTodo
	todo.UID = propText(comp, goical.PropUID)
	if todo.UID == "" {
		return service.RemoteTodo{}, ErrMissingUID
	}
	if comp.Props.Get(goical.PropSummary) == nil {
		return service.RemoteTodo{UID: todo.UID}, ErrMissingSummary
	}

	todo.Summary = propText(comp, goical.PropSummary)
	todo.Description = propText(comp, goical.PropDescription)
	if p := comp.Props.Get(goical.PropStatus); p != nil {
		todo.Status = service.TodoStatus(strings.ToUpper(strings.TrimSpace(p.Value)))
	}
	if n, ok := propInt(comp, goical.PropPercentComplete); ok {
		todo.PercentComplete = clampPercent(n)
	}
	if n, ok := propInt(comp, goical.PropPriority); ok {
		todo.Priority = n
	}
	if t, ok := propTime(comp, goical.PropDue); ok {
		todo.Due = &t
	}
	if t, ok := propTime(comp, goical.PropDateTimeStart); ok {
		todo.Start = &t
	}
	if t, ok := propTime(comp, goical.PropCreated); ok {
		todo.Created = t
	}
	if t, ok := propTime(comp, goical.PropLastModified); ok {
		todo.LastModified = t
	}
	for _, p := range comp.Props[goical.PropCategories] {
		list, err := p.TextList()
		if err != nil {
			continue
		}
		for _, c := range list {
			if c = strings.TrimSpace(c); c != "" {
				todo.Categories = append(todo.Categories, c)
			}
		}
	}

	if todo.Status == "" {
		todo.Status = service.StatusNeedsAction
	}
	return todo, nil
}

// firstTodo returns the first top-level VTODO of the first calendar in text.
// Nested components such as VALARM stay children of the VTODO.
func firstTodo(text string) (*goical.Component, error) {
	// Servers and tests are not consistent about CRLF.
	text = strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\n", "\r\n")
	dec := goical.NewDecoder(strings.NewReader(text))
	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			return nil, ErrNoTodo
		}
		if err != nil {
			return nil, fmt.Errorf("parsing calendar: %w", err)
		}
		for _, child := range cal.Children {
			if child.Name == goical.CompToDo {
				return child, nil
			}
		}
	}
}

// FormatDateTime formats t as a UTC basic-format date-time.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format(dateTimeLayout) + "Z"
}

// ParseDateTime parses a basic-format date (8 digits) or date-time
// (at least 15 characters, optional trailing Z). Floating times use tzid
// when it names a known location and the local zone otherwise.
func ParseDateTime(value, tzid string) (time.Time, error) {
	value = strings.TrimSpace(value)
	loc := time.Local
	if tzid != "" {
		if l, err := time.LoadLocation(strings.Trim(tzid, `"`)); err == nil {
			loc = l
		}
	}

	switch {
	case len(value) == 8:
		return time.ParseInLocation(dateLayout, value, loc)
	case len(value) >= 15:
		if strings.HasSuffix(value, "Z") {
			return time.ParseInLocation(dateTimeLayout, value[:15], time.UTC)
		}
		return time.ParseInLocation(dateTimeLayout, value[:15], loc)
	default:
		return time.Time{}, fmt.Errorf("invalid date value: %q", value)
	}
}

func setValue(comp *goical.Component, name, value string) {
	p := goical.NewProp(name)
	p.Value = value
	comp.Props.Set(p)
}

func propText(comp *goical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	s, err := p.Text()
	if err != nil {
		return p.Value
	}
	return s
}

func propInt(comp *goical.Component, name string) (int, bool) {
	p := comp.Props.Get(name)
	if p == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(p.Value))
	return n, err == nil
}

// propTime keeps this package's date rules instead of go-ical's, which
// reject some shapes servers send.
func propTime(comp *goical.Component, name string) (time.Time, bool) {
	p := comp.Props.Get(name)
	if p == nil {
		return time.Time{}, false
	}
	t, err := ParseDateTime(p.Value, p.Params.Get(goical.ParamTimezoneID))
	return t, err == nil
}

func clampPercent(n int) int {
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	default:
		return n
	}
}
