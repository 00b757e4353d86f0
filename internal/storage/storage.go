// Package storage defines the calendar storage contract the scheduling
// core writes through, plus an in-memory driver used by tests and the
// demo server. Persistence backends own their locking and atomicity;
// every call here is atomic from the caller's point of view.
package storage

import (
	"time"

	"github.com/INDEVOPS/calendar/internal/model"
)

// Filter restricts which calendars a lookup or write may touch.
type Filter int

const (
	FilterWriteable Filter = 1 << iota
	FilterPersonal
	FilterShared
)

// Query identifies an event. Either ID or UID must be set; InstanceID
// narrows the lookup to a detached instance of a recurring series.
type Query struct {
	ID         string
	UID        string
	CalendarID string
	InstanceID string
}

// Calendar is one storage-side calendar folder.
type Calendar struct {
	ID       string
	Name     string
	Editable bool
	Personal bool
	Shared   bool
}

// Matches reports whether the calendar satisfies the filter mask.
func (c Calendar) Matches(mask Filter) bool {
	if mask&FilterWriteable != 0 && !c.Editable {
		return false
	}
	if mask&(FilterPersonal|FilterShared) != 0 {
		if !(mask&FilterPersonal != 0 && c.Personal) && !(mask&FilterShared != 0 && c.Shared) {
			return false
		}
	}
	return true
}

// Driver is the storage collaborator contract.
type Driver interface {
	// GetEvent returns the event matching q within calendars allowed by
	// mask, or nil when absent.
	GetEvent(q Query, mask Filter) (*model.Event, error)

	// NewEvent persists a new event and returns its storage id.
	NewEvent(ev *model.Event) (string, error)

	// EditEvent replaces the stored event.
	EditEvent(ev *model.Event) error

	// RemoveEvent deletes the event; hard skips any trash/soft-delete
	// the backend might otherwise keep.
	RemoveEvent(ev *model.Event, hard bool) error

	// RestoreEvent re-inserts a previously removed event.
	RestoreEvent(ev *model.Event) error

	// UpdateAttendees persists an attendee-only change. The subset
	// carries the entries that actually changed so backends can avoid
	// a full rewrite.
	UpdateAttendees(ev *model.Event, subset []model.Attendee) error

	// GetRecurringEvents materializes the master event's occurrences in
	// [from, to], with exceptions applied consistently with recurrence
	// expansion.
	GetRecurringEvents(master *model.Event, from, to time.Time) ([]model.Event, error)

	// ListCalendars returns the calendars matching the filter mask.
	ListCalendars(mask Filter) ([]Calendar, error)
}
