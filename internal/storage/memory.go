package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/INDEVOPS/calendar/internal/model"
	"github.com/INDEVOPS/calendar/internal/recurrence"
)

// ErrNotFound is returned by write operations targeting an event that is
// not stored. Lookups return (nil, nil) instead.
var ErrNotFound = errors.New("storage: event not found")

// Memory is a mutex-guarded in-memory Driver. It backs the test suite
// and the demo server; it is not a persistence layer.
type Memory struct {
	mu        sync.RWMutex
	calendars []Calendar
	events    map[string]*model.Event // key: calendarID + "/" + id
	engine    recurrence.Engine
}

// NewMemory creates an in-memory driver with the given calendars. With no
// calendars given, a single editable personal calendar is created.
func NewMemory(calendars ...Calendar) *Memory {
	if len(calendars) == 0 {
		calendars = []Calendar{{ID: "personal", Name: "Personal", Editable: true, Personal: true}}
	}
	return &Memory{
		calendars: calendars,
		events:    make(map[string]*model.Event),
	}
}

func key(calendarID, id string) string {
	return calendarID + "/" + id
}

func (m *Memory) calendar(id string) *Calendar {
	for i := range m.calendars {
		if m.calendars[i].ID == id {
			return &m.calendars[i]
		}
	}
	return nil
}

// GetEvent implements Driver.
func (m *Memory) GetEvent(q Query, mask Filter) (*model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ev := range m.events {
		cal := m.calendar(ev.CalendarID)
		if cal == nil || !cal.Matches(mask) {
			continue
		}
		if q.CalendarID != "" && ev.CalendarID != q.CalendarID {
			continue
		}
		if q.ID != "" && ev.ID != q.ID {
			continue
		}
		if q.UID != "" && ev.UID != q.UID {
			continue
		}
		if q.ID == "" && q.UID == "" {
			continue
		}
		if q.InstanceID != "" && ev.InstanceID != "" && ev.InstanceID != q.InstanceID {
			continue
		}
		out := ev.Clone()
		return &out, nil
	}
	return nil, nil
}

// NewEvent implements Driver.
func (m *Memory) NewEvent(ev *model.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.CalendarID == "" {
		return "", errors.New("storage: event has no calendar")
	}
	cal := m.calendar(ev.CalendarID)
	if cal == nil || !cal.Editable {
		return "", fmt.Errorf("storage: calendar %q not writable", ev.CalendarID)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	stored := ev.Clone()
	m.events[key(ev.CalendarID, ev.ID)] = &stored
	return ev.ID, nil
}

// EditEvent implements Driver.
func (m *Memory) EditEvent(ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(ev.CalendarID, ev.ID)
	if _, ok := m.events[k]; !ok {
		return ErrNotFound
	}
	stored := ev.Clone()
	m.events[k] = &stored
	return nil
}

// RemoveEvent implements Driver.
func (m *Memory) RemoveEvent(ev *model.Event, hard bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(ev.CalendarID, ev.ID)
	if _, ok := m.events[k]; !ok {
		return ErrNotFound
	}
	delete(m.events, k)
	return nil
}

// RestoreEvent implements Driver.
func (m *Memory) RestoreEvent(ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := ev.Clone()
	m.events[key(ev.CalendarID, ev.ID)] = &stored
	return nil
}

// UpdateAttendees implements Driver.
func (m *Memory) UpdateAttendees(ev *model.Event, subset []model.Attendee) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(ev.CalendarID, ev.ID)
	stored, ok := m.events[k]
	if !ok {
		return ErrNotFound
	}
	stored.Attendees = append([]model.Attendee(nil), ev.Attendees...)
	stored.Changed = ev.Changed
	return nil
}

// GetRecurringEvents implements Driver.
func (m *Memory) GetRecurringEvents(master *model.Event, from, to time.Time) ([]model.Event, error) {
	occs, err := m.engine.Expand(master, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]model.Event, 0, len(occs))
	for _, occ := range occs {
		var inst model.Event
		if occ.Override != nil {
			inst = occ.Override.Clone()
		} else {
			inst = master.Clone()
			inst.Recurrence = nil
		}
		inst.Start = occ.Start
		inst.End = occ.End
		inst.InstanceID = occ.InstanceID
		inst.RecurrenceID = master.ID
		out = append(out, inst)
	}
	return out, nil
}

// ListCalendars implements Driver.
func (m *Memory) ListCalendars(mask Filter) ([]Calendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Calendar
	for _, c := range m.calendars {
		if c.Matches(mask) {
			out = append(out, c)
		}
	}
	return out, nil
}

// EventsFor returns the concrete events in [from, to] that the given
// address participates in or owns, with recurring series expanded.
func (m *Memory) EventsFor(email string, from, to time.Time) ([]model.Event, error) {
	m.mu.RLock()
	masters := make([]*model.Event, 0, len(m.events))
	for _, ev := range m.events {
		masters = append(masters, ev)
	}
	m.mu.RUnlock()

	norm := model.NormalizeEmail(email)
	var out []model.Event
	for _, ev := range masters {
		if model.NormalizeEmail(ev.Owner) != norm && ev.FindAttendee(email) < 0 {
			continue
		}
		if ev.IsRecurring() {
			insts, err := m.GetRecurringEvents(ev, from, to)
			if err != nil {
				return nil, err
			}
			out = append(out, insts...)
			continue
		}
		if ev.Start.Before(to) && ev.End.After(from) {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}
