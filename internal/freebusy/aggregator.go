package freebusy

import (
	"time"

	"github.com/INDEVOPS/calendar/internal/log"
	"github.com/INDEVOPS/calendar/internal/model"
)

// Source answers busy-interval queries for one address. A nil slice
// means the source has no data for the address; an empty non-nil slice
// means the address is known to be free in the window.
type Source interface {
	Slots(email string, from, to time.Time) ([]model.FreeBusySlot, error)
}

// Aggregator merges the answers of multiple sources. The result stays
// nil (unknown) only when every source reported unknown; source errors
// are logged and treated as unknown.
type Aggregator struct {
	Sources []Source
}

func (a Aggregator) Slots(email string, from, to time.Time) []model.FreeBusySlot {
	var merged []model.FreeBusySlot
	for _, src := range a.Sources {
		slots, err := src.Slots(email, from, to)
		if err != nil {
			log.Error("freebusy source failed", err, "email", email)
			continue
		}
		if slots == nil {
			continue
		}
		if merged == nil {
			merged = []model.FreeBusySlot{}
		}
		merged = append(merged, slots...)
	}
	return merged
}

// EventLister is implemented by storage drivers that can enumerate the
// events an address participates in.
type EventLister interface {
	EventsFor(email string, from, to time.Time) ([]model.Event, error)
}

// EventSource derives busy intervals from stored events.
type EventSource struct {
	Store EventLister
}

func (s EventSource) Slots(email string, from, to time.Time) ([]model.FreeBusySlot, error) {
	events, err := s.Store.EventsFor(email, from, to)
	if err != nil {
		return nil, err
	}

	slots := []model.FreeBusySlot{}
	for i := range events {
		ev := &events[i]
		if ev.Status == model.StatusCancelled || ev.FreeBusy == model.FreeBusyFree {
			continue
		}
		if ai := ev.FindAttendee(email); ai >= 0 && ev.Attendees[ai].Status == model.PartStatDeclined {
			continue
		}
		status := ev.FreeBusy
		if status == model.FreeBusyUnknown {
			status = model.FreeBusyBusy
		}
		if ev.Status == model.StatusTentative {
			status = model.FreeBusyTentative
		}
		slots = append(slots, model.FreeBusySlot{Start: ev.Start, End: ev.End, Status: status})
	}
	return slots, nil
}
