// Package attendee reconciles attendee lists across edits, replies and
// delegation, and computes the field-level diff used to suppress
// redundant notifications.
package attendee

import (
	"reflect"
	"strings"

	"github.com/INDEVOPS/calendar/internal/model"
)

// Merge applies incoming attendee entries onto an existing list. An
// incoming entry replaces the existing entry with the same email
// (case-insensitive) in place, or is appended when absent. Entries whose
// email is listed in removed are dropped afterwards. The input slices are
// not mutated.
func Merge(existing, incoming []model.Attendee, removed []string) []model.Attendee {
	out := append([]model.Attendee(nil), existing...)

	for _, in := range incoming {
		replaced := false
		for i := range out {
			if out[i].Is(in.Email) {
				out[i] = in
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, in)
		}
	}

	if len(removed) == 0 {
		return out
	}

	kept := out[:0]
	for _, a := range out {
		drop := false
		for _, email := range removed {
			if a.Is(email) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, a)
		}
	}
	return kept
}

// Diff compares two event snapshots structurally and returns the names of
// differing properties. The changed timestamp and attachment binary
// content are ignored; attachments are compared by count only.
func Diff(a, b *model.Event) []string {
	if a == nil || b == nil {
		if a == b {
			return nil
		}
		return []string{"event"}
	}

	var diff []string
	add := func(name string, differs bool) {
		if differs {
			diff = append(diff, name)
		}
	}

	add("id", a.ID != b.ID)
	add("calendar", a.CalendarID != b.CalendarID)
	add("uid", a.UID != b.UID)
	add("title", a.Title != b.Title)
	add("description", a.Description != b.Description)
	add("location", a.Location != b.Location)
	add("url", a.URL != b.URL)
	add("start", !a.Start.Equal(b.Start))
	add("end", !a.End.Equal(b.End))
	add("allday", a.AllDay != b.AllDay)
	add("sequence", a.Sequence != b.Sequence)
	add("status", a.Status != b.Status)
	add("free_busy", a.FreeBusy != b.FreeBusy)
	add("sensitivity", a.Sensitivity != b.Sensitivity)
	add("recurrence", !reflect.DeepEqual(a.Recurrence, b.Recurrence))
	add("recurrence_id", a.RecurrenceID != b.RecurrenceID)
	add("attendees", !reflect.DeepEqual(a.Attendees, b.Attendees))
	add("alarms", !reflect.DeepEqual(a.Alarms, b.Alarms))
	add("links", !reflect.DeepEqual(a.Links, b.Links))
	add("created", !a.Created.Equal(b.Created))
	add("attachments", len(a.Attachments) != len(b.Attachments))

	return diff
}

// PreserveSelfStatus copies the current user's own participation status
// from prev into next. Organizer-initiated updates otherwise reset every
// attendee to the incoming snapshot, which must not downgrade the user's
// own RSVP when the edit did not touch attendee data.
func PreserveSelfStatus(next *model.Event, prev *model.Event, selfEmails []string) {
	if next == nil || prev == nil {
		return
	}
	for _, email := range selfEmails {
		p := prev.FindAttendee(email)
		if p < 0 || prev.Attendees[p].Status == "" {
			continue
		}
		if n := next.FindAttendee(email); n >= 0 {
			next.Attendees[n].Status = prev.Attendees[p].Status
			next.Attendees[n].RSVP = prev.Attendees[p].RSVP
		}
	}
}

// IsSelf reports whether the given address belongs to the identity set.
func IsSelf(email string, selfEmails []string) bool {
	for _, self := range selfEmails {
		if strings.EqualFold(email, self) {
			return true
		}
	}
	return false
}
