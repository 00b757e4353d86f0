// Package freebusy aggregates busy intervals into point-in-time statuses
// and discretized status timelines.
//
// A nil slot slice is the sentinel for "the data source has no free/busy
// information at all" and yields UNKNOWN everywhere; an empty non-nil
// slice means the queried identity is simply free.
package freebusy

import (
	"time"

	"github.com/INDEVOPS/calendar/internal/model"
)

// StatusAt returns the status covering the given instant. FREE when no
// slot covers it; otherwise the first covering slot's status, except that
// BUSY wins over any other covering slot.
func StatusAt(slots []model.FreeBusySlot, at time.Time) model.FreeBusy {
	return StatusIn(slots, at, at.Add(time.Nanosecond))
}

// StatusIn returns the aggregate status over the half-open window
// [from, to). BUSY short-circuits the scan; it cannot be overridden by
// any other overlapping slot.
func StatusIn(slots []model.FreeBusySlot, from, to time.Time) model.FreeBusy {
	if slots == nil {
		return model.FreeBusyUnknown
	}

	status := model.FreeBusyFree
	covered := false
	for _, slot := range slots {
		if !slot.Covers(from, to) {
			continue
		}
		st := slot.Status
		if st == model.FreeBusyUnknown {
			st = model.FreeBusyBusy
		}
		if st == model.FreeBusyBusy {
			return model.FreeBusyBusy
		}
		if !covered {
			status = st
			covered = true
		}
	}
	return status
}

// Timeline buckets [start, end) into fixed-width intervals and computes
// each bucket's status the way StatusIn does. Whole-day UTC slots are
// shifted by the viewer's UTC offset first, so "all day" matches the
// viewer's local day rather than UTC's.
func Timeline(slots []model.FreeBusySlot, start, end time.Time, intervalMinutes int, viewer *time.Location) []model.FreeBusy {
	if intervalMinutes <= 0 {
		intervalMinutes = 60
	}
	interval := time.Duration(intervalMinutes) * time.Minute

	shifted := shiftAllDay(slots, viewer, start)

	var out []model.FreeBusy
	for t := start; t.Before(end); t = t.Add(interval) {
		out = append(out, StatusIn(shifted, t, t.Add(interval)))
	}
	return out
}

// Tokens renders a status sequence as the compact one-character-per-bucket
// wire string.
func Tokens(statuses []model.FreeBusy) string {
	buf := make([]byte, len(statuses))
	for i, st := range statuses {
		buf[i] = st.Token()
	}
	return string(buf)
}

// shiftAllDay returns a copy of slots in which every slot spanning exactly
// one whole UTC day is moved by the viewer's UTC offset. Other slots are
// passed through unchanged. A nil input stays nil so the UNKNOWN sentinel
// survives.
func shiftAllDay(slots []model.FreeBusySlot, viewer *time.Location, at time.Time) []model.FreeBusySlot {
	if slots == nil {
		return nil
	}
	if viewer == nil {
		viewer = time.UTC
	}
	_, offsetSec := at.In(viewer).Zone()
	offset := time.Duration(offsetSec) * time.Second

	out := make([]model.FreeBusySlot, len(slots))
	for i, slot := range slots {
		if offset != 0 && isWholeUTCDay(slot) {
			slot.Start = slot.Start.Add(-offset)
			slot.End = slot.End.Add(-offset)
		}
		out[i] = slot
	}
	return out
}

func isWholeUTCDay(slot model.FreeBusySlot) bool {
	start := slot.Start.UTC()
	end := slot.End.UTC()
	if start.Hour() != 0 || start.Minute() != 0 || start.Second() != 0 {
		return false
	}
	// Accept both the half-open midnight-to-midnight form and the
	// inclusive 23:59:59 form seen in the wild.
	switch d := end.Sub(start); {
	case d == 24*time.Hour:
		return true
	case d == 24*time.Hour-time.Second:
		return true
	}
	return false
}
