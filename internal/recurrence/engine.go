// Package recurrence expands recurrence rules into concrete occurrences
// and locates the first valid occurrence of a recurring event.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/INDEVOPS/calendar/internal/model"
)

// ErrNoOccurrence is returned when a rule produces no occurrence within
// the engine's lookahead horizon.
var ErrNoOccurrence = errors.New("recurrence: rule produces no occurrence")

const (
	// defaultMaxOccurrences caps a single expansion to avoid extremely
	// large or runaway series.
	defaultMaxOccurrences = 5000

	// LookaheadHorizon bounds occurrence searches on a malformed or
	// unbounded rule.
	LookaheadHorizon = 10 * 365 * 24 * time.Hour

	// dailyHorizon is the shorter search bound for DAILY rules, which
	// produce an occurrence almost immediately when they produce one
	// at all.
	dailyHorizon = 365 * 24 * time.Hour
)

// Occurrence is one concrete instance produced by expanding a rule.
type Occurrence struct {
	Start time.Time
	End   time.Time

	// InstanceID is the occurrence key derived from the original start
	// (YYYYMMDD for all-day events, YYYYMMDDTHHMMSS otherwise).
	InstanceID string

	// Override carries the exception values substituted for this
	// instance, or nil when the master event applies unchanged.
	Override *model.Event
}

// Engine expands recurrence rules. The zero value is ready to use.
type Engine struct {
	// MaxOccurrences overrides the expansion cap when positive.
	MaxOccurrences int
}

// Expand produces the occurrences of ev's rule that intersect
// [rangeStart, rangeEnd], bounded by the rule's own count/until. Exception
// dates are skipped and per-instance overrides substituted, including the
// override's attendee snapshot.
func (en Engine) Expand(ev *model.Event, rangeStart, rangeEnd time.Time) ([]Occurrence, error) {
	if rangeEnd.Before(rangeStart) {
		return nil, errors.New("recurrence: range end before range start")
	}
	if !ev.IsRecurring() {
		if ev.Start.Before(rangeStart) || ev.Start.After(rangeEnd) {
			return nil, nil
		}
		return []Occurrence{makeOccurrence(ev, ev.Start)}, nil
	}

	set, err := buildSet(ev)
	if err != nil {
		return nil, err
	}

	limit := en.MaxOccurrences
	if limit <= 0 {
		limit = defaultMaxOccurrences
	}

	times := set.Between(rangeStart.In(ev.Start.Location()), rangeEnd.In(ev.Start.Location()), true)
	if len(times) > limit {
		times = times[:limit]
	}

	out := make([]Occurrence, 0, len(times))
	for _, start := range times {
		if ev.Recurrence.IsExcluded(start, ev.AllDay) {
			continue
		}
		out = append(out, makeOccurrence(ev, start))
	}
	return out, nil
}

// FirstOccurrence returns the earliest occurrence the event's rule
// produces, searching from the event's start up to a fixed horizon.
// Calling it repeatedly on the same event yields the same instant.
func (en Engine) FirstOccurrence(ev *model.Event) (time.Time, error) {
	if !ev.IsRecurring() {
		return ev.Start, nil
	}

	set, err := buildSet(ev)
	if err != nil {
		return time.Time{}, err
	}

	horizon := LookaheadHorizon
	if ev.Recurrence.Freq == model.FreqDaily {
		horizon = dailyHorizon
	}

	next := set.After(ev.Start.Add(-time.Second), true)
	if next.IsZero() || next.Sub(ev.Start) > horizon {
		return time.Time{}, fmt.Errorf("%w within %s", ErrNoOccurrence, horizon)
	}
	if ev.Recurrence.IsExcluded(next, ev.AllDay) {
		// First generated slot is carved out; take the next surviving one,
		// but never past the horizon.
		limit := ev.Start.Add(horizon)
		for {
			next = set.After(next, false)
			if next.IsZero() || next.After(limit) {
				break
			}
			if !ev.Recurrence.IsExcluded(next, ev.AllDay) {
				return next, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w within %s", ErrNoOccurrence, horizon)
	}
	return next, nil
}

// InstanceID formats the occurrence key for a given start time.
func InstanceID(start time.Time, allday bool) string {
	if allday {
		return start.Format("20060102")
	}
	return start.Format("20060102T150405")
}

func makeOccurrence(ev *model.Event, start time.Time) Occurrence {
	occ := Occurrence{Start: start, InstanceID: InstanceID(start, ev.AllDay)}

	if ev.AllDay {
		day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
		occ.Start = day
		occ.End = day.Add(24 * time.Hour)
	} else {
		occ.End = start.Add(ev.End.Sub(ev.Start))
	}

	if ex, ok := ev.Recurrence.ExceptionFor(start, ev.AllDay); ok {
		override := ex.Event.Clone()
		occ.Override = &override
		if !override.Start.IsZero() {
			occ.Start = override.Start
		}
		if !override.End.IsZero() {
			occ.End = override.End
		}
	}
	return occ
}

func buildSet(ev *model.Event) (*rrule.Set, error) {
	rule := ev.Recurrence

	opt := rrule.ROption{
		Interval: rule.Interval,
		Count:    rule.Count,
		Dtstart:  ev.Start,
	}
	if opt.Interval <= 0 {
		opt.Interval = 1
	}
	if !rule.Until.IsZero() {
		opt.Until = rule.Until
	}

	switch rule.Freq {
	case model.FreqDaily:
		opt.Freq = rrule.DAILY
	case model.FreqWeekly:
		opt.Freq = rrule.WEEKLY
	case model.FreqMonthly:
		opt.Freq = rrule.MONTHLY
	case model.FreqYearly:
		opt.Freq = rrule.YEARLY
	default:
		return nil, fmt.Errorf("recurrence: unsupported frequency %q", rule.Freq)
	}

	for _, day := range rule.ByDay {
		wd, err := parseByDay(day)
		if err != nil {
			return nil, err
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("recurrence: build rule: %w", err)
	}

	var set rrule.Set
	set.RRule(r)
	return &set, nil
}

var weekdays = map[string]rrule.Weekday{
	"MO": rrule.MO,
	"TU": rrule.TU,
	"WE": rrule.WE,
	"TH": rrule.TH,
	"FR": rrule.FR,
	"SA": rrule.SA,
	"SU": rrule.SU,
}

// parseByDay parses an RFC 5545 BYDAY value such as "MO", "2FR" or "-1SU".
func parseByDay(s string) (rrule.Weekday, error) {
	if len(s) < 2 {
		return rrule.Weekday{}, fmt.Errorf("recurrence: invalid BYDAY %q", s)
	}
	code := s[len(s)-2:]
	wd, ok := weekdays[code]
	if !ok {
		return rrule.Weekday{}, fmt.Errorf("recurrence: invalid BYDAY %q", s)
	}
	if prefix := s[:len(s)-2]; prefix != "" {
		n, err := strconv.Atoi(prefix)
		if err != nil {
			return rrule.Weekday{}, fmt.Errorf("recurrence: invalid BYDAY %q", s)
		}
		wd = wd.Nth(n)
	}
	return wd, nil
}
