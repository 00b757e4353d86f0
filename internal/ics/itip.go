// Package ics converts between the wire iCalendar form of scheduling
// messages and the typed event model. Only the scheduling subset is
// handled here (REQUEST/REPLY/CANCEL payloads); it is not a general ICS
// import/export layer.
package ics

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/INDEVOPS/calendar/internal/model"
)

// ParseItip parses one iTIP payload into a scheduling message. The
// transport-level sender is not part of the payload; callers fill it in
// from the message envelope.
func ParseItip(r io.Reader) (*model.ItipMessage, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("ics: parse calendar: %w", err)
	}

	msg := &model.ItipMessage{Method: model.Method(calendarMethod(cal))}
	switch msg.Method {
	case model.MethodRequest, model.MethodReply, model.MethodCancel:
	default:
		return nil, fmt.Errorf("ics: unsupported method %q", msg.Method)
	}

	var master *model.Event
	var overrides []model.Event

	for _, ve := range cal.Events() {
		ev, instance, err := parseVEvent(ve)
		if err != nil {
			return nil, err
		}
		if instance != "" {
			ev.InstanceID = instance
			overrides = append(overrides, ev)
			continue
		}
		if master == nil {
			m := ev
			master = &m
		}
	}

	switch {
	case master != nil:
		for _, ov := range overrides {
			if master.Recurrence == nil {
				master.Recurrence = &model.RecurrenceRule{}
			}
			master.Recurrence.Exceptions = append(master.Recurrence.Exceptions, model.Exception{
				InstanceID: ov.InstanceID,
				Date:       ov.Start,
				Event:      ov,
			})
		}
		msg.Event = *master
	case len(overrides) == 1:
		// A reply or cancel may reference a single detached instance.
		msg.Event = overrides[0]
		msg.InstanceID = overrides[0].InstanceID
	default:
		return nil, errors.New("ics: payload contains no event")
	}

	msg.UID = msg.Event.UID
	msg.Sequence = msg.Event.Sequence
	msg.Changed = msg.Event.Changed
	if msg.InstanceID == "" {
		msg.InstanceID = msg.Event.InstanceID
	}
	return msg, nil
}

// ComposeItip renders an event as an outbound scheduling message. For
// cancels a non-nil recipient narrows the attendee list to just that
// recipient, which is how per-attendee cancellations are built.
func ComposeItip(ev *model.Event, method model.Method, recipient *model.Attendee, rsvp bool) *ical.Calendar {
	cal := ical.NewCalendarFor("INDEVOPS Calendar")
	cal.SetMethod(ical.Method(method))

	ve := cal.AddEvent(ev.UID)
	ve.SetDtStampTime(time.Now().UTC())
	ve.SetSequence(ev.Sequence)
	if ev.Title != "" {
		ve.SetSummary(ev.Title)
	}
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}
	if ev.AllDay {
		ve.SetAllDayStartAt(ev.Start)
		ve.SetAllDayEndAt(ev.End)
	} else {
		ve.SetStartAt(ev.Start)
		ve.SetEndAt(ev.End)
	}
	if ev.Status != "" {
		ve.SetStatus(ical.ObjectStatus(ev.Status))
	}
	if !ev.Changed.IsZero() {
		ve.SetModifiedAt(ev.Changed.UTC())
	}
	if ev.InstanceID != "" {
		ve.SetProperty(ical.ComponentPropertyRecurrenceId, ev.InstanceID)
	}
	if ev.IsRecurring() {
		ve.AddRrule(FormatRRule(ev.Recurrence))
		for _, ex := range ev.Recurrence.ExDates {
			ve.AddExdate(ex.UTC().Format(icalTimeLayout))
		}
	}

	if org := ev.Organizer(); org != nil {
		var params []ical.PropertyParameter
		if org.Name != "" {
			params = append(params, ical.WithCN(org.Name))
		}
		ve.SetOrganizer(org.Email, params...)
	}

	// Cancels are narrowed to the one recipient; requests and replies
	// carry the full attendee list of the event snapshot.
	narrow := method == model.MethodCancel && recipient != nil
	addressed := false
	for _, a := range ev.Attendees {
		if a.Role == model.RoleOrganizer {
			continue
		}
		if narrow && !a.Is(recipient.Email) {
			continue
		}
		addressed = true
		ve.AddAttendee(a.Email, attendeeParams(a, rsvp)...)
	}
	if narrow && !addressed {
		// The recipient of a cancel may already be removed from the
		// event.
		ve.AddAttendee(recipient.Email, attendeeParams(*recipient, rsvp)...)
	}

	return cal
}

const (
	icalTimeLayout = "20060102T150405Z"
	icalDateLayout = "20060102"
)

// param is a raw property parameter for attributes the library does not
// provide a typed helper for.
type param struct {
	key    string
	values []string
}

func (p param) KeyValue(...interface{}) (string, []string) {
	return p.key, p.values
}

func attendeeParams(a model.Attendee, rsvp bool) []ical.PropertyParameter {
	var params []ical.PropertyParameter
	if a.Name != "" {
		params = append(params, ical.WithCN(a.Name))
	}
	if a.Role != "" {
		params = append(params, param{string(ical.ParameterRole), []string{string(a.Role)}})
	}
	if a.Status != "" {
		params = append(params, ical.ParticipationStatus(a.Status))
	}
	// The library lowercases the RSVP boolean; emit the canonical form.
	rsvpVal := "FALSE"
	if rsvp && a.RSVP {
		rsvpVal = "TRUE"
	}
	params = append(params, param{string(ical.ParameterRsvp), []string{rsvpVal}})
	if a.DelegatedFrom != "" {
		params = append(params, param{string(ical.ParameterDelegatedFrom), []string{"mailto:" + a.DelegatedFrom}})
	}
	if a.DelegatedTo != "" {
		params = append(params, param{string(ical.ParameterDelegatedTo), []string{"mailto:" + a.DelegatedTo}})
	}
	return params
}

func calendarMethod(cal *ical.Calendar) string {
	for _, p := range cal.CalendarProperties {
		if p.IANAToken == string(ical.PropertyMethod) {
			return strings.ToUpper(strings.TrimSpace(p.Value))
		}
	}
	return ""
}

// parseVEvent extracts the typed event from one VEVENT. The second return
// value is the RECURRENCE-ID instance key when the component is an
// override, empty otherwise.
func parseVEvent(ve *ical.VEvent) (model.Event, string, error) {
	var ev model.Event

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return ev, "", errors.New("ics: event missing UID")
	}
	ev.UID = uid.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			ev.Sequence = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		ev.Status = model.EventStatus(strings.ToUpper(p.Value))
	}

	ev.AllDay = isDateOnly(ve.GetProperty(ical.ComponentPropertyDtStart))

	start, err := componentTime(ve.GetProperty(ical.ComponentPropertyDtStart), ev.AllDay)
	if err != nil {
		return ev, "", fmt.Errorf("ics: event %s: %w", ev.UID, err)
	}
	ev.Start = start
	if end, err := componentTime(ve.GetProperty(ical.ComponentPropertyDtEnd), ev.AllDay); err == nil {
		ev.End = end
	} else if ev.AllDay {
		ev.End = start.Add(24 * time.Hour)
	} else {
		ev.End = start
	}

	if t, err := ve.GetLastModifiedAt(); err == nil {
		ev.Changed = t
	} else if t, err := ve.GetDtStampTime(); err == nil {
		ev.Changed = t
	}

	if p := ve.GetProperty(ical.ComponentPropertyOrganizer); p != nil {
		org := model.Attendee{
			Email: strings.TrimPrefix(p.Value, "mailto:"),
			Role:  model.RoleOrganizer,
		}
		if cn := p.ICalParameters[string(ical.ParameterCn)]; len(cn) > 0 {
			org.Name = cn[0]
		}
		ev.Attendees = append(ev.Attendees, org)
	}

	for _, at := range ve.Attendees() {
		a := model.Attendee{
			Email:  at.Email(),
			Role:   model.RoleRequired,
			Status: model.PartStatNeedsAction,
			RSVP:   true,
		}
		p := at.IANAProperty
		if cn := p.ICalParameters[string(ical.ParameterCn)]; len(cn) > 0 {
			a.Name = cn[0]
		}
		if role := p.ICalParameters[string(ical.ParameterRole)]; len(role) > 0 {
			a.Role = model.Role(strings.ToUpper(role[0]))
		}
		if ps := at.ParticipationStatus(); ps != "" {
			a.Status = model.PartStat(ps)
		}
		if rsvp := p.ICalParameters[string(ical.ParameterRsvp)]; len(rsvp) > 0 {
			a.RSVP = strings.EqualFold(rsvp[0], "TRUE")
		}
		if df := p.ICalParameters[string(ical.ParameterDelegatedFrom)]; len(df) > 0 {
			a.DelegatedFrom = strings.TrimPrefix(df[0], "mailto:")
		}
		if dt := p.ICalParameters[string(ical.ParameterDelegatedTo)]; len(dt) > 0 {
			a.DelegatedTo = strings.TrimPrefix(dt[0], "mailto:")
		}
		if a.Role == model.RoleOrganizer {
			// Organizer already captured from the ORGANIZER property.
			continue
		}
		ev.Attendees = append(ev.Attendees, a)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		rule, err := ParseRRule(p.Value)
		if err != nil {
			return ev, "", fmt.Errorf("ics: event %s: %w", ev.UID, err)
		}
		ev.Recurrence = rule
		for _, exProp := range ve.GetProperties(ical.ComponentPropertyExdate) {
			if t, err := parseICalTime(exProp.Value, ev.AllDay); err == nil {
				ev.Recurrence.ExDates = append(ev.Recurrence.ExDates, t)
			}
		}
	}

	instance := ""
	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		instance = strings.TrimSuffix(p.Value, "Z")
	}
	return ev, instance, nil
}

func isDateOnly(p *ical.IANAProperty) bool {
	if p == nil {
		return false
	}
	for _, v := range p.ICalParameters["VALUE"] {
		if strings.EqualFold(v, "DATE") {
			return true
		}
	}
	return len(p.Value) == len(icalDateLayout)
}

func componentTime(p *ical.IANAProperty, allday bool) (time.Time, error) {
	if p == nil {
		return time.Time{}, errors.New("missing date-time property")
	}
	return parseICalTime(p.Value, allday)
}

func parseICalTime(value string, allday bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if allday || len(value) == len(icalDateLayout) {
		return time.ParseInLocation(icalDateLayout, value, time.UTC)
	}
	if strings.HasSuffix(value, "Z") {
		return time.ParseInLocation(icalTimeLayout, value, time.UTC)
	}
	return time.ParseInLocation("20060102T150405", value, time.UTC)
}

// ParseRRule parses an RFC 5545 RRULE value into the typed rule.
func ParseRRule(value string) (*model.RecurrenceRule, error) {
	rule := &model.RecurrenceRule{Interval: 1}
	for _, part := range strings.Split(value, ";") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid RRULE part %q", part)
		}
		key, val := strings.ToUpper(kv[0]), kv[1]
		switch key {
		case "FREQ":
			rule.Freq = model.Frequency(strings.ToUpper(val))
		case "INTERVAL":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("invalid INTERVAL %q", val)
			}
			rule.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("invalid COUNT %q", val)
			}
			rule.Count = n
		case "UNTIL":
			t, err := parseICalTime(val, len(val) == len(icalDateLayout))
			if err != nil {
				return nil, fmt.Errorf("invalid UNTIL %q", val)
			}
			rule.Until = t
		case "BYDAY":
			rule.ByDay = strings.Split(strings.ToUpper(val), ",")
		}
	}
	if rule.Freq == "" {
		return nil, errors.New("RRULE missing FREQ")
	}
	return rule, nil
}

// FormatRRule renders the typed rule back into RFC 5545 form.
func FormatRRule(rule *model.RecurrenceRule) string {
	parts := []string{"FREQ=" + string(rule.Freq)}
	if rule.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(rule.Interval))
	}
	if rule.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(rule.Count))
	}
	if !rule.Until.IsZero() {
		parts = append(parts, "UNTIL="+rule.Until.UTC().Format(icalTimeLayout))
	}
	if len(rule.ByDay) > 0 {
		parts = append(parts, "BYDAY="+strings.Join(rule.ByDay, ","))
	}
	return strings.Join(parts, ";")
}
