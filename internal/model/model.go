// Package model defines the typed calendar event model shared by the
// scheduling core. Every field that may be absent is represented by its
// zero value (empty string, zero time, nil pointer) rather than by a
// dynamic property bag.
package model

import (
	"strings"
	"time"
)

// EventStatus is the overall status of an event.
type EventStatus string

const (
	StatusConfirmed EventStatus = "CONFIRMED"
	StatusCancelled EventStatus = "CANCELLED"
	StatusTentative EventStatus = "TENTATIVE"
)

// FreeBusy is a free/busy classification. The numeric values double as the
// single-character tokens used on the timeline wire format.
type FreeBusy int

const (
	FreeBusyUnknown FreeBusy = iota
	FreeBusyFree
	FreeBusyBusy
	FreeBusyTentative
	FreeBusyOutOfOffice
)

// String returns the status token used on the free/busy query surface.
func (fb FreeBusy) String() string {
	switch fb {
	case FreeBusyFree:
		return "FREE"
	case FreeBusyBusy:
		return "BUSY"
	case FreeBusyTentative:
		return "TENTATIVE"
	case FreeBusyOutOfOffice:
		return "OUT-OF-OFFICE"
	default:
		return "UNKNOWN"
	}
}

// Token returns the compact one-character form used in timeline strings.
func (fb FreeBusy) Token() byte {
	return byte('0' + int(fb))
}

// Role is an attendee's participation role.
type Role string

const (
	RoleOrganizer      Role = "ORGANIZER"
	RoleRequired       Role = "REQ-PARTICIPANT"
	RoleOptional       Role = "OPT-PARTICIPANT"
	RoleNonParticipant Role = "NON-PARTICIPANT"
	RoleChair          Role = "CHAIR"
)

// PartStat is an attendee's participation status.
type PartStat string

const (
	PartStatNeedsAction PartStat = "NEEDS-ACTION"
	PartStatAccepted    PartStat = "ACCEPTED"
	PartStatDeclined    PartStat = "DECLINED"
	PartStatTentative   PartStat = "TENTATIVE"
	PartStatDelegated   PartStat = "DELEGATED"
)

// Method is an iTIP scheduling method.
type Method string

const (
	MethodRequest Method = "REQUEST"
	MethodReply   Method = "REPLY"
	MethodCancel  Method = "CANCEL"
)

// SaveMode is the scope of an edit or delete on a recurring series.
type SaveMode string

const (
	SaveModeAll     SaveMode = "all"
	SaveModeFuture  SaveMode = "future"
	SaveModeCurrent SaveMode = "current"
	SaveModeNew     SaveMode = "new"
)

// Frequency is a recurrence rule frequency.
type Frequency string

const (
	FreqDaily   Frequency = "DAILY"
	FreqWeekly  Frequency = "WEEKLY"
	FreqMonthly Frequency = "MONTHLY"
	FreqYearly  Frequency = "YEARLY"
)

// Sensitivity marks event visibility.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityPrivate      Sensitivity = "private"
	SensitivityConfidential Sensitivity = "confidential"
)

// Attendee is one participant entry of an event. Email addresses are the
// identity key and compare case-insensitively.
type Attendee struct {
	Email  string
	Name   string
	Role   Role
	Status PartStat

	// RSVP reports whether a response has been requested from this
	// attendee.
	RSVP bool

	// NoReply disables outbound notifications to this attendee
	// administratively, independent of delegation state.
	NoReply bool

	DelegatedFrom string
	DelegatedTo   string
}

// Is reports whether the attendee's email matches the given address,
// ignoring case.
func (a Attendee) Is(email string) bool {
	return email != "" && strings.EqualFold(a.Email, email)
}

// SkipNotify reports whether outbound scheduling mail to this attendee
// must be suppressed. Delegated entries that waived RSVP get no mail.
func (a Attendee) SkipNotify() bool {
	return a.NoReply || (a.Status == PartStatDelegated && !a.RSVP)
}

// Exception is a single recurrence instance whose properties differ from
// the occurrence the master rule would generate.
type Exception struct {
	// InstanceID identifies the overridden occurrence, formatted as the
	// occurrence's original start (YYYYMMDD or YYYYMMDDTHHMMSS).
	InstanceID string

	// Date is the original occurrence start being overridden.
	Date time.Time

	// Event carries the override values for this instance.
	Event Event
}

// RecurrenceRule describes how an event repeats.
type RecurrenceRule struct {
	Freq     Frequency
	Interval int

	// Count and Until bound the series; zero values mean unbounded.
	Count int
	Until time.Time

	// ByDay holds RFC 5545 BYDAY values such as "MO" or "2FR".
	ByDay []string

	// ExDates removes individual occurrences from the series.
	ExDates []time.Time

	// Exceptions are per-instance overrides keyed by original
	// occurrence date.
	Exceptions []Exception
}

// ExceptionFor returns the override matching the given occurrence start,
// comparing on date-only granularity for all-day rules.
func (r *RecurrenceRule) ExceptionFor(start time.Time, allday bool) (Exception, bool) {
	if r == nil {
		return Exception{}, false
	}
	for _, ex := range r.Exceptions {
		if sameInstant(ex.Date, start, allday) {
			return ex, true
		}
	}
	return Exception{}, false
}

// IsExcluded reports whether the given occurrence start is removed by an
// exception date.
func (r *RecurrenceRule) IsExcluded(start time.Time, allday bool) bool {
	if r == nil {
		return false
	}
	for _, ex := range r.ExDates {
		if sameInstant(ex, start, allday) {
			return true
		}
	}
	return false
}

func sameInstant(a, b time.Time, dateOnly bool) bool {
	if dateOnly {
		ay, am, ad := a.Date()
		by, bm, bd := b.Date()
		return ay == by && am == bm && ad == bd
	}
	return a.Equal(b)
}

// Alarm is a reminder attached to an event.
type Alarm struct {
	Action  string // DISPLAY, EMAIL, AUDIO
	Trigger string // RFC 5545 trigger value, e.g. "-PT15M"
}

// Attachment is a file attached to an event. Binary content is volatile
// for comparison purposes; only the count of attachments is semantic.
type Attachment struct {
	Name     string
	MimeType string
	Size     int
	Data     []byte
}

// Event is one calendar event, including any recurrence and its nested
// attendee and exception lists. An Event and its nested values form one
// unit of ownership; operations that merge or rewrite events return new
// values instead of mutating shared state.
type Event struct {
	ID         string
	CalendarID string
	UID        string
	Owner      string

	Title       string
	Description string
	Location    string
	URL         string

	Start  time.Time
	End    time.Time
	AllDay bool

	// Sequence is the RFC 5546 revision number. It never decreases
	// across persisted writes that change semantic content.
	Sequence int

	Status      EventStatus
	FreeBusy    FreeBusy
	Sensitivity Sensitivity

	Recurrence *RecurrenceRule

	// RecurrenceID points at the master event when this event is a
	// detached instance of a recurring series.
	RecurrenceID string

	// InstanceID identifies which occurrence this event represents
	// when it is a single instance of a series.
	InstanceID string

	Attendees   []Attendee
	Alarms      []Alarm
	Attachments []Attachment
	Links       []string

	Created time.Time
	Changed time.Time

	// Revision is the history handle of the persisted record.
	Revision int
}

// IsRecurring reports whether the event carries a recurrence rule.
func (e *Event) IsRecurring() bool {
	return e.Recurrence != nil && e.Recurrence.Freq != ""
}

// Organizer returns the attendee entry with the ORGANIZER role, or nil.
func (e *Event) Organizer() *Attendee {
	for i := range e.Attendees {
		if e.Attendees[i].Role == RoleOrganizer {
			return &e.Attendees[i]
		}
	}
	return nil
}

// FindAttendee returns the index of the attendee with the given email,
// or -1 when absent.
func (e *Event) FindAttendee(email string) int {
	for i := range e.Attendees {
		if e.Attendees[i].Is(email) {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the event, detaching all nested slices so
// the copy can be stored or mutated independently.
func (e *Event) Clone() Event {
	out := *e
	out.Attendees = append([]Attendee(nil), e.Attendees...)
	out.Alarms = append([]Alarm(nil), e.Alarms...)
	out.Links = append([]string(nil), e.Links...)
	if e.Attachments != nil {
		out.Attachments = make([]Attachment, len(e.Attachments))
		for i, att := range e.Attachments {
			att.Data = append([]byte(nil), att.Data...)
			out.Attachments[i] = att
		}
	}
	if e.Recurrence != nil {
		r := *e.Recurrence
		r.ByDay = append([]string(nil), e.Recurrence.ByDay...)
		r.ExDates = append([]time.Time(nil), e.Recurrence.ExDates...)
		if e.Recurrence.Exceptions != nil {
			r.Exceptions = make([]Exception, len(e.Recurrence.Exceptions))
			for i, ex := range e.Recurrence.Exceptions {
				ex.Event = cloneOverride(&ex.Event)
				r.Exceptions[i] = ex
			}
		}
		out.Recurrence = &r
	}
	return out
}

// cloneOverride copies an exception override without descending into a
// nested recurrence, which overrides never carry.
func cloneOverride(e *Event) Event {
	out := *e
	out.Attendees = append([]Attendee(nil), e.Attendees...)
	out.Alarms = append([]Alarm(nil), e.Alarms...)
	out.Links = append([]string(nil), e.Links...)
	out.Recurrence = nil
	return out
}

// ItipMessage is one inbound scheduling message. It is transient: it is
// constructed per message and never persisted by the scheduling core.
type ItipMessage struct {
	Method     Method
	UID        string
	InstanceID string
	Sequence   int
	Changed    time.Time

	// Sender is the transport-level sender address of the message,
	// which may differ from any attendee listed in the payload.
	Sender string

	// Event is the event snapshot carried by the message.
	Event Event

	Comment string

	// RSVPRequested reports whether the sender asked for a reply.
	RSVPRequested bool
}

// FreeBusySlot is one busy interval, half-open over absolute time.
type FreeBusySlot struct {
	Start  time.Time
	End    time.Time
	Status FreeBusy
}

// Covers reports whether the slot overlaps the half-open window [from, to).
func (s FreeBusySlot) Covers(from, to time.Time) bool {
	return s.Start.Before(to) && s.End.After(from)
}

// NormalizeEmail lowercases an address for identity comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
