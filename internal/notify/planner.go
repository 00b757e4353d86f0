// Package notify computes which attendees must receive which outbound
// scheduling message, and ships composed messages through a Notifier.
package notify

import (
	"github.com/INDEVOPS/calendar/internal/attendee"
	"github.com/INDEVOPS/calendar/internal/model"
)

// Action is the organizer-side operation that triggered a notification
// round.
type Action string

const (
	ActionNew    Action = "new"
	ActionEdit   Action = "edit"
	ActionRemove Action = "remove"
)

// Plan is one outbound message to one recipient.
type Plan struct {
	Attendee model.Attendee
	Method   model.Method

	// RSVP asks the recipient for a fresh response; set for new
	// attendees and whenever the sequence increased.
	RSVP bool

	// SubjectKey and BodyKey select the mail template.
	SubjectKey string
	BodyKey    string
}

// Notifier is the mail transport collaborator. Implementations compose
// and deliver one iTIP message per call.
type Notifier interface {
	SendItip(ev *model.Event, method model.Method, recipient model.Attendee, subjectKey, bodyKey string) error
}

// PlanOutbound decides who gets notified about a change from oldEv to
// newEv. oldEv may be nil for freshly created events. The plan is empty
// when nothing meaningful changed and the action is not a removal.
func PlanOutbound(newEv, oldEv *model.Event, action Action, selfEmails []string) []Plan {
	if newEv == nil {
		return nil
	}
	if action != ActionRemove && oldEv != nil && len(attendee.Diff(newEv, oldEv)) == 0 {
		return nil
	}

	cancelled := action == ActionRemove ||
		(newEv.Status == model.StatusCancelled && (oldEv == nil || oldEv.Status != newEv.Status))

	method := model.MethodRequest
	if cancelled {
		method = model.MethodCancel
	}

	var plans []Plan
	current := map[string]bool{}

	for _, a := range newEv.Attendees {
		if a.Email == "" {
			continue
		}
		current[model.NormalizeEmail(a.Email)] = true

		if attendee.IsSelf(a.Email, selfEmails) {
			continue
		}
		if a.SkipNotify() {
			continue
		}

		isNew := oldEv == nil || oldEv.FindAttendee(a.Email) < 0
		rsvp := isNew || (oldEv != nil && newEv.Sequence > oldEv.Sequence)

		plans = append(plans, Plan{
			Attendee:   a,
			Method:     method,
			RSVP:       rsvp,
			SubjectKey: subjectKey(cancelled, isNew, newEv.Title != ""),
			BodyKey:    bodyKey(cancelled, isNew),
		})
	}

	// Attendees dropped from the event get a cancellation regardless of
	// the action.
	if oldEv != nil {
		for _, a := range oldEv.Attendees {
			if a.Email == "" || a.Role == model.RoleOrganizer {
				continue
			}
			if current[model.NormalizeEmail(a.Email)] {
				continue
			}
			if attendee.IsSelf(a.Email, selfEmails) || a.SkipNotify() {
				continue
			}
			plans = append(plans, Plan{
				Attendee:   a,
				Method:     model.MethodCancel,
				SubjectKey: "eventcancelsubject",
				BodyKey:    "eventcancelmailbody",
			})
		}
	}

	return plans
}

func subjectKey(cancelled, isNew, hasTitle bool) string {
	switch {
	case cancelled:
		return "eventcancelsubject"
	case isNew:
		return "invitationsubject"
	case hasTitle:
		return "eventupdatesubject"
	default:
		return "eventupdatesubjectempty"
	}
}

func bodyKey(cancelled, isNew bool) string {
	switch {
	case cancelled:
		return "eventcancelmailbody"
	case isNew:
		return "invitationmailbody"
	default:
		return "eventupdatemailbody"
	}
}
