// Package itip reconciles inbound scheduling messages against stored
// events and drives the organizer-side save pipeline, including the
// outbound notifications both sides produce.
package itip

import (
	"fmt"
	"strings"
	"time"

	"github.com/INDEVOPS/calendar/internal/attendee"
	"github.com/INDEVOPS/calendar/internal/config"
	"github.com/INDEVOPS/calendar/internal/log"
	"github.com/INDEVOPS/calendar/internal/model"
	"github.com/INDEVOPS/calendar/internal/notify"
	"github.com/INDEVOPS/calendar/internal/recurrence"
	"github.com/INDEVOPS/calendar/internal/storage"
)

// IdentityProvider tells the reconciler which addresses belong to the
// local user.
type IdentityProvider interface {
	// Emails returns every address that identifies the local user in
	// attendee lists.
	Emails() []string

	// Primary returns the address used when the user has to be added to
	// an event.
	Primary() string
}

// StaticIdentity is an IdentityProvider over a fixed address list. The
// first address is the primary one.
type StaticIdentity []string

func (s StaticIdentity) Emails() []string { return s }

func (s StaticIdentity) Primary() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// ActionKind is what Process ended up doing with a message.
type ActionKind string

const (
	ActionImport        ActionKind = "import"
	ActionUpdate        ActionKind = "update"
	ActionMergeAttendee ActionKind = "merge-attendee"
	ActionDelegate      ActionKind = "delegate"
	ActionDecline       ActionKind = "decline"
	ActionIgnore        ActionKind = "ignore"
)

// ProcessOptions carries the user's decision about an inbound message.
type ProcessOptions struct {
	// Status is the participation status to record for a REQUEST
	// (accepted, tentative or declined). Ignored for other methods.
	Status model.PartStat

	// SaveMode scopes the change on a recurring series.
	SaveMode model.SaveMode

	// InstanceID targets one occurrence of a recurring series.
	InstanceID string

	// CalendarID picks the calendar a new import is stored in.
	CalendarID string

	Comment string

	// NoReply suppresses the reply back to the organizer.
	NoReply bool

	// DelegateTo, when set, delegates the invitation to that address
	// instead of answering it.
	DelegateTo   string
	DelegateName string
}

// Outcome reports what Process did.
type Outcome struct {
	Action     ActionKind
	CalendarID string
	EventID    string

	// Attendee is the address whose participation the message settled.
	Attendee string

	// ReplySent reports whether a reply went back to the organizer.
	ReplySent bool
}

// Reconciler applies inbound scheduling messages to storage.
type Reconciler struct {
	Store    storage.Driver
	Notifier notify.Notifier
	Identity IdentityProvider
	Cfg      *config.Config
}

// Process applies one inbound message. Errors carry a sentinel from
// errors.go; ErrNotification means the local change is already
// persisted.
func (r *Reconciler) Process(msg *model.ItipMessage, opts ProcessOptions) (*Outcome, error) {
	if opts.InstanceID == "" {
		opts.InstanceID = msg.InstanceID
	}
	switch msg.Method {
	case model.MethodReply:
		return r.processReply(msg)
	case model.MethodRequest:
		return r.processRequest(msg, opts)
	case model.MethodCancel:
		return r.processCancel(msg, opts)
	default:
		return nil, fmt.Errorf("itip: unsupported method %q", msg.Method)
	}
}

// processReply folds an attendee's answer into the stored event.
func (r *Reconciler) processReply(msg *model.ItipMessage) (*Outcome, error) {
	existing, err := r.lookup(msg.UID, msg.InstanceID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		log.Debug("reply for unknown event", "uid", msg.UID)
		return &Outcome{Action: ActionIgnore}, nil
	}

	if seqBehind(msg.Sequence, msg.Changed, existing) {
		return nil, fmt.Errorf("%w: sequence %d behind %d", ErrStaleReply, msg.Sequence, existing.Sequence)
	}

	responder, ok := replyAttendee(msg)
	if !ok {
		return nil, fmt.Errorf("%w: sender %q matches no attendee of the reply", ErrUnknownAttendee, msg.Sender)
	}

	incoming := []model.Attendee{responder}
	if existing.FindAttendee(responder.Email) < 0 &&
		responder.DelegatedFrom != "" && existing.FindAttendee(responder.DelegatedFrom) >= 0 {
		// A delegate answered: record them and chain the delegator.
		i := existing.FindAttendee(responder.DelegatedFrom)
		delegator := existing.Attendees[i]
		delegator.Status = model.PartStatDelegated
		delegator.DelegatedTo = responder.Email
		incoming = append(incoming, delegator)
	}

	// A responder the stored event does not list yet is accepted as a
	// new participant; Merge appends them.
	existing.Attendees = attendee.Merge(existing.Attendees, incoming, nil)
	if err := r.Store.UpdateAttendees(existing, incoming); err != nil {
		return nil, persistErr("update attendees", err)
	}

	log.Info("merged attendee reply", "uid", msg.UID, "attendee", responder.Email, "status", string(responder.Status))
	return &Outcome{
		Action:     ActionMergeAttendee,
		CalendarID: existing.CalendarID,
		EventID:    existing.ID,
		Attendee:   responder.Email,
	}, nil
}

// processRequest imports or updates an invitation according to the
// user's answer, then replies to the organizer.
func (r *Reconciler) processRequest(msg *model.ItipMessage, opts ProcessOptions) (*Outcome, error) {
	status := opts.Status
	if opts.DelegateTo != "" {
		if !validEmail(opts.DelegateTo) {
			return nil, fmt.Errorf("%w: %q", ErrDelegateAddressInvalid, opts.DelegateTo)
		}
		status = model.PartStatDelegated
	}
	if status == "" {
		status = model.PartStatAccepted
	}

	existing, err := r.lookup(msg.UID, "")
	if err != nil {
		return nil, err
	}

	ev := msg.Event.Clone()
	self := r.setOwnStatus(&ev, status, opts)

	outcome := &Outcome{Attendee: self.Email}
	declined := status == model.PartStatDeclined

	switch {
	case existing == nil:
		if declined && !r.Cfg.InvitationCalendars {
			// Nothing stored, nothing to keep.
			outcome.Action = ActionIgnore
			break
		}
		calID, err := r.targetCalendar(opts.CalendarID)
		if err != nil {
			return nil, err
		}
		ev.CalendarID = calID
		if declined {
			ev.FreeBusy = model.FreeBusyFree
		}
		id, err := r.Store.NewEvent(&ev)
		if err != nil {
			return nil, persistErr("import event", err)
		}
		outcome.Action = ActionImport
		outcome.CalendarID = calID
		outcome.EventID = id

	case seqBehind(msg.Sequence, msg.Changed, existing):
		// The stored copy is newer than the message: record only the
		// user's answer, leave the event data alone.
		sub := r.setOwnStatus(existing, status, opts)
		if err := r.Store.UpdateAttendees(existing, []model.Attendee{*sub}); err != nil {
			return nil, persistErr("update attendees", err)
		}
		outcome.Action = ActionMergeAttendee
		outcome.CalendarID = existing.CalendarID
		outcome.EventID = existing.ID

	case opts.InstanceID != "" && existing.IsRecurring() && opts.SaveMode != model.SaveModeAll:
		if err := r.materializeException(existing, opts.InstanceID, &ev); err != nil {
			return nil, err
		}
		outcome.Action = ActionUpdate
		outcome.CalendarID = existing.CalendarID
		outcome.EventID = existing.ID

	default:
		ev.ID = existing.ID
		ev.CalendarID = existing.CalendarID
		ev.Attendees = attendee.Merge(existing.Attendees, ev.Attendees, nil)
		r.setOwnStatus(&ev, status, opts)
		if declined {
			ev.FreeBusy = model.FreeBusyFree
		}
		if err := r.Store.EditEvent(&ev); err != nil {
			return nil, persistErr("update event", err)
		}
		outcome.Action = ActionUpdate
		outcome.CalendarID = ev.CalendarID
		outcome.EventID = ev.ID
	}

	if declined && r.Cfg.DeleteDeclined && existing != nil {
		if err := r.Store.RemoveEvent(existing, false); err != nil {
			return nil, persistErr("remove declined event", err)
		}
		outcome.Action = ActionDecline
	}
	if opts.DelegateTo != "" {
		outcome.Action = ActionDelegate
	}

	if opts.DelegateTo != "" && r.Cfg.ItipSend != config.SendNever {
		if i := ev.FindAttendee(opts.DelegateTo); i >= 0 {
			delegate := ev.Attendees[i]
			if err := r.Notifier.SendItip(&ev, model.MethodRequest, delegate, "itipsubjectdelegated", "itipmailbodydelegated"); err != nil {
				return outcome, notifyErr(delegate.Email, err)
			}
		}
	}

	if err := r.reply(&ev, self, status, opts); err != nil {
		return outcome, err
	}
	org := ev.Organizer()
	outcome.ReplySent = !opts.NoReply && r.Cfg.ItipSend != config.SendNever &&
		org != nil && !attendee.IsSelf(org.Email, r.Identity.Emails())

	log.Info("processed invitation", "uid", msg.UID, "action", string(outcome.Action), "status", string(status))
	return outcome, nil
}

// processCancel marks the stored event, or one occurrence of it, as
// cancelled.
func (r *Reconciler) processCancel(msg *model.ItipMessage, opts ProcessOptions) (*Outcome, error) {
	existing, err := r.lookup(msg.UID, opts.InstanceID)
	if err != nil {
		return nil, err
	}
	if existing == nil && opts.InstanceID != "" {
		existing, err = r.lookup(msg.UID, "")
		if err != nil {
			return nil, err
		}
	}
	if existing == nil {
		log.Debug("cancel for unknown event", "uid", msg.UID)
		return &Outcome{Action: ActionIgnore}, nil
	}

	if opts.InstanceID != "" && existing.IsRecurring() {
		cancelled := existing.Clone()
		cancelled.Status = model.StatusCancelled
		if err := r.materializeException(existing, opts.InstanceID, &cancelled); err != nil {
			return nil, err
		}
	} else if r.Cfg.DeleteDeclined {
		// Deletion-on-decline policy drops the whole event instead of
		// keeping a cancelled tombstone.
		if err := r.Store.RemoveEvent(existing, true); err != nil {
			return nil, persistErr("remove cancelled event", err)
		}
		log.Info("deleted cancelled event", "uid", msg.UID)
		return &Outcome{
			Action:     ActionDecline,
			CalendarID: existing.CalendarID,
			EventID:    existing.ID,
		}, nil
	} else {
		existing.Status = model.StatusCancelled
		if msg.Sequence > existing.Sequence {
			existing.Sequence = msg.Sequence
		}
		if err := r.Store.EditEvent(existing); err != nil {
			return nil, persistErr("cancel event", err)
		}
	}

	log.Info("cancelled event", "uid", msg.UID, "instance", opts.InstanceID)
	return &Outcome{
		Action:     ActionUpdate,
		CalendarID: existing.CalendarID,
		EventID:    existing.ID,
	}, nil
}

// lookup finds the stored event for a message, preferring a detached
// instance when the message targets one.
func (r *Reconciler) lookup(uid, instanceID string) (*model.Event, error) {
	if instanceID != "" {
		ev, err := r.Store.GetEvent(storage.Query{UID: uid, InstanceID: instanceID}, 0)
		if err != nil {
			return nil, persistErr("load event", err)
		}
		if ev != nil {
			return ev, nil
		}
	}
	ev, err := r.Store.GetEvent(storage.Query{UID: uid}, 0)
	if err != nil {
		return nil, persistErr("load event", err)
	}
	return ev, nil
}

// targetCalendar picks where an import lands.
func (r *Reconciler) targetCalendar(requested string) (string, error) {
	cals, err := r.Store.ListCalendars(storage.FilterWriteable)
	if err != nil {
		return "", persistErr("list calendars", err)
	}
	pick := func(id string) string {
		for _, c := range cals {
			if c.ID == id {
				return c.ID
			}
		}
		return ""
	}
	if requested != "" {
		if id := pick(requested); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("%w: calendar %q is not writable", ErrNoWritableCalendar, requested)
	}
	if r.Cfg.DefaultCalendar != "" {
		if id := pick(r.Cfg.DefaultCalendar); id != "" {
			return id, nil
		}
	}
	if len(cals) > 0 {
		return cals[0].ID, nil
	}
	return "", ErrNoWritableCalendar
}

// setOwnStatus records the user's answer on their own attendee entry,
// adding one when the invitation was forwarded without listing them.
func (r *Reconciler) setOwnStatus(ev *model.Event, status model.PartStat, opts ProcessOptions) *model.Attendee {
	for i := range ev.Attendees {
		if ev.Attendees[i].Role == model.RoleOrganizer {
			continue
		}
		if attendee.IsSelf(ev.Attendees[i].Email, r.Identity.Emails()) {
			a := &ev.Attendees[i]
			a.Status = status
			a.RSVP = false
			if opts.DelegateTo != "" {
				a.DelegatedTo = model.NormalizeEmail(opts.DelegateTo)
			}
			if status == model.PartStatDelegated && opts.DelegateTo != "" {
				r.addDelegate(ev, a.Email, opts)
			}
			return a
		}
	}
	a := model.Attendee{
		Email:  r.Identity.Primary(),
		Role:   model.RoleRequired,
		Status: status,
	}
	if opts.DelegateTo != "" {
		a.DelegatedTo = model.NormalizeEmail(opts.DelegateTo)
	}
	ev.Attendees = append(ev.Attendees, a)
	idx := len(ev.Attendees) - 1
	if status == model.PartStatDelegated && opts.DelegateTo != "" {
		r.addDelegate(ev, a.Email, opts)
	}
	return &ev.Attendees[idx]
}

func (r *Reconciler) addDelegate(ev *model.Event, from string, opts ProcessOptions) {
	addr := model.NormalizeEmail(opts.DelegateTo)
	if ev.FindAttendee(addr) >= 0 {
		return
	}
	ev.Attendees = append(ev.Attendees, model.Attendee{
		Email:         addr,
		Name:          opts.DelegateName,
		Role:          model.RoleRequired,
		Status:        model.PartStatNeedsAction,
		RSVP:          true,
		DelegatedFrom: model.NormalizeEmail(from),
	})
}

func (r *Reconciler) materializeException(master *model.Event, instanceID string, ev *model.Event) error {
	return materializeOverride(r.Store, master, instanceID, ev)
}

// materializeOverride records ev as the override for one occurrence of
// master and persists the master.
func materializeOverride(store storage.Driver, master *model.Event, instanceID string, ev *model.Event) error {
	occs, err := store.GetRecurringEvents(master, master.Start, master.Start.Add(recurrence.LookaheadHorizon))
	if err != nil {
		return persistErr("expand series", err)
	}
	var hit *model.Event
	for i := range occs {
		if occs[i].InstanceID == instanceID {
			hit = &occs[i]
			break
		}
	}
	if hit == nil {
		return fmt.Errorf("%w: instance %s of %s", recurrence.ErrNoOccurrence, instanceID, master.UID)
	}

	override := ev.Clone()
	override.ID = ""
	override.Recurrence = nil
	override.RecurrenceID = master.ID
	override.InstanceID = instanceID
	override.Start = hit.Start
	override.End = hit.End

	if master.Recurrence == nil {
		master.Recurrence = &model.RecurrenceRule{}
	}
	replaced := false
	for i := range master.Recurrence.Exceptions {
		if master.Recurrence.Exceptions[i].InstanceID == instanceID {
			master.Recurrence.Exceptions[i].Event = override
			replaced = true
			break
		}
	}
	if !replaced {
		master.Recurrence.Exceptions = append(master.Recurrence.Exceptions, model.Exception{
			InstanceID: instanceID,
			Date:       hit.Start,
			Event:      override,
		})
	}
	if err := store.EditEvent(master); err != nil {
		return persistErr("save series exception", err)
	}
	return nil
}

// reply sends the user's answer back to the organizer.
func (r *Reconciler) reply(ev *model.Event, self *model.Attendee, status model.PartStat, opts ProcessOptions) error {
	if opts.NoReply || r.Cfg.ItipSend == config.SendNever {
		return nil
	}
	org := ev.Organizer()
	if org == nil || attendee.IsSelf(org.Email, r.Identity.Emails()) {
		return nil
	}

	re := ev.Clone()
	re.Attendees = []model.Attendee{*org, *self}
	re.Description = opts.Comment

	key := strings.ToLower(string(status))
	if err := r.Notifier.SendItip(&re, model.MethodReply, *org, "itipsubject"+key, "itipmailbody"+key); err != nil {
		return notifyErr(org.Email, err)
	}
	return nil
}

// seqBehind reports whether a message revision is older than the stored
// event. Equal sequences defer to the change timestamp.
func seqBehind(seq int, changed time.Time, local *model.Event) bool {
	if seq != local.Sequence {
		return seq < local.Sequence
	}
	return changed.Before(local.Changed)
}

// replyAttendee locates the responding attendee in a reply payload: the
// entry matching the transport sender, or, when none matches and the
// payload carries exactly one non-organizer entry, that entry adopted
// under the sender's address (the sender's MTA rewrote it). More than
// one candidate without a sender match is ambiguous.
func replyAttendee(msg *model.ItipMessage) (model.Attendee, bool) {
	for i := range msg.Event.Attendees {
		a := msg.Event.Attendees[i]
		if a.Role == model.RoleOrganizer {
			continue
		}
		if msg.Sender != "" && a.Is(msg.Sender) {
			return a, true
		}
	}
	if i := singleAttendeeIndex(&msg.Event); i >= 0 {
		a := msg.Event.Attendees[i]
		if msg.Sender != "" {
			a.Email = msg.Sender
		}
		return a, true
	}
	return model.Attendee{}, false
}

func singleAttendeeIndex(ev *model.Event) int {
	idx := -1
	for i := range ev.Attendees {
		if ev.Attendees[i].Role == model.RoleOrganizer {
			continue
		}
		if idx >= 0 {
			return -1
		}
		idx = i
	}
	return idx
}

func validEmail(s string) bool {
	s = strings.TrimSpace(s)
	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 {
		return false
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	return !strings.Contains(s[at+1:], "@")
}
