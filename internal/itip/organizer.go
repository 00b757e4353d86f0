package itip

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/INDEVOPS/calendar/internal/attendee"
	"github.com/INDEVOPS/calendar/internal/config"
	"github.com/INDEVOPS/calendar/internal/log"
	"github.com/INDEVOPS/calendar/internal/model"
	"github.com/INDEVOPS/calendar/internal/notify"
	"github.com/INDEVOPS/calendar/internal/recurrence"
	"github.com/INDEVOPS/calendar/internal/storage"
	"github.com/INDEVOPS/calendar/internal/undo"
)

// ErrNothingToUndo is returned when the undo window for a session has
// passed or nothing was deleted in it.
var ErrNothingToUndo = errors.New("itip: nothing to undo for this session")

// rescheduleFields are the event fields whose change makes an edit a
// reschedule, which bumps the sequence and re-requests RSVPs.
var rescheduleFields = map[string]bool{
	"start":      true,
	"end":        true,
	"allday":     true,
	"recurrence": true,
	"location":   true,
	"status":     true,
}

// Pipeline applies organizer-side changes (create, edit, move, resize,
// remove, undo) and notifies the attendees that need to know.
type Pipeline struct {
	Store    storage.Driver
	Notifier notify.Notifier
	Identity IdentityProvider
	Engine   recurrence.Engine
	Undo     *undo.Buffer
	Cfg      *config.Config
}

// Save persists ev, creating it when it has no storage id yet. For
// recurring events the start is aligned to the rule's first occurrence;
// a rule that never fires fails with recurrence.ErrNoOccurrence. The
// returned event is the persisted revision.
func (p *Pipeline) Save(ev *model.Event, mode model.SaveMode) (*model.Event, error) {
	saved := ev.Clone()

	if saved.IsRecurring() {
		first, err := p.Engine.FirstOccurrence(&saved)
		if err != nil {
			return nil, err
		}
		if !first.Equal(saved.Start) {
			saved.End = first.Add(saved.End.Sub(saved.Start))
			saved.Start = first
		}
	}

	if saved.ID == "" {
		return p.create(&saved)
	}

	old, err := p.Store.GetEvent(storage.Query{ID: saved.ID, CalendarID: saved.CalendarID}, 0)
	if err != nil {
		return nil, persistErr("load event", err)
	}
	if old == nil {
		return nil, persistErr("load event", fmt.Errorf("event %s not found", saved.ID))
	}
	return p.update(&saved, old, mode)
}

func (p *Pipeline) create(ev *model.Event) (*model.Event, error) {
	if ev.UID == "" {
		ev.UID = uuid.NewString()
	}
	if ev.Sequence == 0 {
		ev.Sequence = 1
	}
	now := time.Now().UTC()
	ev.Created = now
	ev.Changed = now

	id, err := p.Store.NewEvent(ev)
	if err != nil {
		return nil, persistErr("create event", err)
	}
	ev.ID = id

	log.Info("created event", "uid", ev.UID, "calendar", ev.CalendarID)
	if err := p.send(ev, nil, notify.ActionNew); err != nil {
		return ev, err
	}
	return ev, nil
}

func (p *Pipeline) update(ev, old *model.Event, mode model.SaveMode) (*model.Event, error) {
	diff := attendee.Diff(ev, old)
	if len(diff) == 0 {
		return old, nil
	}

	ev.Sequence = old.Sequence
	if reschedules(diff) {
		ev.Sequence = old.Sequence + 1
	}
	ev.Changed = time.Now().UTC()
	attendee.PreserveSelfStatus(ev, old, p.Identity.Emails())

	switch {
	case mode == model.SaveModeCurrent && ev.InstanceID != "" && old.IsRecurring():
		// The override keeps its RECURRENCE-ID so attendees can match
		// the changed instance.
		if err := materializeOverride(p.Store, old, ev.InstanceID, ev); err != nil {
			return nil, err
		}

	case mode == model.SaveModeFuture && ev.InstanceID != "" && old.IsRecurring():
		split, err := p.splitSeries(ev, old)
		if err != nil {
			return nil, err
		}
		ev = split

	case mode == model.SaveModeNew:
		fresh := ev.Clone()
		fresh.ID = ""
		fresh.UID = uuid.NewString()
		fresh.InstanceID = ""
		fresh.RecurrenceID = ""
		fresh.Sequence = 1
		return p.create(&fresh)

	default:
		if err := p.Store.EditEvent(ev); err != nil {
			return nil, persistErr("save event", err)
		}
	}

	log.Info("updated event", "uid", ev.UID, "sequence", ev.Sequence, "fields", len(diff))
	if err := p.send(ev, old, notify.ActionEdit); err != nil {
		return ev, err
	}
	return ev, nil
}

// splitSeries ends the old series before the edited instance and starts
// a new one from it, carrying the edits forward.
func (p *Pipeline) splitSeries(ev, old *model.Event) (*model.Event, error) {
	occs, err := p.Store.GetRecurringEvents(old, old.Start, old.Start.Add(recurrence.LookaheadHorizon))
	if err != nil {
		return nil, persistErr("expand series", err)
	}
	var pivot time.Time
	for i := range occs {
		if occs[i].InstanceID == ev.InstanceID {
			pivot = occs[i].Start
			break
		}
	}
	if pivot.IsZero() {
		return nil, fmt.Errorf("%w: instance %s of %s", recurrence.ErrNoOccurrence, ev.InstanceID, old.UID)
	}

	truncated := old.Clone()
	truncated.Recurrence.Until = pivot.Add(-time.Second)
	truncated.Recurrence.Count = 0
	if err := p.Store.EditEvent(&truncated); err != nil {
		return nil, persistErr("truncate series", err)
	}

	// The new series starts at the edited instance, keeping the edit's
	// own times.
	fresh := ev.Clone()
	fresh.ID = ""
	fresh.UID = uuid.NewString()
	fresh.InstanceID = ""
	fresh.RecurrenceID = ""
	fresh.Sequence = 1
	if fresh.Start.Equal(old.Start) {
		fresh.End = pivot.Add(ev.End.Sub(ev.Start))
		fresh.Start = pivot
	}
	id, err := p.Store.NewEvent(&fresh)
	if err != nil {
		return nil, persistErr("create series remainder", err)
	}
	fresh.ID = id
	return &fresh, nil
}

// Remove deletes the event. With an undo window configured and a session
// key given, the delete is soft and restorable until the window passes.
func (p *Pipeline) Remove(q storage.Query, session string) error {
	ev, err := p.Store.GetEvent(q, 0)
	if err != nil {
		return persistErr("load event", err)
	}
	if ev == nil {
		return persistErr("load event", fmt.Errorf("event not found"))
	}

	ttl := time.Duration(p.Cfg.UndoTimeout) * time.Second
	soft := ttl > 0 && session != "" && p.Undo != nil

	if err := p.Store.RemoveEvent(ev, !soft); err != nil {
		return persistErr("remove event", err)
	}
	if soft {
		p.Undo.Remember(session, ev.Clone(), ttl)
	}

	log.Info("removed event", "uid", ev.UID, "soft", soft)

	// Removing someone else's invitation declines it; removing our own
	// event cancels it for everyone.
	if org := ev.Organizer(); org != nil && !attendee.IsSelf(org.Email, p.Identity.Emails()) {
		return p.declineRemoved(ev)
	}
	return p.send(ev, ev, notify.ActionRemove)
}

// declineRemoved tells the organizer their event was dropped locally.
func (p *Pipeline) declineRemoved(ev *model.Event) error {
	if p.Notifier == nil || p.Cfg.ItipSend == config.SendNever {
		return nil
	}
	org := ev.Organizer()
	self := -1
	for i := range ev.Attendees {
		if ev.Attendees[i].Role != model.RoleOrganizer && attendee.IsSelf(ev.Attendees[i].Email, p.Identity.Emails()) {
			self = i
			break
		}
	}
	if self < 0 {
		return nil
	}

	re := ev.Clone()
	me := re.Attendees[self]
	me.Status = model.PartStatDeclined
	re.Attendees = []model.Attendee{*org, me}
	if err := p.Notifier.SendItip(&re, model.MethodReply, *org, "itipsubjectdeclined", "itipmailbodydeclined"); err != nil {
		return notifyErr(org.Email, err)
	}
	return nil
}

// UndoRemove restores the event removed under session, if its undo
// window is still open.
func (p *Pipeline) UndoRemove(session string) (*model.Event, error) {
	if p.Undo == nil {
		return nil, ErrNothingToUndo
	}
	ev, ok := p.Undo.Restore(session)
	if !ok {
		return nil, ErrNothingToUndo
	}
	if err := p.Store.RestoreEvent(&ev); err != nil {
		return nil, persistErr("restore event", err)
	}
	log.Info("restored event", "uid", ev.UID, "session", session)
	return &ev, nil
}

// send fans the change out to attendees per the notification policy.
func (p *Pipeline) send(ev, old *model.Event, action notify.Action) error {
	if p.Cfg.ItipSend == config.SendNever || p.Notifier == nil {
		return nil
	}
	for _, plan := range notify.PlanOutbound(ev, old, action, p.Identity.Emails()) {
		target := ev
		if plan.Method == model.MethodCancel && action != notify.ActionRemove && ev.FindAttendee(plan.Attendee.Email) < 0 {
			// Removed attendees get the pre-change snapshot.
			target = old
		}
		if err := p.Notifier.SendItip(target, plan.Method, plan.Attendee, plan.SubjectKey, plan.BodyKey); err != nil {
			return notifyErr(plan.Attendee.Email, err)
		}
	}
	return nil
}

func reschedules(diff []string) bool {
	for _, f := range diff {
		if rescheduleFields[f] {
			return true
		}
	}
	return false
}
