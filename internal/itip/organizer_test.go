package itip

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INDEVOPS/calendar/internal/config"
	"github.com/INDEVOPS/calendar/internal/model"
	"github.com/INDEVOPS/calendar/internal/recurrence"
	"github.com/INDEVOPS/calendar/internal/storage"
	"github.com/INDEVOPS/calendar/internal/undo"
)

func newPipeline(t *testing.T) (*Pipeline, *storage.Memory, *recordingNotifier) {
	t.Helper()
	store := storage.NewMemory()
	notifier := &recordingNotifier{}
	pipe := &Pipeline{
		Store:    store,
		Notifier: notifier,
		Identity: StaticIdentity{"me@example.com"},
		Undo:     undo.NewBuffer(),
		Cfg:      config.DefaultConfig(),
	}
	return pipe, store, notifier
}

func organizedEvent() model.Event {
	return model.Event{
		CalendarID: "personal",
		Title:      "team offsite",
		Start:      time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 6, 3, 17, 0, 0, 0, time.UTC),
		Attendees: []model.Attendee{
			{Email: "me@example.com", Role: model.RoleOrganizer},
			{Email: "alice@example.com", NoReply: true},
			{Email: "bob@example.com", Status: model.PartStatNeedsAction, RSVP: true},
		},
	}
}

func TestSaveCreatesAndInvites(t *testing.T) {
	pipe, store, notifier := newPipeline(t)
	ev := organizedEvent()

	saved, err := pipe.Save(&ev, model.SaveModeAll)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.NotEmpty(t, saved.UID)
	assert.Equal(t, 1, saved.Sequence)

	stored, err := store.GetEvent(storage.Query{ID: saved.ID, CalendarID: "personal"}, 0)
	require.NoError(t, err)
	require.NotNil(t, stored)

	// The no-reply attendee and the organizer get nothing.
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, model.MethodRequest, notifier.sent[0].Method)
	assert.Equal(t, "bob@example.com", notifier.sent[0].Recipient)
	assert.Equal(t, "invitationsubject", notifier.sent[0].SubjectKey)
}

func TestSaveRescheduleBumpsSequence(t *testing.T) {
	pipe, _, notifier := newPipeline(t)
	ev := organizedEvent()
	saved, err := pipe.Save(&ev, model.SaveModeAll)
	require.NoError(t, err)
	notifier.sent = nil

	moved := saved.Clone()
	moved.Start = moved.Start.Add(2 * time.Hour)
	moved.End = moved.End.Add(2 * time.Hour)

	updated, err := pipe.Save(&moved, model.SaveModeAll)
	require.NoError(t, err)
	assert.Equal(t, saved.Sequence+1, updated.Sequence)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, model.MethodRequest, notifier.sent[0].Method)
	assert.Equal(t, "eventupdatesubject", notifier.sent[0].SubjectKey)
}

func TestSaveCosmeticEditKeepsSequence(t *testing.T) {
	pipe, _, notifier := newPipeline(t)
	ev := organizedEvent()
	saved, err := pipe.Save(&ev, model.SaveModeAll)
	require.NoError(t, err)
	notifier.sent = nil

	edited := saved.Clone()
	edited.Description = "bring laptops"

	updated, err := pipe.Save(&edited, model.SaveModeAll)
	require.NoError(t, err)
	assert.Equal(t, saved.Sequence, updated.Sequence)
	require.Len(t, notifier.sent, 1)
	assert.False(t, notifier.sent[0].Method == model.MethodCancel)
}

func TestSaveNoChangeNoNotifications(t *testing.T) {
	pipe, _, notifier := newPipeline(t)
	ev := organizedEvent()
	saved, err := pipe.Save(&ev, model.SaveModeAll)
	require.NoError(t, err)
	notifier.sent = nil

	same := saved.Clone()
	updated, err := pipe.Save(&same, model.SaveModeAll)
	require.NoError(t, err)
	assert.Equal(t, saved.Sequence, updated.Sequence)
	assert.Empty(t, notifier.sent)
}

// Dropping one attendee and adding another on an edit: the new one gets
// an invitation, the dropped one a cancellation, the no-reply attendee
// nothing.
func TestSaveAttendeeChurn(t *testing.T) {
	pipe, _, notifier := newPipeline(t)
	ev := organizedEvent()
	saved, err := pipe.Save(&ev, model.SaveModeAll)
	require.NoError(t, err)
	notifier.sent = nil

	edited := saved.Clone()
	edited.Attendees = []model.Attendee{
		saved.Attendees[0], // organizer
		saved.Attendees[1], // alice, no-reply
		{Email: "carol@example.com", Status: model.PartStatNeedsAction, RSVP: true},
	}

	_, err = pipe.Save(&edited, model.SaveModeAll)
	require.NoError(t, err)
	require.Len(t, notifier.sent, 2)

	byRecipient := map[string]sentMessage{}
	for _, s := range notifier.sent {
		byRecipient[s.Recipient] = s
	}
	assert.Equal(t, model.MethodRequest, byRecipient["carol@example.com"].Method)
	assert.Equal(t, model.MethodCancel, byRecipient["bob@example.com"].Method)
	_, heard := byRecipient["alice@example.com"]
	assert.False(t, heard)
}

func TestSaveAlignsRecurringStart(t *testing.T) {
	pipe, _, _ := newPipeline(t)
	ev := organizedEvent()
	// Start on a Sunday with a Mondays-only rule.
	ev.Start = time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	ev.End = ev.Start.Add(time.Hour)
	ev.Recurrence = &model.RecurrenceRule{Freq: model.FreqWeekly, ByDay: []string{"MO"}}

	saved, err := pipe.Save(&ev, model.SaveModeAll)
	require.NoError(t, err)
	assert.True(t, saved.Start.Equal(time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Hour, saved.End.Sub(saved.Start))
}

func TestSaveImpossibleRule(t *testing.T) {
	pipe, _, _ := newPipeline(t)
	ev := organizedEvent()
	ev.Recurrence = &model.RecurrenceRule{
		Freq:  model.FreqWeekly,
		Until: ev.Start.Add(-24 * time.Hour),
	}

	_, err := pipe.Save(&ev, model.SaveModeAll)
	assert.ErrorIs(t, err, recurrence.ErrNoOccurrence)
}

func TestSaveSingleInstanceEdit(t *testing.T) {
	pipe, store, notifier := newPipeline(t)
	ev := organizedEvent()
	ev.Recurrence = &model.RecurrenceRule{Freq: model.FreqWeekly}
	saved, err := pipe.Save(&ev, model.SaveModeAll)
	require.NoError(t, err)
	notifier.sent = nil

	edited := saved.Clone()
	edited.InstanceID = "20240610T090000"
	edited.Title = "team offsite (offsite site changed)"
	edited.Location = "annex"

	_, err = pipe.Save(&edited, model.SaveModeCurrent)
	require.NoError(t, err)

	stored, _ := store.GetEvent(storage.Query{ID: saved.ID, CalendarID: "personal"}, 0)
	require.NotNil(t, stored.Recurrence)
	require.Len(t, stored.Recurrence.Exceptions, 1)
	assert.Equal(t, "20240610T090000", stored.Recurrence.Exceptions[0].InstanceID)
	assert.Equal(t, "annex", stored.Recurrence.Exceptions[0].Event.Location)
}

func TestSaveFutureSplitsSeries(t *testing.T) {
	pipe, store, _ := newPipeline(t)
	ev := organizedEvent()
	ev.Recurrence = &model.RecurrenceRule{Freq: model.FreqWeekly}
	saved, err := pipe.Save(&ev, model.SaveModeAll)
	require.NoError(t, err)

	edited := saved.Clone()
	edited.InstanceID = "20240617T090000"
	edited.Start = time.Date(2024, 6, 17, 13, 0, 0, 0, time.UTC)
	edited.End = edited.Start.Add(8 * time.Hour)

	split, err := pipe.Save(&edited, model.SaveModeFuture)
	require.NoError(t, err)
	assert.NotEqual(t, saved.UID, split.UID)
	assert.True(t, split.Start.Equal(edited.Start))

	old, _ := store.GetEvent(storage.Query{ID: saved.ID, CalendarID: "personal"}, 0)
	require.NotNil(t, old.Recurrence)
	assert.True(t, old.Recurrence.Until.Before(time.Date(2024, 6, 17, 9, 0, 0, 0, time.UTC)))
}

func TestRemoveUndoRoundTrip(t *testing.T) {
	pipe, store, notifier := newPipeline(t)
	ev := organizedEvent()
	saved, err := pipe.Save(&ev, model.SaveModeAll)
	require.NoError(t, err)
	notifier.sent = nil
	snapshot := saved.Clone()

	q := storage.Query{ID: saved.ID, CalendarID: saved.CalendarID}
	require.NoError(t, pipe.Remove(q, "sess-1"))

	gone, err := store.GetEvent(q, 0)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// Attendees are told.
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, model.MethodCancel, notifier.sent[0].Method)

	restored, err := pipe.UndoRemove("sess-1")
	require.NoError(t, err)
	if d := cmp.Diff(snapshot, *restored); d != "" {
		t.Fatalf("restored event differs from the deleted one (-want +got):\n%s", d)
	}

	back, err := store.GetEvent(q, 0)
	require.NoError(t, err)
	require.NotNil(t, back)

	// The undo window is single-shot.
	_, err = pipe.UndoRemove("sess-1")
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestRemoveWithoutSessionIsHard(t *testing.T) {
	pipe, _, _ := newPipeline(t)
	ev := organizedEvent()
	saved, err := pipe.Save(&ev, model.SaveModeAll)
	require.NoError(t, err)

	q := storage.Query{ID: saved.ID, CalendarID: saved.CalendarID}
	require.NoError(t, pipe.Remove(q, ""))

	_, err = pipe.UndoRemove("")
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestRemoveInvitationDeclinesToOrganizer(t *testing.T) {
	pipe, store, notifier := newPipeline(t)

	ev := model.Event{
		CalendarID: "personal",
		UID:        "uid-invited",
		Title:      "vendor call",
		Start:      time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
		Sequence:   2,
		Attendees: []model.Attendee{
			{Email: "boss@example.com", Role: model.RoleOrganizer},
			{Email: "me@example.com", Status: model.PartStatAccepted},
			{Email: "bob@example.com", Status: model.PartStatAccepted},
		},
	}
	id, err := store.NewEvent(&ev)
	require.NoError(t, err)

	require.NoError(t, pipe.Remove(storage.Query{ID: id, CalendarID: "personal"}, ""))

	// One REPLY to the organizer, no CANCEL fan-out to other attendees.
	require.Len(t, notifier.sent, 1)
	got := notifier.sent[0]
	assert.Equal(t, model.MethodReply, got.Method)
	assert.Equal(t, "boss@example.com", got.Recipient)
	assert.Equal(t, "itipsubjectdeclined", got.SubjectKey)
	require.Len(t, got.Event.Attendees, 2)
	assert.Equal(t, model.PartStatDeclined, got.Event.Attendees[1].Status)
}

func TestSendNeverSuppressesNotifications(t *testing.T) {
	pipe, _, notifier := newPipeline(t)
	pipe.Cfg.ItipSend = config.SendNever

	ev := organizedEvent()
	_, err := pipe.Save(&ev, model.SaveModeAll)
	require.NoError(t, err)
	assert.Empty(t, notifier.sent)
}
