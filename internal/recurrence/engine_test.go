package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INDEVOPS/calendar/internal/model"
)

func weeklyMonday() *model.Event {
	// 2024-01-01 is a Monday.
	return &model.Event{
		UID:   "weekly-1",
		Title: "standup",
		Start: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC),
		Recurrence: &model.RecurrenceRule{
			Freq:  model.FreqWeekly,
			ByDay: []string{"MO"},
		},
	}
}

func TestExpandWeekly(t *testing.T) {
	ev := weeklyMonday()
	var en Engine

	occs, err := en.Expand(ev,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, occs, 5)

	wantDays := []int{1, 8, 15, 22, 29}
	for i, occ := range occs {
		assert.Equal(t, wantDays[i], occ.Start.Day())
		assert.Equal(t, 10, occ.Start.Hour())
		assert.Equal(t, 30*time.Minute, occ.End.Sub(occ.Start))
	}
	assert.Equal(t, "20240108T100000", occs[1].InstanceID)
}

func TestExpandSkipsExDates(t *testing.T) {
	ev := weeklyMonday()
	ev.Recurrence.ExDates = []time.Time{
		time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	var en Engine

	occs, err := en.Expand(ev,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, occs, 4)
	for _, occ := range occs {
		assert.NotEqual(t, 15, occ.Start.Day())
	}
}

func TestExpandSubstitutesOverride(t *testing.T) {
	ev := weeklyMonday()
	moved := time.Date(2024, 1, 8, 14, 0, 0, 0, time.UTC)
	ev.Recurrence.Exceptions = []model.Exception{{
		InstanceID: "20240108T100000",
		Date:       time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC),
		Event: model.Event{
			UID:   ev.UID,
			Title: "standup (moved)",
			Start: moved,
			End:   moved.Add(30 * time.Minute),
		},
	}}
	var en Engine

	occs, err := en.Expand(ev,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, occs, 2)

	assert.Nil(t, occs[0].Override)
	require.NotNil(t, occs[1].Override)
	assert.Equal(t, "standup (moved)", occs[1].Override.Title)
	assert.True(t, occs[1].Start.Equal(moved))
}

func TestExpandCountBound(t *testing.T) {
	ev := weeklyMonday()
	ev.Recurrence.Count = 3
	var en Engine

	occs, err := en.Expand(ev,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, occs, 3)
}

func TestExpandNonRecurring(t *testing.T) {
	ev := &model.Event{
		UID:   "single-1",
		Start: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
	}
	var en Engine

	occs, err := en.Expand(ev,
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.True(t, occs[0].Start.Equal(ev.Start))

	occs, err = en.Expand(ev,
		time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, occs)
}

func TestFirstOccurrenceAligns(t *testing.T) {
	// Start on a Sunday, rule fires Mondays; the first occurrence is the
	// next day.
	ev := weeklyMonday()
	ev.Start = time.Date(2023, 12, 31, 10, 0, 0, 0, time.UTC)
	ev.End = ev.Start.Add(30 * time.Minute)
	var en Engine

	first, err := en.FirstOccurrence(ev)
	require.NoError(t, err)
	assert.True(t, first.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))

	// Aligning is idempotent.
	ev.Start = first
	ev.End = first.Add(30 * time.Minute)
	again, err := en.FirstOccurrence(ev)
	require.NoError(t, err)
	assert.True(t, again.Equal(first))
}

func TestFirstOccurrenceNone(t *testing.T) {
	ev := weeklyMonday()
	ev.Recurrence.Until = ev.Start.Add(-24 * time.Hour)
	var en Engine

	_, err := en.FirstOccurrence(ev)
	assert.ErrorIs(t, err, ErrNoOccurrence)
}

func TestFirstOccurrenceSkipsExcluded(t *testing.T) {
	ev := weeklyMonday()
	ev.Recurrence.ExDates = []time.Time{ev.Start}
	var en Engine

	first, err := en.FirstOccurrence(ev)
	require.NoError(t, err)
	assert.True(t, first.Equal(time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)))
}

// When every occurrence inside the search horizon is carved out, the
// search reports no occurrence rather than one beyond the horizon.
func TestFirstOccurrenceAllExcludedWithinHorizon(t *testing.T) {
	ev := &model.Event{
		UID:        "yearly-1",
		Start:      time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
		Recurrence: &model.RecurrenceRule{Freq: model.FreqYearly},
	}
	for year := 2024; year <= 2033; year++ {
		ev.Recurrence.ExDates = append(ev.Recurrence.ExDates,
			time.Date(year, 1, 1, 10, 0, 0, 0, time.UTC))
	}
	var en Engine

	_, err := en.FirstOccurrence(ev)
	assert.ErrorIs(t, err, ErrNoOccurrence)
}

func TestInstanceIDFormats(t *testing.T) {
	at := time.Date(2024, 6, 8, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, "20240608T123000", InstanceID(at, false))
	assert.Equal(t, "20240608", InstanceID(at, true))
}
