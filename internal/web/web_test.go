package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INDEVOPS/calendar/internal/config"
	"github.com/INDEVOPS/calendar/internal/freebusy"
	"github.com/INDEVOPS/calendar/internal/itip"
	"github.com/INDEVOPS/calendar/internal/model"
	"github.com/INDEVOPS/calendar/internal/storage"
	"github.com/INDEVOPS/calendar/internal/undo"
)

type dropNotifier struct{}

func (dropNotifier) SendItip(*model.Event, model.Method, model.Attendee, string, string) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	cfg := config.DefaultConfig()
	identity := itip.StaticIdentity{"me@example.com"}
	rec := &itip.Reconciler{
		Store:    store,
		Notifier: dropNotifier{},
		Identity: identity,
		Cfg:      cfg,
	}
	pipe := &itip.Pipeline{
		Store:    store,
		Notifier: dropNotifier{},
		Identity: identity,
		Undo:     undo.NewBuffer(),
		Cfg:      cfg,
	}
	agg := freebusy.Aggregator{Sources: []freebusy.Source{
		freebusy.EventSource{Store: store},
	}}
	return NewServer(cfg, rec, pipe, agg), store
}

func seedMeeting(t *testing.T, store *storage.Memory, start time.Time) model.Event {
	t.Helper()
	ev := model.Event{
		CalendarID: "personal",
		UID:        "uid-meet",
		Owner:      "me@example.com",
		Title:      "Review",
		Start:      start,
		End:        start.Add(time.Hour),
		Sequence:   3,
		Attendees: []model.Attendee{
			{Email: "me@example.com", Role: model.RoleOrganizer, Status: model.PartStatAccepted},
			{Email: "bob@example.com", Role: model.RoleRequired, Status: model.PartStatNeedsAction},
		},
	}
	_, err := store.NewEvent(&ev)
	require.NoError(t, err)
	return ev
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestFreeBusyStatus(t *testing.T) {
	s, store := newTestServer(t)
	start := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	seedMeeting(t, store, start)

	w := doJSON(t, s, http.MethodGet,
		"/api/freebusy/status?email=bob@example.com&start=2024-04-01T10:30:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp freeBusyStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "BUSY", resp.Status)

	w = doJSON(t, s, http.MethodGet,
		"/api/freebusy/status?email=bob@example.com&start=2024-04-01T12:30:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "FREE", resp.Status)
}

func TestFreeBusyStatusRequiresEmail(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/freebusy/status", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFreeBusyTimes(t *testing.T) {
	s, store := newTestServer(t)
	start := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	seedMeeting(t, store, start)

	w := doJSON(t, s, http.MethodGet,
		"/api/freebusy/times?email=bob@example.com&start=2024-04-01T10:00:00Z&end=2024-04-01T12:00:00Z&interval=60", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp freeBusyTimesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "21", resp.Slots)
	assert.Equal(t, 60, resp.Interval)
}

func TestFreeBusyTimesRejectsEmptyWindow(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet,
		"/api/freebusy/times?email=bob@example.com&start=2024-04-01T10:00:00Z&end=2024-04-01T10:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func invitationWire() string {
	return strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Test//EN",
		"METHOD:REQUEST",
		"BEGIN:VEVENT",
		"UID:uid-invite",
		"SEQUENCE:1",
		"DTSTAMP:20240401T080000Z",
		"DTSTART:20240405T090000Z",
		"DTEND:20240405T100000Z",
		"SUMMARY:Planning",
		"ORGANIZER;CN=Boss:mailto:boss@example.com",
		"ATTENDEE;ROLE=REQ-PARTICIPANT;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:me@example.com",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
}

func TestItipProcessImportsInvitation(t *testing.T) {
	s, store := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/itip/process", map[string]any{
		"payload": invitationWire(),
		"sender":  "boss@example.com",
		"status":  "ACCEPTED",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp itipProcessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(itip.ActionImport), resp.Action)
	assert.Equal(t, "personal", resp.CalendarID)
	assert.True(t, resp.ReplySent)

	got, err := store.GetEvent(storage.Query{UID: "uid-invite"}, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Planning", got.Title)
}

func TestItipProcessRejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/itip/process", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/itip/process", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/itip/process", map[string]any{
		"payload": "BEGIN:VCALENDAR\r\nMETHOD:PUBLISH\r\nEND:VCALENDAR\r\n",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestItipProcessStaleReplyConflicts(t *testing.T) {
	s, store := newTestServer(t)
	seedMeeting(t, store, time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC))

	stale := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Test//EN",
		"METHOD:REPLY",
		"BEGIN:VEVENT",
		"UID:uid-meet",
		"SEQUENCE:1",
		"DTSTAMP:20240301T080000Z",
		"DTSTART:20240401T100000Z",
		"ORGANIZER:mailto:me@example.com",
		"ATTENDEE;PARTSTAT=ACCEPTED:mailto:bob@example.com",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	w := doJSON(t, s, http.MethodPost, "/api/itip/process", map[string]any{
		"payload": stale,
		"sender":  "bob@example.com",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUndoRestoresEvent(t *testing.T) {
	s, store := newTestServer(t)
	ev := seedMeeting(t, store, time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, s.pipeline.Remove(storage.Query{ID: ev.ID}, "sess-1"))

	w := doJSON(t, s, http.MethodPost, "/api/event/undo", map[string]any{"session": "sess-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp undoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "uid-meet", resp.UID)

	got, err := store.GetEvent(storage.Query{UID: "uid-meet"}, 0)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestUndoWithoutPendingDelete(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/event/undo", map[string]any{"session": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/event/undo", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
