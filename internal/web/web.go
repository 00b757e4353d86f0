// Package web exposes the scheduling core over a small JSON HTTP API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/INDEVOPS/calendar/internal/config"
	"github.com/INDEVOPS/calendar/internal/freebusy"
	"github.com/INDEVOPS/calendar/internal/ics"
	"github.com/INDEVOPS/calendar/internal/itip"
	appLog "github.com/INDEVOPS/calendar/internal/log"
	"github.com/INDEVOPS/calendar/internal/model"
	"github.com/INDEVOPS/calendar/internal/recurrence"
)

// Server provides the HTTP API: free/busy queries, inbound iTIP message
// processing and the undo endpoint for recent deletes.
type Server struct {
	cfg        *config.Config
	mux        *http.ServeMux
	reconciler *itip.Reconciler
	pipeline   *itip.Pipeline
	aggregator freebusy.Aggregator
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, rec *itip.Reconciler, pipe *itip.Pipeline, agg freebusy.Aggregator) *Server {
	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		reconciler: rec,
		pipeline:   pipe,
		aggregator: agg,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartServer starts an HTTP server bound to cfg.Listen. Graceful
// shutdown is wired in main via http.Server.
func StartServer(_ context.Context, cfg *config.Config, rec *itip.Reconciler, pipe *itip.Pipeline, agg freebusy.Aggregator) error {
	s := NewServer(cfg, rec, pipe, agg)
	appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
	return http.ListenAndServe(cfg.Listen, s.Handler())
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/freebusy/status", s.handleFreeBusyStatus)
	s.mux.HandleFunc("/api/freebusy/times", s.handleFreeBusyTimes)
	s.mux.HandleFunc("/api/itip/process", s.handleItipProcess)
	s.mux.HandleFunc("/api/event/undo", s.handleUndo)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleFreeBusyStatus returns one status for one address at (or over) a
// time window.
//
// GET /api/freebusy/status?email=a@b&start=RFC3339&end=RFC3339
//   - end is optional; without it the status at the start instant is
//     returned.
func (s *Server) handleFreeBusyStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := q.Get("email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	start, err := parseTimeDefault(q.Get("start"), time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start")
		return
	}
	end, err := parseTimeDefault(q.Get("end"), start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end")
		return
	}

	slots := s.aggregator.Slots(email, start.Add(-24*time.Hour), end.Add(24*time.Hour))
	var status model.FreeBusy
	if end.After(start) {
		status = freebusy.StatusIn(slots, start, end)
	} else {
		status = freebusy.StatusAt(slots, start)
	}

	writeJSON(w, http.StatusOK, freeBusyStatusResponse{
		Email:  email,
		Start:  start,
		End:    end,
		Status: status.String(),
	})
}

// handleFreeBusyTimes returns a bucketed timeline for one address.
//
// GET /api/freebusy/times?email=a@b&start=...&end=...&interval=60
//
// The timeline is bucketed in the configured viewer timezone; whole-day
// busy blocks follow the viewer's local day.
func (s *Server) handleFreeBusyTimes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := q.Get("email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	now := time.Now()
	start, err := parseTimeDefault(q.Get("start"), now.Truncate(time.Hour))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start")
		return
	}
	end, err := parseTimeDefault(q.Get("end"), start.AddDate(0, 0, 1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end")
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}
	interval := parseIntDefault(q.Get("interval"), s.cfg.FreeBusyInterval)
	if interval <= 0 {
		interval = 60
	}

	loc := resolveLocationOrLocal(s.cfg.Timezone)
	slots := s.aggregator.Slots(email, start.Add(-24*time.Hour), end.Add(24*time.Hour))
	timeline := freebusy.Timeline(slots, start, end, interval, loc)

	writeJSON(w, http.StatusOK, freeBusyTimesResponse{
		Email:    email,
		Start:    start,
		End:      end,
		Interval: interval,
		Slots:    freebusy.Tokens(timeline),
	})
}

// handleItipProcess applies one inbound scheduling message.
//
// POST /api/itip/process with a JSON body carrying the raw iCalendar
// payload plus the user's decision.
func (s *Server) handleItipProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req itipProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Payload == "" {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	msg, err := ics.ParseItip(strings.NewReader(req.Payload))
	if err != nil {
		appLog.Error("itip parse failed", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg.Sender = req.Sender

	outcome, err := s.reconciler.Process(msg, itip.ProcessOptions{
		Status:       model.PartStat(req.Status),
		SaveMode:     model.SaveMode(req.SaveMode),
		InstanceID:   req.InstanceID,
		CalendarID:   req.CalendarID,
		Comment:      req.Comment,
		NoReply:      req.NoReply,
		DelegateTo:   req.DelegateTo,
		DelegateName: req.DelegateName,
	})
	if err != nil {
		appLog.Error("itip processing failed", err, "uid", msg.UID, "method", string(msg.Method))
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, itipProcessResponse{
		Action:     string(outcome.Action),
		CalendarID: outcome.CalendarID,
		EventID:    outcome.EventID,
		Attendee:   outcome.Attendee,
		ReplySent:  outcome.ReplySent,
	})
}

// handleUndo restores the event deleted under a session key, while its
// undo window is still open.
//
// POST /api/event/undo {"session": "..."}
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req undoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Session == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}

	ev, err := s.pipeline.UndoRemove(req.Session)
	if err != nil {
		if errors.Is(err, itip.ErrNothingToUndo) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		appLog.Error("undo failed", err, "session", req.Session)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, undoResponse{
		EventID:    ev.ID,
		CalendarID: ev.CalendarID,
		UID:        ev.UID,
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, itip.ErrStaleReply),
		errors.Is(err, itip.ErrUnknownAttendee),
		errors.Is(err, itip.ErrDelegateAddressInvalid):
		return http.StatusConflict
	case errors.Is(err, itip.ErrNoWritableCalendar):
		return http.StatusForbidden
	case errors.Is(err, recurrence.ErrNoOccurrence):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type freeBusyStatusResponse struct {
	Email  string    `json:"email"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Status string    `json:"status"`
}

type freeBusyTimesResponse struct {
	Email    string    `json:"email"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Interval int       `json:"interval"`
	Slots    string    `json:"slots"`
}

type itipProcessRequest struct {
	Payload      string `json:"payload"`
	Sender       string `json:"sender"`
	Status       string `json:"status"`
	SaveMode     string `json:"savemode"`
	InstanceID   string `json:"instance_id"`
	CalendarID   string `json:"calendar_id"`
	Comment      string `json:"comment"`
	NoReply      bool   `json:"no_reply"`
	DelegateTo   string `json:"delegate_to"`
	DelegateName string `json:"delegate_name"`
}

type itipProcessResponse struct {
	Action     string `json:"action"`
	CalendarID string `json:"calendar_id,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	Attendee   string `json:"attendee,omitempty"`
	ReplySent  bool   `json:"reply_sent"`
}

type undoRequest struct {
	Session string `json:"session"`
}

type undoResponse struct {
	EventID    string `json:"event_id"`
	CalendarID string `json:"calendar_id"`
	UID        string `json:"uid"`
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseTimeDefault(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, s)
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
