package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/INDEVOPS/calendar/internal/ics"
	"github.com/INDEVOPS/calendar/internal/log"
	"github.com/INDEVOPS/calendar/internal/model"
)

// Outbox delivers scheduling messages by serializing them into a spool
// directory, one .ics file per recipient. A mail transfer agent (or a
// test) picks them up from there.
type Outbox struct {
	Dir string

	seq atomic.Uint64
}

func NewOutbox(dir string) *Outbox {
	return &Outbox{Dir: dir}
}

// SendItip renders the event as an iTIP message addressed to recipient
// and writes it to the spool. The subject and body keys travel in
// X- headers so the delivery agent can pick localized templates.
func (o *Outbox) SendItip(ev *model.Event, method model.Method, recipient model.Attendee, subjectKey, bodyKey string) error {
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return fmt.Errorf("notify: create outbox: %w", err)
	}

	rsvp := method == model.MethodRequest
	cal := ics.ComposeItip(ev, method, &recipient, rsvp)

	var sb strings.Builder
	sb.WriteString("X-Recipient: " + recipient.Email + "\r\n")
	sb.WriteString("X-Subject-Key: " + subjectKey + "\r\n")
	sb.WriteString("X-Body-Key: " + bodyKey + "\r\n")
	sb.WriteString(cal.Serialize())

	name := fmt.Sprintf("%d-%d-%s.ics", time.Now().UnixNano(), o.seq.Add(1), sanitize(recipient.Email))
	path := filepath.Join(o.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("notify: write message: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("notify: write message: %w", err)
	}

	log.Debug("queued itip message", "method", string(method), "recipient", recipient.Email, "uid", ev.UID)
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_', r == '@':
			return r
		}
		return '_'
	}, s)
}
