package itip

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleReply marks a scheduling message that refers to an older
	// revision than the stored event. Nothing is persisted.
	ErrStaleReply = errors.New("itip: message refers to an outdated event revision")

	// ErrUnknownAttendee marks a reply whose sender cannot be matched to
	// any attendee of the stored event.
	ErrUnknownAttendee = errors.New("itip: sender is not an attendee of the event")

	// ErrNoWritableCalendar means an import found no calendar the event
	// could be stored in.
	ErrNoWritableCalendar = errors.New("itip: no writable calendar available")

	// ErrDelegateAddressInvalid means the requested delegate address is
	// not a usable email address.
	ErrDelegateAddressInvalid = errors.New("itip: delegate address is not a valid email address")

	// ErrPersist wraps storage failures. The local event is unchanged.
	ErrPersist = errors.New("itip: persisting event failed")

	// ErrNotification wraps delivery failures. The local change is
	// already persisted when this is returned.
	ErrNotification = errors.New("itip: notification delivery failed")
)

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersist, op, err)
}

func notifyErr(recipient string, err error) error {
	return fmt.Errorf("%w: to %s: %v", ErrNotification, recipient, err)
}
