package booking

import (
	"errors"
	"fmt"

	"roombook/internal/model"
)

var (
	// ErrConflict means the requested interval overlaps another event in
	// the same room.
	ErrConflict = errors.New("time slot overlaps an existing booking")
	// ErrInPast means a new booking would start before the current time.
	ErrInPast = errors.New("cannot book in the past")
	// ErrInvalidInterval means start is not strictly before end.
	ErrInvalidInterval = errors.New("invalid booking interval")
	// ErrNoRoom means the room id is empty, or names a room that is neither
	// in the catalog nor loaded.
	ErrNoRoom = errors.New("unknown room")
	// ErrNotEditable means the event is linked or the session user is
	// neither its organizer nor an attendee.
	ErrNotEditable = errors.New("event is not editable")
	// ErrNotFound means the event is not in the room.
	ErrNotFound = errors.New("event not found")

	// ErrClosed is returned once the session loop has stopped.
	ErrClosed = errors.New("booking session closed")
)

// ValidationError rejects a mutation before any network call. The store is
// left untouched.
type ValidationError struct {
	Reason error
	Detail string
	// Conflict is the first colliding event when Reason is ErrConflict.
	Conflict *model.Event
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%v: %s", e.Reason, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

func invalid(reason error, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
