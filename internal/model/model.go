package model

import (
	"slices"
	"strings"
	"time"
)

// Room is a bookable resource with its own event timeline. Rooms are
// reference data loaded from configuration; the engine never mutates them.
type Room struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	SortOrder   int    `json:"sort_order"`
	Color       string `json:"color,omitempty"`
}

// Event is a single booking on a room's timeline.
type Event struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`

	Title       string `json:"title"`
	Description string `json:"description"`

	Start time.Time `json:"start"`
	// End may be zero for events the remote reports without an end; such
	// events are treated as zero-length instants.
	End time.Time `json:"end"`

	Attendees []string `json:"attendees"`
	Organizer string   `json:"organizer,omitempty"`

	// IsLinked marks an event mirrored from another system. Linked events
	// are never editable through the engine.
	IsLinked bool `json:"is_linked"`
}

// ProvisionalPrefix starts the ID of a created event the server has not
// confirmed yet.
const ProvisionalPrefix = "pending-"

// Provisional reports whether e is a local placeholder for a create in
// flight.
func (e Event) Provisional() bool {
	return strings.HasPrefix(e.ID, ProvisionalPrefix)
}

// EffectiveEnd returns End, or Start when the event has no end.
func (e Event) EffectiveEnd() time.Time {
	if e.End.IsZero() {
		return e.Start
	}
	return e.End
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	e.Attendees = slices.Clone(e.Attendees)
	return e
}

// HasAttendee reports whether email is in the attendee set.
func (e Event) HasAttendee(email string) bool {
	return slices.Contains(e.Attendees, email)
}

// EditableBy reports whether user may change e. Linked events are never
// editable. An empty user means no session identity is configured.
func (e Event) EditableBy(user string) bool {
	if e.IsLinked {
		return false
	}
	if user == "" || e.Organizer == "" {
		return true
	}
	return e.Organizer == user || e.HasAttendee(user)
}

// CloneEvents deep-copies a slice of events. A nil input yields an empty,
// non-nil slice.
func CloneEvents(events []Event) []Event {
	out := make([]Event, len(events))
	for i, ev := range events {
		out[i] = ev.Clone()
	}
	return out
}

// Interval is a half-open busy interval [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// User is an entry of the user directory.
type User struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// RoomVersion is a server-reported version counter for one room.
type RoomVersion struct {
	RoomID  string `json:"room_id"`
	Version int64  `json:"version"`
}
