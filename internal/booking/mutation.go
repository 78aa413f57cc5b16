package booking

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"roombook/internal/conflict"
	appLog "roombook/internal/log"
	"roombook/internal/model"
	"roombook/internal/remote"
)

// Kind is the type of a mutation.
type Kind int

const (
	KindCreate Kind = iota
	KindUpdate
	KindMove
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindMove:
		return "move"
	case KindDelete:
		return "delete"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// State is the lifecycle position of a mutation. Committed and RolledBack
// are terminal.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateOptimisticallyApplied
	StateAwaitingServer
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateOptimisticallyApplied:
		return "optimistically-applied"
	case StateAwaitingServer:
		return "awaiting-server"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// PendingMutation is an optimistic change waiting for the server. It lives
// for one round trip.
type PendingMutation struct {
	ID     string
	Kind   Kind
	RoomID string

	// Before is the event as it was before the apply, nil for creates.
	Before      *model.Event
	BeforeIndex int
	// After is the event as applied, nil for deletes.
	After *model.Event

	State State
	// Generation is the room generation right after the apply. A rollback
	// only happens while the room still has it.
	Generation uint64
}

func (m PendingMutation) clone() PendingMutation {
	if m.Before != nil {
		b := m.Before.Clone()
		m.Before = &b
	}
	if m.After != nil {
		a := m.After.Clone()
		m.After = &a
	}
	return m
}

// EventInput is a create (empty EventID) or full update request.
type EventInput struct {
	RoomID      string    `json:"room_id"`
	EventID     string    `json:"event_id,omitempty"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Attendees   []string  `json:"attendees"`
	Description string    `json:"description"`
}

// CreateOrUpdateEvent creates an event when in.EventID is empty and
// replaces the event otherwise. The change is visible in the store before
// the server answers and is undone if the server rejects it.
func (s *Session) CreateOrUpdateEvent(ctx context.Context, in EventInput) (model.Event, error) {
	if in.EventID == "" {
		return s.mutate(ctx, KindCreate, in.RoomID, func(m *PendingMutation) error {
			return s.applyCreate(m, in)
		})
	}
	return s.mutate(ctx, KindUpdate, in.RoomID, func(m *PendingMutation) error {
		return s.applyUpdate(m, in.EventID, func(ev *model.Event) {
			ev.Title = in.Title
			ev.Description = in.Description
			ev.Start = in.Start
			ev.End = in.End
			ev.Attendees = cleanAttendees(in.Attendees)
		})
	})
}

// MoveEvent changes the interval of an existing event (drag or resize).
// Unlike creation, it does not reject start times in the past.
func (s *Session) MoveEvent(ctx context.Context, roomID, eventID string, start, end time.Time) (model.Event, error) {
	return s.mutate(ctx, KindMove, roomID, func(m *PendingMutation) error {
		return s.applyUpdate(m, eventID, func(ev *model.Event) {
			ev.Start = start
			ev.End = end
		})
	})
}

// DeleteEvent removes an event.
func (s *Session) DeleteEvent(ctx context.Context, roomID, eventID string) error {
	_, err := s.mutate(ctx, KindDelete, roomID, func(m *PendingMutation) error {
		ev, err := s.editable(roomID, eventID)
		if err != nil {
			return err
		}
		removed, idx, _ := s.events.ApplyLocalRemove(roomID, ev.ID)
		m.Before = &removed
		m.BeforeIndex = idx
		return nil
	})
	return err
}

// Reauthenticated clears the re-authentication state so mutations are
// accepted again.
func (s *Session) Reauthenticated(ctx context.Context) error {
	return s.do(ctx, func() {
		if s.reauthRequired {
			appLog.Info("session re-authenticated")
		}
		s.reauthRequired = false
	})
}

// ReauthRequired reports whether the session waits for re-authentication.
func (s *Session) ReauthRequired(ctx context.Context) (bool, error) {
	var flagged bool
	err := s.do(ctx, func() { flagged = s.reauthRequired })
	return flagged, err
}

// Pending returns the mutations currently waiting for the server.
func (s *Session) Pending(ctx context.Context) ([]PendingMutation, error) {
	var out []PendingMutation
	err := s.do(ctx, func() {
		out = make([]PendingMutation, 0, len(s.pending))
		for _, m := range s.pending {
			out = append(out, m.clone())
		}
	})
	slices.SortFunc(out, func(a, b PendingMutation) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, err
}

// mutate runs one mutation through its lifecycle. apply validates and
// changes the store; it runs on the loop and must leave the store untouched
// when it returns an error.
func (s *Session) mutate(ctx context.Context, kind Kind, roomID string, apply func(m *PendingMutation) error) (model.Event, error) {
	if roomID == "" {
		return model.Event{}, invalid(ErrNoRoom, "room is required")
	}
	if err := s.ensureLoaded(ctx, roomID); err != nil {
		return model.Event{}, err
	}

	m := &PendingMutation{ID: uuid.NewString(), Kind: kind, RoomID: roomID, BeforeIndex: -1}
	var applyErr error
	err := s.do(ctx, func() {
		if s.reauthRequired {
			applyErr = fmt.Errorf("%s event: %w", kind, remote.ErrAuthExpired)
			return
		}
		// Unknown ids are participants, not rooms. Touching the store here
		// would make them look loaded to GetFreeBusy.
		if !s.inCatalog(roomID) && !s.events.Loaded(roomID) {
			applyErr = invalid(ErrNoRoom, "room %s", roomID)
			return
		}
		m.State = StateValidating
		if applyErr = apply(m); applyErr != nil {
			m.State = StateIdle
			return
		}
		m.State = StateOptimisticallyApplied
		m.Generation = s.events.Generation(roomID)
		s.pending[m.ID] = m
		m.State = StateAwaitingServer
	})
	if err != nil {
		return model.Event{}, err
	}
	if applyErr != nil {
		return model.Event{}, applyErr
	}

	serverID, err := s.commit(ctx, m)

	// The outcome is applied even if the caller went away meanwhile.
	loopCtx := context.WithoutCancel(ctx)
	if err != nil {
		return model.Event{}, s.fail(loopCtx, m, err)
	}

	var result model.Event
	if derr := s.do(loopCtx, func() {
		result = s.committed(m, serverID)
	}); derr != nil {
		return model.Event{}, derr
	}
	appLog.Info("mutation committed", "kind", kind, "room", roomID, "event", result.ID)

	if err := s.ResyncRoom(loopCtx, roomID); err != nil {
		appLog.Warn("refresh after commit failed", "room", roomID, "err", err)
	}
	return result, nil
}

func (s *Session) commit(ctx context.Context, m *PendingMutation) (string, error) {
	switch m.Kind {
	case KindCreate:
		return s.remote.CreateEvent(ctx, remote.NewEventRequest(*m.After))
	case KindUpdate, KindMove:
		return "", s.remote.UpdateEvent(ctx, remote.NewEventRequest(*m.After))
	case KindDelete:
		return "", s.remote.DeleteEvent(ctx, remote.NewEventRequest(*m.Before))
	}
	return "", fmt.Errorf("unknown mutation kind %v", m.Kind)
}

// committed finishes a successful mutation on the loop and returns the
// event as the caller should see it.
func (s *Session) committed(m *PendingMutation, serverID string) model.Event {
	delete(s.pending, m.ID)
	if m.State == StateRolledBack {
		// Rolled back by a re-auth of another mutation, but the server took
		// it anyway. The refresh that follows restores it.
		appLog.Warn("mutation committed after rollback", "kind", m.Kind, "room", m.RoomID)
	}
	m.State = StateCommitted

	switch m.Kind {
	case KindDelete:
		return m.Before.Clone()
	case KindCreate:
		ev := m.After.Clone()
		if serverID == "" {
			return ev
		}
		if _, idx, ok := s.events.Find(m.RoomID, ev.ID); ok {
			s.events.ApplyLocalRemove(m.RoomID, ev.ID)
			ev.ID = serverID
			s.events.ApplyLocalInsertAt(m.RoomID, idx, ev)
		}
		ev.ID = serverID
		return ev
	}
	return m.After.Clone()
}

// fail rolls back m and shapes the error returned to the caller.
func (s *Session) fail(ctx context.Context, m *PendingMutation, cause error) error {
	if errors.Is(cause, remote.ErrAuthExpired) {
		var first bool
		if err := s.do(ctx, func() { first = s.expire(m) }); err != nil {
			return err
		}
		if first && s.onReauth != nil {
			s.onReauth()
		}
		return fmt.Errorf("%s event: %w", m.Kind, cause)
	}

	if err := s.do(ctx, func() { s.rollback(m) }); err != nil {
		return err
	}
	appLog.Error("mutation rolled back", cause, "kind", m.Kind, "room", m.RoomID)
	return fmt.Errorf("%s event: %w", m.Kind, cause)
}

// expire rolls back m and every other pending mutation and flags the
// session. It reports whether the session was not flagged before.
func (s *Session) expire(m *PendingMutation) bool {
	s.rollback(m)
	for _, other := range s.pending {
		s.rollback(other)
	}
	first := !s.reauthRequired
	s.reauthRequired = true
	appLog.Warn("organizer re-authentication required; pending mutations rolled back", "room", m.RoomID)
	return first
}

// rollback restores the before-state of m, unless the room has been
// replaced by a refresh since the apply.
func (s *Session) rollback(m *PendingMutation) {
	delete(s.pending, m.ID)
	if m.State == StateRolledBack || m.State == StateCommitted {
		return
	}
	m.State = StateRolledBack

	if s.events.Generation(m.RoomID) != m.Generation {
		appLog.Debug("rollback skipped; room was refreshed", "kind", m.Kind, "room", m.RoomID)
		return
	}
	switch m.Kind {
	case KindCreate:
		s.events.ApplyLocalRemove(m.RoomID, m.After.ID)
	case KindUpdate, KindMove:
		s.events.ApplyLocalUpdate(m.RoomID, *m.Before)
	case KindDelete:
		s.events.ApplyLocalInsertAt(m.RoomID, m.BeforeIndex, *m.Before)
	}
	// Answers computed while m was applied include its interval.
	s.freeBusy.Purge()
}

func (s *Session) applyCreate(m *PendingMutation, in EventInput) error {
	if err := checkInterval(in.Start, in.End); err != nil {
		return err
	}
	if in.Start.Before(s.now()) {
		return invalid(ErrInPast, "start %s", in.Start.Format(time.RFC3339))
	}
	if err := s.checkFree(in.RoomID, in.Start, in.End, ""); err != nil {
		return err
	}

	ev := model.Event{
		ID:          model.ProvisionalPrefix + m.ID,
		RoomID:      in.RoomID,
		Title:       in.Title,
		Description: in.Description,
		Start:       in.Start,
		End:         in.End,
		Attendees:   cleanAttendees(in.Attendees),
		Organizer:   s.user,
	}
	s.events.ApplyLocalInsert(in.RoomID, ev)
	m.After = &ev
	return nil
}

func (s *Session) applyUpdate(m *PendingMutation, eventID string, change func(*model.Event)) error {
	before, err := s.editable(m.RoomID, eventID)
	if err != nil {
		return err
	}
	after := before.Clone()
	change(&after)

	if err := checkInterval(after.Start, after.End); err != nil {
		return err
	}
	if err := s.checkFree(m.RoomID, after.Start, after.End, eventID); err != nil {
		return err
	}

	s.events.ApplyLocalUpdate(m.RoomID, after)
	m.Before = &before
	m.After = &after
	return nil
}

// editable returns the event if the session user may change it.
func (s *Session) editable(roomID, eventID string) (model.Event, error) {
	ev, _, ok := s.events.Find(roomID, eventID)
	if !ok {
		return model.Event{}, invalid(ErrNotFound, "event %s in room %s", eventID, roomID)
	}
	if ev.IsLinked {
		return model.Event{}, invalid(ErrNotEditable, "event %s is linked from another calendar", eventID)
	}
	if !ev.EditableBy(s.user) {
		return model.Event{}, invalid(ErrNotEditable, "%s is neither organizer nor attendee", s.user)
	}
	return ev, nil
}

func (s *Session) firstConflict(roomID string, start, end time.Time, excludeID string) (model.Event, bool) {
	return conflict.FirstConflict(s.events.Events(roomID), start, end, excludeID)
}

func (s *Session) checkFree(roomID string, start, end time.Time, excludeID string) error {
	hit, ok := s.firstConflict(roomID, start, end, excludeID)
	if !ok {
		return nil
	}
	return &ValidationError{
		Reason:   ErrConflict,
		Detail:   fmt.Sprintf("%q %s-%s", hit.Title, hit.Start.Format(time.RFC3339), hit.EffectiveEnd().Format(time.RFC3339)),
		Conflict: &hit,
	}
}

func checkInterval(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return invalid(ErrInvalidInterval, "start and end are required")
	}
	if !start.Before(end) {
		return invalid(ErrInvalidInterval, "start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return nil
}

func cleanAttendees(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a != "" && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}
