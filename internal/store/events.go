// Package store holds the in-memory state the booking engine keeps per
// session: the per-room event cache, the version map and the user
// directory.
//
// None of the types here are safe for concurrent use. They are owned by a
// single goroutine (the session loop in internal/booking), which is what
// makes every mutation atomic with respect to readers.
package store

import (
	"slices"

	"roombook/internal/model"
)

type room struct {
	events     []model.Event
	generation uint64
}

// Events maps a room ID to its ordered event sequence. Order is whatever
// the server returned; the store never re-sorts.
type Events struct {
	rooms map[string]*room
}

// NewEvents returns an empty event store.
func NewEvents() *Events {
	return &Events{rooms: make(map[string]*room)}
}

// Events returns a copy of the room's events, or an empty slice if the room
// was never loaded.
func (s *Events) Events(roomID string) []model.Event {
	r, ok := s.rooms[roomID]
	if !ok {
		return []model.Event{}
	}
	return model.CloneEvents(r.events)
}

// Loaded reports whether the room has ever been loaded.
func (s *Events) Loaded(roomID string) bool {
	_, ok := s.rooms[roomID]
	return ok
}

// Generation returns the number of whole-room replacements the room has seen.
func (s *Events) Generation(roomID string) uint64 {
	if r, ok := s.rooms[roomID]; ok {
		return r.generation
	}
	return 0
}

// ReplaceRoom overwrites the room's sequence with an authoritative list and
// bumps its generation.
func (s *Events) ReplaceRoom(roomID string, events []model.Event) {
	r := s.room(roomID)
	r.events = model.CloneEvents(events)
	for i := range r.events {
		r.events[i].RoomID = roomID
	}
	r.generation++
}

// Find returns the event with the given ID and its index in the room.
func (s *Events) Find(roomID, eventID string) (model.Event, int, bool) {
	r, ok := s.rooms[roomID]
	if !ok {
		return model.Event{}, -1, false
	}
	for i, ev := range r.events {
		if ev.ID == eventID {
			return ev.Clone(), i, true
		}
	}
	return model.Event{}, -1, false
}

// ApplyLocalInsert appends ev to the room.
func (s *Events) ApplyLocalInsert(roomID string, ev model.Event) {
	r := s.room(roomID)
	ev = ev.Clone()
	ev.RoomID = roomID
	r.events = append(r.events, ev)
}

// ApplyLocalInsertAt inserts ev at idx, clamped to the sequence bounds.
func (s *Events) ApplyLocalInsertAt(roomID string, idx int, ev model.Event) {
	r := s.room(roomID)
	ev = ev.Clone()
	ev.RoomID = roomID
	idx = max(0, min(idx, len(r.events)))
	r.events = slices.Insert(r.events, idx, ev)
}

// ApplyLocalUpdate replaces the event with the same ID in place. It reports
// false if no such event exists.
func (s *Events) ApplyLocalUpdate(roomID string, ev model.Event) bool {
	r, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	for i := range r.events {
		if r.events[i].ID == ev.ID {
			ev = ev.Clone()
			ev.RoomID = roomID
			r.events[i] = ev
			return true
		}
	}
	return false
}

// ApplyLocalRemove deletes the event and returns it with its former index.
func (s *Events) ApplyLocalRemove(roomID, eventID string) (model.Event, int, bool) {
	r, ok := s.rooms[roomID]
	if !ok {
		return model.Event{}, -1, false
	}
	for i, ev := range r.events {
		if ev.ID == eventID {
			r.events = slices.Delete(r.events, i, i+1)
			return ev, i, true
		}
	}
	return model.Event{}, -1, false
}

func (s *Events) room(roomID string) *room {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{events: []model.Event{}}
		s.rooms[roomID] = r
	}
	return r
}
