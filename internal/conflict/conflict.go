// Package conflict implements the interval-overlap check used before any
// booking is sent to the remote calendar.
package conflict

import (
	"time"

	"roombook/internal/model"
)

// Overlaps reports whether [start, end) collides with any event in events
// other than the one with ID excludeID.
//
// Intervals are half-open: an event ending exactly at start, or starting
// exactly at end, does not conflict. An event without an end is a
// zero-length instant at its start.
//
// Callers pass a single room's events; cross-room bookings never conflict.
func Overlaps(events []model.Event, start, end time.Time, excludeID string) bool {
	_, ok := FirstConflict(events, start, end, excludeID)
	return ok
}

// FirstConflict is Overlaps that also returns the first colliding event in
// room order.
func FirstConflict(events []model.Event, start, end time.Time, excludeID string) (model.Event, bool) {
	for _, ev := range events {
		if excludeID != "" && ev.ID == excludeID {
			continue
		}
		if ev.Start.Before(end) && ev.EffectiveEnd().After(start) {
			return ev, true
		}
	}
	return model.Event{}, false
}

// Clip returns the part of ev that falls within [rangeStart, rangeEnd), and
// false if the event does not overlap the range or the clipped part is
// empty.
func Clip(ev model.Event, rangeStart, rangeEnd time.Time) (model.Interval, bool) {
	end := ev.EffectiveEnd()
	if !ev.Start.Before(rangeEnd) || !end.After(rangeStart) {
		return model.Interval{}, false
	}
	iv := model.Interval{Start: ev.Start, End: end}
	if iv.Start.Before(rangeStart) {
		iv.Start = rangeStart
	}
	if iv.End.After(rangeEnd) {
		iv.End = rangeEnd
	}
	if !iv.Start.Before(iv.End) {
		return model.Interval{}, false
	}
	return iv, true
}
