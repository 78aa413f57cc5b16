package ics

import (
	"cmp"
	"errors"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	appLog "roombook/internal/log"
	"roombook/internal/model"
)

// LinkedIDPrefix starts the ID of every mirrored event.
const LinkedIDPrefix = "linked:"

const defaultMaxInstances = 2000

// window is the half-open range instances are expanded over.
type window struct {
	start, end   time.Time
	maxInstances int
}

// expand turns parsed VEVENTs into read-only room events within w. It
// applies RRULE, EXDATE and RECURRENCE-ID overrides.
func expand(roomID string, events []vevent, w window) ([]model.Event, error) {
	if !w.start.Before(w.end) {
		return nil, errors.New("expand: empty window")
	}
	if w.maxInstances <= 0 {
		w.maxInstances = defaultMaxInstances
	}

	var bases []vevent
	overrides := make(map[string][]vevent)
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}

	out := make([]model.Event, 0, len(bases))
	for _, base := range bases {
		if base.RRule == "" {
			if inWindow(base.Start, base.End, w) {
				out = append(out, linkedEvent(roomID, base, base.Start, base.Start, base.End))
			}
			continue
		}
		out = append(out, expandRecurring(roomID, base, overrides[base.UID], w)...)
	}

	slices.SortStableFunc(out, func(a, b model.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func expandRecurring(roomID string, base vevent, overrides []vevent, w window) []model.Event {
	rule, err := rrule.StrToRRule(base.RRule)
	if err != nil {
		appLog.Warn("feed event has an unreadable RRULE", "uid", base.UID, "rrule", base.RRule, "err", err)
		return nil
	}
	rule.DTStart(base.Start)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range base.ExDates {
		set.ExDate(ex.In(base.Start.Location()))
	}

	dur := base.End.Sub(base.Start)
	// Instances starting before the window may still reach into it.
	from := w.start.Add(-dur).In(base.Start.Location())
	starts := set.Between(from, w.end.In(base.Start.Location()), true)
	if len(starts) > w.maxInstances {
		appLog.Warn("feed event truncated", "uid", base.UID, "instances", len(starts), "cap", w.maxInstances)
		starts = starts[:w.maxInstances]
	}

	var out []model.Event
	for _, s := range starts {
		src, start, end := base, s, s.Add(dur)
		if o, ok := findOverride(overrides, s); ok {
			src, start, end = o, o.Start, o.End
		}
		if inWindow(start, end, w) {
			out = append(out, linkedEvent(roomID, src, s, start, end))
		}
	}
	return out
}

func findOverride(overrides []vevent, instance time.Time) (vevent, bool) {
	for _, o := range overrides {
		if o.RecurrenceID.Equal(instance) {
			return o, true
		}
	}
	return vevent{}, false
}

// inWindow uses the same half-open rule as the conflict check. Zero-length
// events count when they start inside the window.
func inWindow(start, end time.Time, w window) bool {
	if !end.After(start) {
		return !start.Before(w.start) && start.Before(w.end)
	}
	return start.Before(w.end) && end.After(w.start)
}

// linkedEvent builds the mirrored event. instance is the unmodified
// recurrence start, which keeps IDs stable when an override moves it.
func linkedEvent(roomID string, src vevent, instance, start, end time.Time) model.Event {
	attendees := slices.Clone(src.Attendees)
	if attendees == nil {
		attendees = []string{}
	}
	return model.Event{
		ID:          LinkedIDPrefix + src.UID + ":" + instance.UTC().Format("20060102T150405Z"),
		RoomID:      roomID,
		Title:       src.Summary,
		Description: src.Description,
		Start:       start.UTC(),
		End:         end.UTC(),
		Attendees:   attendees,
		Organizer:   src.Organizer,
		IsLinked:    true,
	}
}
