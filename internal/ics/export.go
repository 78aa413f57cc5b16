package ics

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"roombook/internal/model"
)

// Export renders a room timeline as an iCalendar document. Provisional
// events are skipped.
func Export(room model.Room, events []model.Event, stamp time.Time) string {
	cal := ical.NewCalendarFor("roombook")
	cal.SetMethod(ical.MethodPublish)
	name := room.DisplayName
	if name == "" {
		name = room.ID
	}
	cal.SetName(name)

	for _, ev := range events {
		if ev.Provisional() {
			continue
		}
		vev := cal.AddEvent(exportUID(room.ID, ev.ID))
		vev.SetDtStampTime(stamp.UTC())
		vev.SetStartAt(ev.Start.UTC())
		vev.SetEndAt(ev.EffectiveEnd().UTC())
		vev.SetSummary(ev.Title)
		if ev.Description != "" {
			vev.SetDescription(ev.Description)
		}
		vev.SetLocation(name)
		if ev.Organizer != "" {
			vev.SetOrganizer(ev.Organizer)
		}
		for _, a := range ev.Attendees {
			vev.AddAttendee(a)
		}
	}
	return cal.Serialize()
}

func exportUID(roomID, eventID string) string {
	if strings.HasPrefix(eventID, LinkedIDPrefix) {
		// linked:<uid>:<instance> keeps the source UID recognizable.
		return strings.TrimPrefix(eventID, LinkedIDPrefix) + "@" + roomID
	}
	return eventID + "@" + roomID + ".roombook"
}
