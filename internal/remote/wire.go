package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"roombook/internal/model"
)

// wireTime accepts the ISO-8601 shapes the calendar backend emits: full
// RFC 3339 timestamps, naive date-times (UTC) and bare dates. null and ""
// decode to the zero time.
type wireTime struct {
	time.Time
}

var wireLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func (t *wireTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range wireLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unsupported time value %q", s)
}

type eventDTO struct {
	ID          string   `json:"id"`
	RoomID      string   `json:"roomId,omitempty"`
	Title       string   `json:"title"`
	Start       wireTime `json:"start"`
	End         wireTime `json:"end"`
	Attendees   []string `json:"attendees"`
	Organizer   *string  `json:"organizer"`
	Description string   `json:"description"`
	IsLinked    bool     `json:"isLinked"`
}

func (d eventDTO) toModel(roomID string) model.Event {
	ev := model.Event{
		ID:          d.ID,
		RoomID:      roomID,
		Title:       d.Title,
		Description: d.Description,
		Start:       d.Start.Time,
		End:         d.End.Time,
		Attendees:   d.Attendees,
		IsLinked:    d.IsLinked,
	}
	if ev.Attendees == nil {
		ev.Attendees = []string{}
	}
	if d.Organizer != nil {
		ev.Organizer = *d.Organizer
	}
	return ev
}

type roomDataResponse struct {
	Events []eventDTO `json:"events"`
}

// EventRequest is the body of create_event, update_event and delete_event.
type EventRequest struct {
	CalendarID   string    `json:"calendarId"`
	EventID      string    `json:"eventId,omitempty"`
	Title        string    `json:"title"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Participants []string  `json:"participants"`
	Description  string    `json:"description"`
}

// NewEventRequest builds the request body for ev.
func NewEventRequest(ev model.Event) EventRequest {
	participants := ev.Attendees
	if participants == nil {
		participants = []string{}
	}
	return EventRequest{
		CalendarID:   ev.RoomID,
		EventID:      ev.ID,
		Title:        ev.Title,
		Start:        ev.Start.UTC(),
		End:          ev.End.UTC(),
		Participants: participants,
		Description:  ev.Description,
	}
}

type createResponse struct {
	ID    string    `json:"id"`
	Event *eventDTO `json:"event"`
}

type roomUpdatesResponse struct {
	Updates []struct {
		RoomID  string `json:"roomId"`
		Version int64  `json:"version"`
	} `json:"updates"`
}

type userUpdatesResponse struct {
	Version int64 `json:"version"`
}

type usersResponse struct {
	Users []model.User `json:"users"`
}

type freeBusyRequest struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Attendees []string  `json:"attendees"`
}

type freeBusyResponse struct {
	FreeBusy map[string][]struct {
		Start wireTime `json:"start"`
		End   wireTime `json:"end"`
	} `json:"freebusy"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
