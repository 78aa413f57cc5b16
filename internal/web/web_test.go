package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"roombook/internal/booking"
	"roombook/internal/config"
	"roombook/internal/model"
	"roombook/internal/remote"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeEngine struct {
	rooms  []model.Room
	events map[string][]model.Event
	err    error

	lastInput   booking.EventInput
	lastMove    [2]time.Time
	lastDelete  string
	lastBusy    []string
	resynced    []string
	reauthed    bool
	reauthState bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		rooms: []model.Room{{ID: "R", DisplayName: "Board room"}, {ID: "R2", DisplayName: "Annex"}},
		events: map[string][]model.Event{
			"R": {{ID: "e1", RoomID: "R", Title: "Review", Start: t0, End: t0.Add(time.Hour)}},
		},
	}
}

func (f *fakeEngine) Rooms() []model.Room { return f.rooms }
func (f *fakeEngine) User() string        { return "me@x.com" }

func (f *fakeEngine) Users(context.Context) ([]model.User, error) {
	return []model.User{{Email: "a@x.com", Name: "A"}}, f.err
}

func (f *fakeEngine) GetEvents(_ context.Context, roomID string) ([]model.Event, error) {
	return f.events[roomID], f.err
}

func (f *fakeEngine) Overlaps(_ context.Context, roomID string, start, end time.Time, excludeID string) (bool, error) {
	for _, ev := range f.events[roomID] {
		if ev.ID != excludeID && start.Before(ev.End) && ev.Start.Before(end) {
			return true, nil
		}
	}
	return false, f.err
}

func (f *fakeEngine) ResyncRoom(_ context.Context, roomID string) error {
	f.resynced = append(f.resynced, roomID)
	return f.err
}

func (f *fakeEngine) CreateOrUpdateEvent(_ context.Context, in booking.EventInput) (model.Event, error) {
	f.lastInput = in
	if f.err != nil {
		return model.Event{}, f.err
	}
	id := in.EventID
	if id == "" {
		id = "srv-1"
	}
	return model.Event{ID: id, RoomID: in.RoomID, Title: in.Title, Start: in.Start, End: in.End}, nil
}

func (f *fakeEngine) MoveEvent(_ context.Context, roomID, eventID string, start, end time.Time) (model.Event, error) {
	f.lastMove = [2]time.Time{start, end}
	return model.Event{ID: eventID, RoomID: roomID, Start: start, End: end}, f.err
}

func (f *fakeEngine) DeleteEvent(_ context.Context, _, eventID string) error {
	f.lastDelete = eventID
	return f.err
}

func (f *fakeEngine) GetFreeBusy(_ context.Context, participants []string, start, end time.Time) (map[string][]model.Interval, error) {
	f.lastBusy = participants
	out := make(map[string][]model.Interval)
	for _, p := range participants {
		out[p] = []model.Interval{{Start: start, End: start.Add(time.Hour)}}
	}
	return out, f.err
}

func (f *fakeEngine) Reauthenticated(context.Context) error {
	f.reauthed = true
	return f.err
}

func (f *fakeEngine) ReauthRequired(context.Context) (bool, error) { return f.reauthState, nil }

func (f *fakeEngine) Pending(context.Context) ([]booking.PendingMutation, error) {
	return []booking.PendingMutation{{ID: "m1"}}, nil
}

func newTestServer(t *testing.T, f *fakeEngine, cfg *config.Config) http.Handler {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := NewServer(f, cfg)
	s.now = func() time.Time { return t0 }
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t, newFakeEngine(), nil), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRoomEvents(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil)

	rec := do(t, h, http.MethodGet, "/api/rooms/R/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Events []model.Event `json:"events"`
	}
	decode(t, rec, &body)
	if len(body.Events) != 1 || body.Events[0].ID != "e1" {
		t.Errorf("events = %+v", body.Events)
	}

	rec = do(t, h, http.MethodGet, "/api/rooms/R2/events", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"events":[]`) {
		t.Errorf("empty room = %d %s", rec.Code, rec.Body)
	}

	if rec := do(t, h, http.MethodGet, "/api/rooms/NOPE/events", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown room status = %d", rec.Code)
	}
}

func TestCalendarExport(t *testing.T) {
	rec := do(t, newTestServer(t, newFakeEngine(), nil), http.MethodGet, "/api/rooms/R/calendar.ics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "UID:e1@R.roombook") {
		t.Errorf("body:\n%s", rec.Body)
	}
}

func TestOverlaps(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil)

	rec := do(t, h, http.MethodGet, "/api/rooms/R/overlaps?start=2026-03-02T10:30:00Z&end=2026-03-02T10:45:00Z", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"overlaps":true`) {
		t.Errorf("overlap = %d %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodGet, "/api/rooms/R/overlaps?start=2026-03-02T11:00:00Z&end=2026-03-02T12:00:00Z", "")
	if !strings.Contains(rec.Body.String(), `"overlaps":false`) {
		t.Errorf("touching = %s", rec.Body)
	}
	rec = do(t, h, http.MethodGet, "/api/rooms/R/overlaps?start=yesterday&end=2026-03-02T12:00:00Z", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad start status = %d", rec.Code)
	}
}

func TestSaveEvent(t *testing.T) {
	f := newFakeEngine()
	h := newTestServer(t, f, nil)

	rec := do(t, h, http.MethodPost, "/api/events",
		`{"room_id":"R","title":"Planning","start":"2026-03-02T11:00:00Z","end":"2026-03-02T12:00:00Z","attendees":["a@x.com"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	if f.lastInput.RoomID != "R" || !f.lastInput.Start.Equal(t0.Add(time.Hour)) || len(f.lastInput.Attendees) != 1 {
		t.Errorf("input = %+v", f.lastInput)
	}

	rec = do(t, h, http.MethodPost, "/api/events", `{"room_id":"R","event_id":"e1","title":"x","start":"2026-03-02T11:00:00Z","end":"2026-03-02T12:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("update status = %d", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/api/events", `{"room_id":`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/events", `{"room":"R"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d", rec.Code)
	}
}

func TestMoveAndDelete(t *testing.T) {
	f := newFakeEngine()
	h := newTestServer(t, f, nil)

	rec := do(t, h, http.MethodPatch, "/api/rooms/R/events/e1", `{"start":"2026-03-02T14:00:00Z","end":"2026-03-02T15:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("move status = %d: %s", rec.Code, rec.Body)
	}
	if !f.lastMove[0].Equal(t0.Add(4 * time.Hour)) {
		t.Errorf("move = %v", f.lastMove)
	}

	rec = do(t, h, http.MethodDelete, "/api/rooms/R/events/e1", "")
	if rec.Code != http.StatusNoContent || f.lastDelete != "e1" {
		t.Errorf("delete = %d, %q", rec.Code, f.lastDelete)
	}
}

func TestFreeBusy(t *testing.T) {
	f := newFakeEngine()
	h := newTestServer(t, f, nil)

	rec := do(t, h, http.MethodGet, "/api/freebusy?participants=alice@x.com,%20R&start=2026-03-02T08:00:00Z&end=2026-03-02T18:00:00Z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		FreeBusy map[string][]model.Interval `json:"freebusy"`
	}
	decode(t, rec, &body)
	if len(body.FreeBusy) != 2 || body.FreeBusy["R"] == nil || body.FreeBusy["alice@x.com"] == nil {
		t.Errorf("freebusy = %+v", body.FreeBusy)
	}
	if len(f.lastBusy) != 2 || f.lastBusy[1] != "R" {
		t.Errorf("participants = %q", f.lastBusy)
	}

	if rec := do(t, h, http.MethodGet, "/api/freebusy?start=2026-03-02T08:00:00Z&end=2026-03-02T18:00:00Z", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing participants status = %d", rec.Code)
	}
}

func TestEngineErrorMapping(t *testing.T) {
	conflict := model.Event{ID: "e1", RoomID: "R"}
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"conflict", &booking.ValidationError{Reason: booking.ErrConflict, Conflict: &conflict}, http.StatusConflict, `"conflict":{"id":"e1"`},
		{"in past", &booking.ValidationError{Reason: booking.ErrInPast}, http.StatusUnprocessableEntity, `"reason":"cannot book in the past"`},
		{"unknown room", &booking.ValidationError{Reason: booking.ErrNoRoom, Detail: "room alice@x.com"}, http.StatusUnprocessableEntity, `"reason":"unknown room"`},
		{"reauth", errors.Join(errors.New("create event"), remote.ErrAuthExpired), http.StatusUnauthorized, `"reauth_url":"https://login.example.com"`},
		{"transport", &remote.TransportError{Op: "create_event", Status: 500, Err: errors.New("boom")}, http.StatusBadGateway, `create_event`},
		{"closed", booking.ErrClosed, http.StatusServiceUnavailable, `closed`},
		{"other", errors.New("weird"), http.StatusInternalServerError, `weird`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeEngine()
			f.err = tt.err
			cfg := config.DefaultConfig()
			cfg.ReauthURL = "https://login.example.com"
			h := newTestServer(t, f, cfg)

			rec := do(t, h, http.MethodPost, "/api/events", `{"room_id":"R","title":"x","start":"2026-03-02T11:00:00Z","end":"2026-03-02T12:00:00Z"}`)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %s missing %s", rec.Body, tt.wantBody)
			}
			if tt.wantStatus == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), `"reauth":true`) {
				t.Errorf("reauth flag missing: %s", rec.Body)
			}
		})
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFakeEngine()
	f.reauthState = true
	h := newTestServer(t, f, nil)

	rec := do(t, h, http.MethodGet, "/api/session", "")
	var body sessionResponse
	decode(t, rec, &body)
	if body.User != "me@x.com" || !body.ReauthRequired || body.Pending != 1 {
		t.Errorf("session = %+v", body)
	}

	rec = do(t, h, http.MethodPost, "/api/session/reauthenticated", "")
	if rec.Code != http.StatusNoContent || !f.reauthed {
		t.Errorf("reauthenticated = %d, %v", rec.Code, f.reauthed)
	}
}

func TestResync(t *testing.T) {
	f := newFakeEngine()
	rec := do(t, newTestServer(t, f, nil), http.MethodPost, "/api/rooms/R/resync", "")
	if rec.Code != http.StatusOK || len(f.resynced) != 1 || f.resynced[0] != "R" {
		t.Errorf("resync = %d, %v", rec.Code, f.resynced)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	h := newTestServer(t, newFakeEngine(), cfg)

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("/health without auth = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/rooms", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("/api/rooms without auth = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Board room") {
		t.Errorf("/api/rooms with auth = %d %s", rec.Code, rec.Body)
	}
}
