package booking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"roombook/internal/model"
	"roombook/internal/remote"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeRemote serves room lists from memory. Hooks, when set, replace the
// default behaviour of a call.
type fakeRemote struct {
	mu sync.Mutex

	rooms    map[string][]model.Event
	busy     map[string][]model.Interval
	nextID   int
	requests []remote.EventRequest

	roomCalls     map[string]int
	freeBusyCalls [][]string

	createHook func(ctx context.Context, req remote.EventRequest) (string, error)
	updateHook func(ctx context.Context, req remote.EventRequest) error
	deleteHook func(ctx context.Context, req remote.EventRequest) error
	roomErr    error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rooms:     make(map[string][]model.Event),
		busy:      make(map[string][]model.Interval),
		roomCalls: make(map[string]int),
	}
}

func (f *fakeRemote) setRoom(roomID string, events ...model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[roomID] = events
}

func (f *fakeRemote) RoomEvents(_ context.Context, roomID string) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomCalls[roomID]++
	if f.roomErr != nil {
		return nil, f.roomErr
	}
	return model.CloneEvents(f.rooms[roomID]), nil
}

func (f *fakeRemote) CreateEvent(ctx context.Context, req remote.EventRequest) (string, error) {
	f.mu.Lock()
	hook := f.createHook
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	f.rooms[req.CalendarID] = append(f.rooms[req.CalendarID], model.Event{
		ID: id, Title: req.Title, Start: req.Start, End: req.End,
		Attendees: req.Participants, Description: req.Description,
	})
	return id, nil
}

func (f *fakeRemote) UpdateEvent(ctx context.Context, req remote.EventRequest) error {
	f.mu.Lock()
	hook := f.updateHook
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ev := range f.rooms[req.CalendarID] {
		if ev.ID == req.EventID {
			ev.Title, ev.Start, ev.End, ev.Attendees = req.Title, req.Start, req.End, req.Participants
			f.rooms[req.CalendarID][i] = ev
		}
	}
	return nil
}

func (f *fakeRemote) DeleteEvent(ctx context.Context, req remote.EventRequest) error {
	f.mu.Lock()
	hook := f.deleteHook
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []model.Event
	for _, ev := range f.rooms[req.CalendarID] {
		if ev.ID != req.EventID {
			kept = append(kept, ev)
		}
	}
	f.rooms[req.CalendarID] = kept
	return nil
}

func (f *fakeRemote) FreeBusy(_ context.Context, _, _ time.Time, attendees []string) (map[string][]model.Interval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeBusyCalls = append(f.freeBusyCalls, append([]string(nil), attendees...))
	out := make(map[string][]model.Interval, len(attendees))
	for _, a := range attendees {
		out[a] = append([]model.Interval{}, f.busy[a]...)
	}
	return out, nil
}

func (f *fakeRemote) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeRemote) freeBusyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.freeBusyCalls)
}

func (f *fakeRemote) roomCallCount(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roomCalls[roomID]
}

func transportErr(op string, status int) error {
	return &remote.TransportError{Op: op, Status: status, Err: fmt.Errorf("server said no")}
}

// startSession runs a session until the test ends. The clock starts at t0.
func startSession(t *testing.T, r Remote, opts ...Option) (*Session, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: t0}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	s := New(r, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, clk
}

func ev(id string, start, end time.Time) model.Event {
	return model.Event{ID: id, Title: id, Start: start, End: end, Attendees: []string{}}
}

func mustEvents(t *testing.T, s *Session, roomID string) []model.Event {
	t.Helper()
	events, err := s.GetEvents(context.Background(), roomID)
	if err != nil {
		t.Fatalf("GetEvents(%s): %v", roomID, err)
	}
	return events
}

func ids(events []model.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
