package poller

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"roombook/internal/model"
)

type fakeSource struct {
	rooms       []model.RoomVersion
	userVersion int64
	users       []model.User
	err         error
	usersCalls  int
}

func (f *fakeSource) RoomVersions(context.Context) ([]model.RoomVersion, error) {
	return f.rooms, f.err
}

func (f *fakeSource) UserVersion(context.Context) (int64, error) {
	return f.userVersion, f.err
}

func (f *fakeSource) Users(context.Context) ([]model.User, error) {
	f.usersCalls++
	return f.users, nil
}

type fakeSession struct {
	known      map[string]int64
	users      int64
	failRoom   string
	resynced   []model.RoomVersion
	replaced   []model.User
	replacedAt int64
}

func newFakeSession() *fakeSession {
	return &fakeSession{known: make(map[string]int64)}
}

func (f *fakeSession) StaleRooms(_ context.Context, updates []model.RoomVersion) ([]model.RoomVersion, error) {
	var out []model.RoomVersion
	for _, u := range updates {
		if u.Version > f.known[u.RoomID] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeSession) ResyncRoomAt(_ context.Context, roomID string, version int64) error {
	if roomID == f.failRoom {
		return errors.New("room_data: 503")
	}
	f.resynced = append(f.resynced, model.RoomVersion{RoomID: roomID, Version: version})
	f.known[roomID] = version
	return nil
}

func (f *fakeSession) UsersStale(_ context.Context, version int64) (bool, error) {
	return version > f.users, nil
}

func (f *fakeSession) ReplaceUsers(_ context.Context, version int64, users []model.User) error {
	f.users = version
	f.replacedAt = version
	f.replaced = users
	return nil
}

func newTestPoller(t *testing.T, src Source, sess Session) *Poller {
	t.Helper()
	p, err := New(src, sess, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestPollRooms_RefreshesOnlyAdvancedRooms(t *testing.T) {
	src := &fakeSource{rooms: []model.RoomVersion{
		{RoomID: "A", Version: 3},
		{RoomID: "B", Version: 1},
		{RoomID: "C", Version: 2},
	}}
	sess := newFakeSession()
	sess.known["B"] = 1
	p := newTestPoller(t, src, sess)

	if err := p.PollRooms(context.Background()); err != nil {
		t.Fatalf("PollRooms: %v", err)
	}
	want := []model.RoomVersion{{RoomID: "A", Version: 3}, {RoomID: "C", Version: 2}}
	if !reflect.DeepEqual(sess.resynced, want) {
		t.Errorf("resynced = %v, want %v", sess.resynced, want)
	}

	sess.resynced = nil
	if err := p.PollRooms(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sess.resynced) != 0 {
		t.Errorf("second poll resynced %v, want nothing", sess.resynced)
	}
}

func TestPollRooms_FailedRoomRetriedNextTick(t *testing.T) {
	src := &fakeSource{rooms: []model.RoomVersion{{RoomID: "A", Version: 2}, {RoomID: "B", Version: 2}}}
	sess := newFakeSession()
	sess.failRoom = "A"
	p := newTestPoller(t, src, sess)

	if err := p.PollRooms(context.Background()); err == nil {
		t.Fatal("expected error for failed room")
	}
	if !reflect.DeepEqual(sess.resynced, []model.RoomVersion{{RoomID: "B", Version: 2}}) {
		t.Errorf("resynced = %v", sess.resynced)
	}

	sess.failRoom = ""
	sess.resynced = nil
	if err := p.PollRooms(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(sess.resynced, []model.RoomVersion{{RoomID: "A", Version: 2}}) {
		t.Errorf("retry resynced = %v", sess.resynced)
	}
}

func TestPollRooms_SourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("network down")}
	p := newTestPoller(t, src, newFakeSession())
	if err := p.PollRooms(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestPollUsers(t *testing.T) {
	src := &fakeSource{userVersion: 4, users: []model.User{{Email: "a@x.com"}}}
	sess := newFakeSession()
	p := newTestPoller(t, src, sess)

	if err := p.PollUsers(context.Background()); err != nil {
		t.Fatalf("PollUsers: %v", err)
	}
	if sess.replacedAt != 4 || len(sess.replaced) != 1 {
		t.Errorf("replaced = %v at %d", sess.replaced, sess.replacedAt)
	}

	if err := p.PollUsers(context.Background()); err != nil {
		t.Fatal(err)
	}
	if src.usersCalls != 1 {
		t.Errorf("directory fetched %d times, want 1", src.usersCalls)
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	if _, err := New(&fakeSource{}, newFakeSession(), Config{RoomSpec: "every now and then"}); err == nil {
		t.Error("expected schedule error")
	}
}

func TestStartStop(t *testing.T) {
	p := newTestPoller(t, &fakeSource{}, newFakeSession())
	p.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
