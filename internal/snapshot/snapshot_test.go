package snapshot

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"roombook/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "snapshot.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestSaveAndLoad(t *testing.T) {
	st := openTestStore(t)
	st.now = func() time.Time { return t0 }
	ctx := context.Background()

	events := []model.Event{
		{ID: "b", RoomID: "R", Title: "Later", Start: t0.Add(2 * time.Hour), End: t0.Add(3 * time.Hour), Attendees: []string{"a@x.com", "b@x.com"}, Organizer: "o@x.com"},
		{ID: "a", RoomID: "R", Title: "Open ended", Description: "no end", Start: t0},
		{ID: "linked:u:20260302T120000Z", RoomID: "R", Title: "Mirrored", Start: t0, End: t0.Add(time.Hour), IsLinked: true},
	}
	if err := st.SaveRoom(ctx, "R", 7, events); err != nil {
		t.Fatalf("SaveRoom: %v", err)
	}
	if err := st.SaveRoom(ctx, "EMPTY", 1, nil); err != nil {
		t.Fatalf("SaveRoom(EMPTY): %v", err)
	}

	rooms, err := st.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(rooms) != 2 || rooms[0].RoomID != "EMPTY" || rooms[1].RoomID != "R" {
		t.Fatalf("rooms = %+v", rooms)
	}
	if len(rooms[0].Events) != 0 || rooms[0].Events == nil {
		t.Errorf("EMPTY events = %#v, want empty slice", rooms[0].Events)
	}

	r := rooms[1]
	if r.Version != 7 || !r.SavedAt.Equal(t0) {
		t.Errorf("version/saved_at = %d %v", r.Version, r.SavedAt)
	}
	want := []model.Event{
		events[0],
		{ID: "a", RoomID: "R", Title: "Open ended", Description: "no end", Start: t0, Attendees: []string{}},
		{ID: "linked:u:20260302T120000Z", RoomID: "R", Title: "Mirrored", Start: t0, End: t0.Add(time.Hour), Attendees: []string{}, IsLinked: true},
	}
	if !reflect.DeepEqual(r.Events, want) {
		t.Errorf("events:\n got %+v\nwant %+v", r.Events, want)
	}
}

func TestSaveRoom_ReplacesAndIgnoresOlderVersion(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first := []model.Event{{ID: "1", Start: t0, End: t0.Add(time.Hour)}, {ID: "2", Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour)}}
	if err := st.SaveRoom(ctx, "R", 3, first); err != nil {
		t.Fatal(err)
	}
	second := []model.Event{{ID: "3", Start: t0, End: t0.Add(time.Hour)}}
	if err := st.SaveRoom(ctx, "R", 5, second); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveRoom(ctx, "R", 4, first); err != nil {
		t.Fatal(err)
	}

	rooms, err := st.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || rooms[0].Version != 5 {
		t.Fatalf("rooms = %+v", rooms)
	}
	if got := rooms[0].Events; len(got) != 1 || got[0].ID != "3" {
		t.Errorf("events = %+v, want only 3", got)
	}

	// Same version replaces: a refresh after a local commit keeps the version.
	if err := st.SaveRoom(ctx, "R", 5, first); err != nil {
		t.Fatal(err)
	}
	rooms, _ = st.LoadAll(ctx)
	if len(rooms[0].Events) != 2 {
		t.Errorf("same-version save ignored: %+v", rooms[0].Events)
	}
}

func TestSaveRoom_EmptyID(t *testing.T) {
	st := openTestStore(t)
	if err := st.SaveRoom(context.Background(), "", 1, nil); err != ErrInvalidRoom {
		t.Errorf("err = %v, want ErrInvalidRoom", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.sqlite")
	st, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveRoom(context.Background(), "R", 2, []model.Event{{ID: "1", Start: t0}}); err != nil {
		t.Fatal(err)
	}
	st.Close()

	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	rooms, err := st.LoadAll(context.Background())
	if err != nil || len(rooms) != 1 || rooms[0].Version != 2 || len(rooms[0].Events) != 1 {
		t.Errorf("after reopen = %+v, %v", rooms, err)
	}

	var mode string
	if err := st.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil || mode != "wal" {
		t.Errorf("journal_mode = %q, %v", mode, err)
	}
}
