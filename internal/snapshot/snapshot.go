// Package snapshot keeps the last authoritative timeline of every room in
// SQLite so a restarted daemon only refreshes rooms that changed meanwhile.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"roombook/internal/model"
)

// TimeFormat is fixed width so text ordering matches time ordering.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// ErrInvalidRoom is returned for a save without a room id.
var ErrInvalidRoom = errors.New("invalid room id")

// Room is one stored timeline.
type Room struct {
	RoomID  string
	Version int64
	SavedAt time.Time
	Events  []model.Event
}

// Store wraps the snapshot database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path in WAL mode and migrates it.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", url.PathEscape(path))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS rooms (
		room_id  TEXT PRIMARY KEY,
		version  INTEGER NOT NULL,
		saved_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		room_id     TEXT NOT NULL,
		position    INTEGER NOT NULL,
		id          TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT NOT NULL,
		start_at    TEXT NOT NULL,
		end_at      TEXT,
		attendees   TEXT NOT NULL,
		organizer   TEXT NOT NULL,
		is_linked   INTEGER NOT NULL,
		PRIMARY KEY (room_id, position)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// SaveRoom replaces the stored timeline of roomID. A save carrying an older
// version than the stored one is ignored, so a slow writer cannot roll the
// snapshot back.
func (s *Store) SaveRoom(ctx context.Context, roomID string, version int64, events []model.Event) error {
	if roomID == "" {
		return ErrInvalidRoom
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (room_id, version, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET version = excluded.version, saved_at = excluded.saved_at
		WHERE excluded.version >= rooms.version`,
		roomID, version, s.now().UTC().Format(TimeFormat))
	if err != nil {
		return fmt.Errorf("upsert room %s: %w", roomID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("clear room %s: %w", roomID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (room_id, position, id, title, description, start_at, end_at, attendees, organizer, is_linked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, ev := range events {
		attendees, err := json.Marshal(nonNil(ev.Attendees))
		if err != nil {
			return fmt.Errorf("encode attendees of %s: %w", ev.ID, err)
		}
		var end sql.NullString
		if !ev.End.IsZero() {
			end = sql.NullString{String: ev.End.UTC().Format(TimeFormat), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			roomID, i, ev.ID, ev.Title, ev.Description,
			ev.Start.UTC().Format(TimeFormat), end,
			string(attendees), ev.Organizer, boolInt(ev.IsLinked),
		); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadAll returns every stored room, ordered by room id, each with its
// events in stored order.
func (s *Store) LoadAll(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT room_id, version, saved_at FROM rooms ORDER BY room_id`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	var out []Room
	for rows.Next() {
		var (
			r       Room
			savedAt string
		)
		if err := rows.Scan(&r.RoomID, &r.Version, &savedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan room: %w", err)
		}
		if r.SavedAt, err = time.Parse(TimeFormat, savedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("room %s saved_at: %w", r.RoomID, err)
		}
		out = append(out, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Events, err = s.roomEvents(ctx, out[i].RoomID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) roomEvents(ctx context.Context, roomID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, start_at, end_at, attendees, organizer, is_linked
		FROM events WHERE room_id = ? ORDER BY position`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query events of %s: %w", roomID, err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var (
			ev        = model.Event{RoomID: roomID}
			start     string
			end       sql.NullString
			attendees string
			linked    int64
		)
		if err := rows.Scan(&ev.ID, &ev.Title, &ev.Description, &start, &end, &attendees, &ev.Organizer, &linked); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.Start, err = time.Parse(TimeFormat, start); err != nil {
			return nil, fmt.Errorf("event %s start: %w", ev.ID, err)
		}
		if end.Valid {
			if ev.End, err = time.Parse(TimeFormat, end.String); err != nil {
				return nil, fmt.Errorf("event %s end: %w", ev.ID, err)
			}
		}
		ev.IsLinked = linked != 0
		if err := json.Unmarshal([]byte(attendees), &ev.Attendees); err != nil {
			return nil, fmt.Errorf("event %s attendees: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
