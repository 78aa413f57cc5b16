// Package booking is the room booking engine: a per-session cache of room
// timelines kept consistent with a polled remote calendar, the optimistic
// mutation coordinator in front of it, and the free/busy aggregation that
// merges both.
//
// A Session owns all of its state and only touches it from the goroutine
// running Run. Public methods post closures to that loop and wait for them;
// network calls happen on the caller's goroutine, between two posts.
package booking

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	appLog "roombook/internal/log"
	"roombook/internal/model"
	"roombook/internal/remote"
	"roombook/internal/store"
	"roombook/internal/ttlcache"
)

// DefaultFreeBusyTTL is how long a free/busy answer is served from cache.
const DefaultFreeBusyTTL = 5 * time.Minute

// Remote is the part of the calendar backend a session talks to.
type Remote interface {
	RoomEvents(ctx context.Context, roomID string) ([]model.Event, error)
	CreateEvent(ctx context.Context, req remote.EventRequest) (string, error)
	UpdateEvent(ctx context.Context, req remote.EventRequest) error
	DeleteEvent(ctx context.Context, req remote.EventRequest) error
	FreeBusy(ctx context.Context, start, end time.Time, attendees []string) (map[string][]model.Interval, error)
}

// LinkedSource supplies the mirrored, read-only events of a room.
type LinkedSource interface {
	Linked(ctx context.Context, roomID string) ([]model.Event, error)
}

// Persister stores the authoritative list of a room after each refresh.
type Persister interface {
	SaveRoom(ctx context.Context, roomID string, version int64, events []model.Event) error
}

type busyMap = map[string][]model.Interval

// Session is one user's view of the booking engine.
type Session struct {
	ops     chan func()
	stopped chan struct{}

	remote   Remote
	linked   LinkedSource
	persist  Persister
	now      func() time.Time
	user     string
	onReauth func()
	rooms    []model.Room
	catalog  map[string]model.Room

	// Owned by the loop.
	events         *store.Events
	versions       *store.Versions
	directory      store.Directory
	freeBusy       *ttlcache.Cache[string, busyMap]
	pending        map[string]*PendingMutation
	reauthRequired bool
}

// Option configures a Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	now         func() time.Time
	rooms       []model.Room
	user        string
	onReauth    func()
	linked      LinkedSource
	persist     Persister
	freeBusyTTL time.Duration
}

// WithClock replaces time.Now for the past-booking check and the free/busy
// TTL.
func WithClock(now func() time.Time) Option {
	return func(c *sessionConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRooms sets the room catalog.
func WithRooms(rooms []model.Room) Option {
	return func(c *sessionConfig) {
		c.rooms = slices.Clone(rooms)
	}
}

// WithUser sets the identity used for the editability check. Without it
// every non-linked event is editable.
func WithUser(email string) Option {
	return func(c *sessionConfig) {
		c.user = strings.TrimSpace(email)
	}
}

// WithReauthHandler is called once each time the session enters the
// re-authentication state.
func WithReauthHandler(fn func()) Option {
	return func(c *sessionConfig) {
		c.onReauth = fn
	}
}

// WithLinkedSource adds mirrored events to every refreshed room.
func WithLinkedSource(src LinkedSource) Option {
	return func(c *sessionConfig) {
		c.linked = src
	}
}

// WithPersister saves each refreshed room.
func WithPersister(p Persister) Option {
	return func(c *sessionConfig) {
		c.persist = p
	}
}

// WithFreeBusyTTL overrides DefaultFreeBusyTTL.
func WithFreeBusyTTL(ttl time.Duration) Option {
	return func(c *sessionConfig) {
		if ttl > 0 {
			c.freeBusyTTL = ttl
		}
	}
}

// New creates a session. Call Run before using it.
func New(r Remote, opts ...Option) *Session {
	cfg := sessionConfig{now: time.Now, freeBusyTTL: DefaultFreeBusyTTL}
	for _, opt := range opts {
		opt(&cfg)
	}

	rooms := slices.Clone(cfg.rooms)
	slices.SortStableFunc(rooms, func(a, b model.Room) int {
		return a.SortOrder - b.SortOrder
	})
	catalog := make(map[string]model.Room, len(rooms))
	for _, rm := range rooms {
		catalog[rm.ID] = rm
	}

	return &Session{
		ops:      make(chan func()),
		stopped:  make(chan struct{}),
		remote:   r,
		linked:   cfg.linked,
		persist:  cfg.persist,
		now:      cfg.now,
		user:     cfg.user,
		onReauth: cfg.onReauth,
		rooms:    rooms,
		catalog:  catalog,
		events:   store.NewEvents(),
		versions: store.NewVersions(),
		freeBusy: ttlcache.New[string, busyMap](cfg.freeBusyTTL, ttlcache.WithClock(cfg.now)),
		pending:  make(map[string]*PendingMutation),
	}
}

// Run executes posted operations until ctx is done. It must be called
// exactly once, usually in its own goroutine.
func (s *Session) Run(ctx context.Context) {
	defer close(s.stopped)
	appLog.Debug("booking session loop started", "rooms", len(s.rooms))
	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-ctx.Done():
			appLog.Debug("booking session loop stopped")
			return
		}
	}
}

// do runs fn on the loop and waits for it. Once fn has been handed over it
// always runs to completion, even if ctx is cancelled meanwhile.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case s.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
	<-done
	return nil
}

// Rooms returns the room catalog ordered by SortOrder.
func (s *Session) Rooms() []model.Room {
	return slices.Clone(s.rooms)
}

// User returns the configured session identity.
func (s *Session) User() string {
	return s.user
}

func (s *Session) inCatalog(roomID string) bool {
	_, ok := s.catalog[roomID]
	return ok
}

// GetEvents returns the cached events of a room in server order. A catalog
// room is loaded on first access.
func (s *Session) GetEvents(ctx context.Context, roomID string) ([]model.Event, error) {
	if err := s.ensureLoaded(ctx, roomID); err != nil {
		return nil, err
	}
	var out []model.Event
	err := s.do(ctx, func() {
		out = s.events.Events(roomID)
	})
	return out, err
}

// Overlaps reports whether [start, end) collides with any event of the room
// other than excludeID.
func (s *Session) Overlaps(ctx context.Context, roomID string, start, end time.Time, excludeID string) (bool, error) {
	var hit bool
	err := s.do(ctx, func() {
		_, hit = s.firstConflict(roomID, start, end, excludeID)
	})
	return hit, err
}

// ResyncRoom performs a targeted refresh of the room.
func (s *Session) ResyncRoom(ctx context.Context, roomID string) error {
	return s.resync(ctx, roomID, 0)
}

// ResyncRoomAt refreshes the room and, once the new list is in place,
// records version as its known version.
func (s *Session) ResyncRoomAt(ctx context.Context, roomID string, version int64) error {
	return s.resync(ctx, roomID, version)
}

func (s *Session) resync(ctx context.Context, roomID string, version int64) error {
	if roomID == "" {
		return invalid(ErrNoRoom, "room is required")
	}
	events, err := s.remote.RoomEvents(ctx, roomID)
	if err != nil {
		return fmt.Errorf("resync room %s: %w", roomID, err)
	}
	if s.linked != nil {
		linked, err := s.linked.Linked(ctx, roomID)
		if err != nil {
			appLog.Warn("linked feed unavailable; refreshing with server events only", "room", roomID, "err", err)
		} else {
			events = append(events, linked...)
		}
	}

	var known int64
	err = s.do(ctx, func() {
		s.events.ReplaceRoom(roomID, events)
		s.freeBusy.Purge()
		if version > 0 {
			s.versions.RecordRoom(roomID, version)
		}
		known = s.versions.Room(roomID)
	})
	if err != nil {
		return err
	}
	appLog.Debug("room refreshed", "room", roomID, "events", len(events), "version", known)

	if s.persist != nil {
		if err := s.persist.SaveRoom(ctx, roomID, known, events); err != nil {
			appLog.Warn("saving room snapshot failed", "room", roomID, "err", err)
		}
	}
	return nil
}

// ensureLoaded refreshes a catalog room that has never been loaded.
func (s *Session) ensureLoaded(ctx context.Context, roomID string) error {
	if !s.inCatalog(roomID) {
		return nil
	}
	var loaded bool
	if err := s.do(ctx, func() { loaded = s.events.Loaded(roomID) }); err != nil {
		return err
	}
	if loaded {
		return nil
	}
	return s.ResyncRoom(ctx, roomID)
}

// Restore seeds a room from a previously saved snapshot.
func (s *Session) Restore(ctx context.Context, roomID string, version int64, events []model.Event) error {
	return s.do(ctx, func() {
		s.events.ReplaceRoom(roomID, events)
		s.versions.RecordRoom(roomID, version)
	})
}

// StaleRooms filters server-reported versions down to the rooms that
// changed since they were last refreshed.
func (s *Session) StaleRooms(ctx context.Context, updates []model.RoomVersion) ([]model.RoomVersion, error) {
	var out []model.RoomVersion
	err := s.do(ctx, func() {
		out = s.versions.Stale(updates)
	})
	return out, err
}

// RoomVersions returns the known version of every room seen so far.
func (s *Session) RoomVersions(ctx context.Context) ([]model.RoomVersion, error) {
	var out []model.RoomVersion
	err := s.do(ctx, func() {
		out = s.versions.RoomVersions()
	})
	return out, err
}

// UsersStale reports whether version is newer than the known user-list
// version.
func (s *Session) UsersStale(ctx context.Context, version int64) (bool, error) {
	var stale bool
	err := s.do(ctx, func() {
		stale = version > s.versions.Users()
	})
	return stale, err
}

// ReplaceUsers installs a new user directory for version. Older versions
// are ignored.
func (s *Session) ReplaceUsers(ctx context.Context, version int64, users []model.User) error {
	return s.do(ctx, func() {
		if !s.versions.RecordUsers(version) {
			return
		}
		s.directory.Replace(users)
		s.freeBusy.Purge()
		appLog.Info("user directory replaced", "version", version, "users", len(users))
	})
}

// Users returns the cached user directory.
func (s *Session) Users(ctx context.Context) ([]model.User, error) {
	var out []model.User
	err := s.do(ctx, func() {
		out = s.directory.Users()
	})
	return out, err
}
