// Package poller keeps a booking session in step with the remote by
// polling its version counters on two independent cron schedules.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "roombook/internal/log"
	"roombook/internal/model"
)

// Source reports the remote's version counters and user directory.
type Source interface {
	RoomVersions(ctx context.Context) ([]model.RoomVersion, error)
	UserVersion(ctx context.Context) (int64, error)
	Users(ctx context.Context) ([]model.User, error)
}

// Session is the state being kept current.
type Session interface {
	StaleRooms(ctx context.Context, updates []model.RoomVersion) ([]model.RoomVersion, error)
	ResyncRoomAt(ctx context.Context, roomID string, version int64) error
	UsersStale(ctx context.Context, version int64) (bool, error)
	ReplaceUsers(ctx context.Context, version int64, users []model.User) error
}

// Default schedules.
const (
	DefaultRoomSpec = "@every 30s"
	DefaultUserSpec = "@every 5m"
)

// Config holds the schedules and the per-job timeout.
type Config struct {
	RoomSpec   string
	UserSpec   string
	JobTimeout time.Duration
}

// Poller runs the room and user polls.
type Poller struct {
	src     Source
	session Session
	cfg     Config
	cron    *cron.Cron
}

// New validates the schedules and returns a stopped poller.
func New(src Source, session Session, cfg Config) (*Poller, error) {
	if cfg.RoomSpec == "" {
		cfg.RoomSpec = DefaultRoomSpec
	}
	if cfg.UserSpec == "" {
		cfg.UserSpec = DefaultUserSpec
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}

	p := &Poller{
		src:     src,
		session: session,
		cfg:     cfg,
		cron: cron.New(
			cron.WithLogger(appLog.CronLogger()),
			cron.WithChain(cron.Recover(appLog.CronLogger())),
		),
	}
	if _, err := p.cron.AddFunc(cfg.RoomSpec, p.job("rooms", p.PollRooms)); err != nil {
		return nil, fmt.Errorf("room poll schedule %q: %w", cfg.RoomSpec, err)
	}
	if _, err := p.cron.AddFunc(cfg.UserSpec, p.job("users", p.PollUsers)); err != nil {
		return nil, fmt.Errorf("user poll schedule %q: %w", cfg.UserSpec, err)
	}
	return p, nil
}

func (p *Poller) job(name string, poll func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
		defer cancel()
		if err := poll(ctx); err != nil {
			appLog.Warn("poll failed; retrying on next tick", "job", name, "err", err)
		}
	}
}

// Start starts the schedules in the background.
func (p *Poller) Start() {
	appLog.Info("poller started", "rooms", p.cfg.RoomSpec, "users", p.cfg.UserSpec)
	p.cron.Start()
}

// Stop stops the schedules and waits for running jobs until ctx is done.
func (p *Poller) Stop(ctx context.Context) error {
	done := p.cron.Stop()
	select {
	case <-done.Done():
		appLog.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollRooms refreshes every room whose server version moved ahead of the
// known one. A room that fails to refresh keeps its old version and is
// retried on the next tick.
func (p *Poller) PollRooms(ctx context.Context) error {
	updates, err := p.src.RoomVersions(ctx)
	if err != nil {
		return fmt.Errorf("room versions: %w", err)
	}
	stale, err := p.session.StaleRooms(ctx, updates)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	appLog.Debug("rooms changed on server", "count", len(stale))

	var failed int
	var firstErr error
	for _, u := range stale {
		if err := p.session.ResyncRoomAt(ctx, u.RoomID, u.Version); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			appLog.Warn("room refresh failed", "room", u.RoomID, "version", u.Version, "err", err)
		}
	}
	if firstErr != nil {
		return fmt.Errorf("%d of %d rooms not refreshed: %w", failed, len(stale), firstErr)
	}
	return nil
}

// PollUsers replaces the user directory when its version moved ahead.
func (p *Poller) PollUsers(ctx context.Context) error {
	version, err := p.src.UserVersion(ctx)
	if err != nil {
		return fmt.Errorf("user version: %w", err)
	}
	stale, err := p.session.UsersStale(ctx, version)
	if err != nil || !stale {
		return err
	}
	users, err := p.src.Users(ctx)
	if err != nil {
		return fmt.Errorf("user directory: %w", err)
	}
	return p.session.ReplaceUsers(ctx, version, users)
}
