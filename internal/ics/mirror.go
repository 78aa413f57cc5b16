// Package ics mirrors external iCalendar feeds into rooms as read-only
// linked events, and renders room timelines back to iCalendar.
package ics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	appLog "roombook/internal/log"
	"roombook/internal/model"
)

// Mirror produces the linked events of each room from its configured feeds.
type Mirror struct {
	fetcher *Fetcher
	feeds   map[string][]Feed
	horizon int
	loc     *time.Location
	now     func() time.Time
}

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithHorizonDays sets how many days ahead recurrences are expanded.
func WithHorizonDays(days int) MirrorOption {
	return func(m *Mirror) {
		if days > 0 {
			m.horizon = days
		}
	}
}

// WithLocation sets the zone whose midnight starts the expansion window.
func WithLocation(loc *time.Location) MirrorOption {
	return func(m *Mirror) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithMirrorClock replaces time.Now.
func WithMirrorClock(now func() time.Time) MirrorOption {
	return func(m *Mirror) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMirror groups feeds by room.
func NewMirror(fetcher *Fetcher, feeds []Feed, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		fetcher: fetcher,
		feeds:   make(map[string][]Feed),
		horizon: 30,
		loc:     time.Local,
		now:     time.Now,
	}
	for _, f := range feeds {
		m.feeds[f.RoomID] = append(m.feeds[f.RoomID], f)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Rooms returns the rooms that have at least one feed.
func (m *Mirror) Rooms() []string {
	out := make([]string, 0, len(m.feeds))
	for id := range m.feeds {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Linked returns the mirrored events of roomID from today until the
// horizon. A failing feed is skipped; the error is returned only when every
// feed of the room failed.
func (m *Mirror) Linked(ctx context.Context, roomID string) ([]model.Event, error) {
	feeds := m.feeds[roomID]
	if len(feeds) == 0 {
		return nil, nil
	}

	now := m.now().In(m.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, m.loc)
	w := window{start: today, end: today.AddDate(0, 0, m.horizon)}

	var (
		out  []model.Event
		errs []error
	)
	for _, feed := range feeds {
		events, err := m.load(ctx, feed, w)
		if err != nil {
			appLog.Warn("linked feed skipped", "room", roomID, "url", redactURL(feed.URL), "err", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, events...)
	}
	if len(errs) == len(feeds) {
		return nil, fmt.Errorf("linked feeds for room %s: %w", roomID, errors.Join(errs...))
	}
	return out, nil
}

func (m *Mirror) load(ctx context.Context, feed Feed, w window) ([]model.Event, error) {
	body, fromCache, err := m.fetcher.Fetch(ctx, feed)
	if err != nil {
		return nil, err
	}
	parsed, err := parseFeed(feed, body)
	if err != nil {
		return nil, err
	}
	events, err := expand(feed.RoomID, parsed, w)
	if err != nil {
		return nil, err
	}
	appLog.Debug("linked feed expanded", "room", feed.RoomID, "vevents", len(parsed), "events", len(events), "from_cache", fromCache)
	return events, nil
}
