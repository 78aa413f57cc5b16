package booking

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"roombook/internal/conflict"
	appLog "roombook/internal/log"
	"roombook/internal/model"
)

// GetFreeBusy returns the busy intervals of every participant in
// [start, end), keyed by participant ID. Room IDs are answered from the
// local store, everything else is treated as a user and asked from the
// remote in a single call. Answers are cached for the free/busy TTL.
func (s *Session) GetFreeBusy(ctx context.Context, participants []string, start, end time.Time) (map[string][]model.Interval, error) {
	if !start.Before(end) {
		return nil, invalid(ErrInvalidInterval, "start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	ids := normalizeParticipants(participants)
	key := freeBusyKey(ids, start, end)

	var (
		cached       busyMap
		hit          bool
		rooms, users []string
		unloaded     []string
	)
	err := s.do(ctx, func() {
		if v, ok := s.freeBusy.Get(key); ok {
			cached, hit = cloneBusy(v), true
			return
		}
		for _, id := range ids {
			switch {
			case s.events.Loaded(id):
				rooms = append(rooms, id)
			case s.inCatalog(id):
				rooms = append(rooms, id)
				unloaded = append(unloaded, id)
			default:
				users = append(users, id)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if hit {
		appLog.Debug("free/busy cache hit", "participants", len(ids))
		return cached, nil
	}

	for _, roomID := range unloaded {
		if err := s.ResyncRoom(ctx, roomID); err != nil {
			return nil, fmt.Errorf("free/busy: %w", err)
		}
	}

	var userBusy busyMap
	if len(users) > 0 {
		userBusy, err = s.remote.FreeBusy(ctx, start, end, users)
		if err != nil {
			return nil, fmt.Errorf("free/busy query: %w", err)
		}
	}

	var out busyMap
	err = s.do(ctx, func() {
		out = make(busyMap, len(ids))
		for _, roomID := range rooms {
			out[roomID] = s.roomBusy(roomID, start, end)
		}
		for _, u := range users {
			ivs := slices.Clone(userBusy[u])
			if ivs == nil {
				ivs = []model.Interval{}
			}
			sortIntervals(ivs)
			out[u] = ivs
		}
		s.freeBusy.Put(key, cloneBusy(out))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) roomBusy(roomID string, start, end time.Time) []model.Interval {
	out := []model.Interval{}
	for _, ev := range s.events.Events(roomID) {
		if iv, ok := conflict.Clip(ev, start, end); ok {
			out = append(out, iv)
		}
	}
	sortIntervals(out)
	return out
}

func normalizeParticipants(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func freeBusyKey(ids []string, start, end time.Time) string {
	return strings.Join(ids, ",") + "|" + start.UTC().Format(time.RFC3339Nano) + "|" + end.UTC().Format(time.RFC3339Nano)
}

func sortIntervals(ivs []model.Interval) {
	slices.SortStableFunc(ivs, func(a, b model.Interval) int {
		return a.Start.Compare(b.Start)
	})
}

func cloneBusy(in busyMap) busyMap {
	out := make(busyMap, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}
