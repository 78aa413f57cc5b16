package store

import (
	"cmp"
	"slices"

	"roombook/internal/model"
)

// Versions is the VersionMap: the last known version per room plus the
// user-list version. Values only move forward.
type Versions struct {
	rooms map[string]int64
	users int64
}

// NewVersions returns an empty version map.
func NewVersions() *Versions {
	return &Versions{rooms: make(map[string]int64)}
}

// Room returns the last known version of a room (0 if never seen).
func (v *Versions) Room(roomID string) int64 {
	return v.rooms[roomID]
}

// Stale filters updates down to the rooms whose reported version is
// strictly greater than the known one.
func (v *Versions) Stale(updates []model.RoomVersion) []model.RoomVersion {
	var out []model.RoomVersion
	for _, u := range updates {
		if u.Version > v.rooms[u.RoomID] {
			out = append(out, u)
		}
	}
	return out
}

// RecordRoom stores version if it is greater than the known value and
// reports whether it did.
func (v *Versions) RecordRoom(roomID string, version int64) bool {
	if version <= v.rooms[roomID] {
		return false
	}
	v.rooms[roomID] = version
	return true
}

// Users returns the known user-list version.
func (v *Versions) Users() int64 {
	return v.users
}

// RecordUsers stores version if it advances the user-list version.
func (v *Versions) RecordUsers(version int64) bool {
	if version <= v.users {
		return false
	}
	v.users = version
	return true
}

// RoomVersions returns all known room versions sorted by room ID.
func (v *Versions) RoomVersions() []model.RoomVersion {
	out := make([]model.RoomVersion, 0, len(v.rooms))
	for id, ver := range v.rooms {
		out = append(out, model.RoomVersion{RoomID: id, Version: ver})
	}
	slices.SortFunc(out, func(a, b model.RoomVersion) int {
		return cmp.Compare(a.RoomID, b.RoomID)
	})
	return out
}

// Directory is the cached user directory, replaced wholesale when the
// user-list version advances.
type Directory struct {
	users []model.User
}

// Replace swaps the whole directory.
func (d *Directory) Replace(users []model.User) {
	d.users = slices.Clone(users)
}

// Users returns a copy of the directory.
func (d *Directory) Users() []model.User {
	if d.users == nil {
		return []model.User{}
	}
	return slices.Clone(d.users)
}
