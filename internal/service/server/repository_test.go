package server

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	appErrors "e2e_room_chat/internal/errors"
	"e2e_room_chat/internal/model"
)

// memRepo is an in-memory Repository with the mongo store's semantics.
type memRepo struct {
	mu       sync.Mutex
	rooms    map[string]*model.Room
	users    map[string]json.RawMessage
	bundles  map[string][]model.WrappedKeyBundle
	messages map[string][]model.Message

	afterBundles func()
}

var _ Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		rooms:    map[string]*model.Room{},
		users:    map[string]json.RawMessage{},
		bundles:  map[string][]model.WrappedKeyBundle{},
		messages: map[string][]model.Message{},
	}
}

func (r *memRepo) GetRoom(_ context.Context, roomID string) (*model.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, appErrors.ErrRoomNotFound
	}
	cp := *room
	cp.Members = slices.Clone(room.Members)
	return &cp, nil
}

func (r *memRepo) AddMember(_ context.Context, roomID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = &model.Room{ID: roomID}
		r.rooms[roomID] = room
	}
	if !room.IsMember(userID) {
		room.Members = append(room.Members, userID)
	}
	return nil
}

func (r *memRepo) RemoveMember(_ context.Context, roomID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return appErrors.ErrRoomNotFound
	}
	room.Members = slices.DeleteFunc(room.Members, func(m string) bool { return m == userID })
	return nil
}

func (r *memRepo) PutPublicKey(_ context.Context, userID string, jwk json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = slices.Clone(jwk)
	return nil
}

func (r *memRepo) PublicKeys(_ context.Context, userIDs []string) (map[string]json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]json.RawMessage{}
	for _, id := range userIDs {
		if k, ok := r.users[id]; ok {
			out[id] = k
		}
	}
	return out, nil
}

func (r *memRepo) SaveBundle(_ context.Context, b model.WrappedKeyBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stale := appErrors.InvalidArg("key version is not above the room's current version")
	if slices.ContainsFunc(r.bundles[b.RoomID], func(x model.WrappedKeyBundle) bool { return x.Version == b.Version }) {
		return stale
	}
	room, ok := r.rooms[b.RoomID]
	if !ok {
		return appErrors.ErrRoomNotFound
	}
	if room.Keyed && b.Version <= room.CurrentKeyVersion {
		return stale
	}
	r.bundles[b.RoomID] = append(r.bundles[b.RoomID], b)
	slices.SortFunc(r.bundles[b.RoomID], func(x, y model.WrappedKeyBundle) int { return x.Version - y.Version })
	room.Keyed, room.CurrentKeyVersion = true, b.Version
	return nil
}

// Bundles runs afterBundles once, outside the lock, after taking its
// snapshot. Tests use it to land a rotation in the middle of a join.
func (r *memRepo) Bundles(_ context.Context, roomID string) ([]model.WrappedKeyBundle, error) {
	r.mu.Lock()
	out := slices.Clone(r.bundles[roomID])
	hook := r.afterBundles
	r.afterBundles = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (r *memRepo) SaveMessage(_ context.Context, m model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[m.RoomID] = append(r.messages[m.RoomID], m)
	slices.SortStableFunc(r.messages[m.RoomID], model.Compare)
	return nil
}

func (r *memRepo) ListMessages(_ context.Context, roomID string, skip, limit int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.messages[roomID]
	end := len(all) - skip
	if end <= 0 {
		return nil, nil
	}
	return slices.Clone(all[max(end-limit, 0):end]), nil
}

func (r *memRepo) Messages(roomID string) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.messages[roomID])
}
