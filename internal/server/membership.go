package server

import "sync"

// MembershipTracker holds the set of room ids each user's live connections
// are subscribed to. It is rebuilt from the durable room list at handshake
// and only grows during a session; the whole entry is dropped when the user
// goes offline past the grace period.
type MembershipTracker struct {
	mu    sync.RWMutex
	rooms map[int]map[string]struct{}
}

func NewMembershipTracker() *MembershipTracker {
	return &MembershipTracker{
		rooms: make(map[int]map[string]struct{}),
	}
}

func (mt *MembershipTracker) Add(userId int, roomId string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.rooms[userId] == nil {
		mt.rooms[userId] = make(map[string]struct{})
	}
	mt.rooms[userId][roomId] = struct{}{}
}

// Rehydrate merges roomIds into the user's subscription set. Existing
// entries are kept, so a reconnect rehydration never unsubscribes a room
// joined earlier in the session.
func (mt *MembershipTracker) Rehydrate(userId int, roomIds []string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.rooms[userId] == nil {
		mt.rooms[userId] = make(map[string]struct{})
	}
	for _, id := range roomIds {
		mt.rooms[userId][id] = struct{}{}
	}
}

func (mt *MembershipTracker) Contains(userId int, roomId string) bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	_, ok := mt.rooms[userId][roomId]
	return ok
}

func (mt *MembershipTracker) Rooms(userId int) []string {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	rooms := make([]string, 0, len(mt.rooms[userId]))
	for id := range mt.rooms[userId] {
		rooms = append(rooms, id)
	}

	return rooms
}

// Subscribers returns the users whose live subscription set contains roomId.
func (mt *MembershipTracker) Subscribers(roomId string) []int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var users []int
	for userId, rooms := range mt.rooms {
		if _, ok := rooms[roomId]; ok {
			users = append(users, userId)
		}
	}

	return users
}

func (mt *MembershipTracker) Drop(userId int) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	delete(mt.rooms, userId)
}
