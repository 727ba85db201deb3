package server

import (
	"sync"
	"time"
)

// PresenceRegistry tracks which connections are live per user. A user is
// online while at least one connection is registered; multiple simultaneous
// connections (tabs) share one entry.
type PresenceRegistry struct {
	mu      sync.Mutex
	entries map[int]*presenceEntry
}

type presenceEntry struct {
	conns map[string]struct{}
	// generation increments on every registration. A scheduled demotion
	// records the generation at disconnect and aborts if it has moved,
	// which is how a reconnect inside the grace window cancels it.
	generation int
	lastActive time.Time
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		entries: make(map[int]*presenceEntry),
	}
}

// Online registers a connection for the user and reports whether it is the
// user's first live connection.
func (pr *PresenceRegistry) Online(userId int, connId string) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	entry, ok := pr.entries[userId]
	if !ok {
		entry = &presenceEntry{conns: make(map[string]struct{})}
		pr.entries[userId] = entry
	}

	entry.conns[connId] = struct{}{}
	entry.generation++
	entry.lastActive = Now()

	return !ok
}

// Offline removes a connection without demoting the user. It returns the
// generation observed at disconnect, to be passed to Demote after the grace
// period.
func (pr *PresenceRegistry) Offline(userId int, connId string) int {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	entry, ok := pr.entries[userId]
	if !ok {
		return 0
	}

	delete(entry.conns, connId)
	entry.lastActive = Now()

	return entry.generation
}

// Demote drops the user's presence entry if no connection remains live and
// no connection registered since generation was observed. Reports whether
// the user actually went offline.
func (pr *PresenceRegistry) Demote(userId, generation int) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	entry, ok := pr.entries[userId]
	if !ok {
		return false
	}

	if len(entry.conns) > 0 || entry.generation != generation {
		return false
	}

	delete(pr.entries, userId)
	return true
}

func (pr *PresenceRegistry) IsOnline(userId int) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	entry, ok := pr.entries[userId]
	return ok && len(entry.conns) > 0
}

func (pr *PresenceRegistry) OnlineUsers() []int {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	users := make([]int, 0, len(pr.entries))
	for userId, entry := range pr.entries {
		if len(entry.conns) > 0 {
			users = append(users, userId)
		}
	}

	return users
}
