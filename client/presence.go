package client

import (
	"sort"
	"sync"
)

// PresenceTracker mirrors the relay's authoritative online-user snapshot. Each
// onlineUsers push replaces the set wholesale; there is no merging.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]struct{})}
}

// Apply replaces the presence set with the given snapshot. A nil slice is
// treated as an empty set.
func (p *PresenceTracker) Apply(userIDs []string) {
	next := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		next[id] = struct{}{}
	}

	p.mu.Lock()
	p.online = next
	p.mu.Unlock()
}

// Online reports whether the user appeared in the latest snapshot.
func (p *PresenceTracker) Online(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Snapshot returns the current set as a sorted slice.
func (p *PresenceTracker) Snapshot() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count reports how many users are online.
func (p *PresenceTracker) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online)
}

// Clear empties the set. Called on disconnect.
func (p *PresenceTracker) Clear() {
	p.mu.Lock()
	p.online = make(map[string]struct{})
	p.mu.Unlock()
}
