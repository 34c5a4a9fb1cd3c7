package client

import (
	"sync"

	"github.com/costumery/messaging/wire"
)

// TypingTracker keeps the latest typing signal per conversation. The most
// recently processed signal wins; a stop signal removes the entry. There is no
// TTL — staleness resolves only through an explicit stop.
type TypingTracker struct {
	mu      sync.RWMutex
	signals map[string]wire.TypingSignal
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{signals: make(map[string]wire.TypingSignal)}
}

// Apply upserts the entry for the signal's conversation when IsTyping is true
// and removes it otherwise. Removing an absent entry is a no-op.
func (t *TypingTracker) Apply(signal wire.TypingSignal) {
	if signal.ConversationID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if signal.IsTyping {
		t.signals[signal.ConversationID] = signal
		return
	}
	delete(t.signals, signal.ConversationID)
}

// Get returns the latest signal for a conversation, if any.
func (t *TypingTracker) Get(conversationID string) (wire.TypingSignal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.signals[conversationID]
	return s, ok
}

// Len reports how many conversations have an active typing entry.
func (t *TypingTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.signals)
}

// Clear empties the map. Called on disconnect.
func (t *TypingTracker) Clear() {
	t.mu.Lock()
	t.signals = make(map[string]wire.TypingSignal)
	t.mu.Unlock()
}
