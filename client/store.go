package client

import (
	"sort"
	"sync"

	"github.com/costumery/messaging/wire"
)

// ConversationStore is the authoritative client-side view of message history,
// one timestamp-ordered log per conversation. It reconciles three origins:
// bulk history loads, locally-originated optimistic sends, and server-pushed
// confirmations. Logs are created lazily on first write; a missing
// conversation reads as an empty log.
type ConversationStore struct {
	mu   sync.RWMutex
	logs map[string][]wire.Message
}

// MessagePatch is a partial mutation applied by Update. Nil fields are left
// untouched.
type MessagePatch struct {
	IsRead   *bool
	Body     *string
	ImageURL *string
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		logs: make(map[string][]wire.Message),
	}
}

// ReplaceAll overwrites the log for a conversation with an authoritative
// snapshot, sorted by timestamp. Callers must only use it when they hold the
// full history; incremental updates would discard optimistic entries.
func (s *ConversationStore) ReplaceAll(conversationID string, messages []wire.Message) {
	log := make([]wire.Message, len(messages))
	copy(log, messages)
	sortByTimestamp(log)

	s.mu.Lock()
	s.logs[conversationID] = log
	s.mu.Unlock()
}

// InsertConfirmed adds a server-confirmed message, deduplicating by server id.
// A message whose id is already present is absorbed silently, which handles
// duplicate delivery from the transport. A message without a server id is
// rejected outright; an empty id would dedup against optimistic entries, whose
// ID field is empty until confirmation.
func (s *ConversationStore) InsertConfirmed(conversationID string, message wire.Message) {
	if message.ID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.logs[conversationID] {
		if m.ID == message.ID {
			return
		}
	}

	s.logs[conversationID] = append(s.logs[conversationID], message)
	sortByTimestamp(s.logs[conversationID])
}

// InsertOptimistic adds a client-originated message that has not been
// acknowledged yet. The caller supplies a client-local id that can never
// collide with a server id.
func (s *ConversationStore) InsertOptimistic(conversationID string, message wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[conversationID] = append(s.logs[conversationID], message)
	sortByTimestamp(s.logs[conversationID])
}

// Update applies a partial mutation to the message with the given id. Missing
// conversation or message is a no-op.
func (s *ConversationStore) Update(conversationID, messageID string, patch MessagePatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[conversationID]
	for i := range log {
		if log[i].ID != messageID {
			continue
		}
		if patch.IsRead != nil {
			log[i].IsRead = *patch.IsRead
		}
		if patch.Body != nil {
			log[i].Body = *patch.Body
		}
		if patch.ImageURL != nil {
			log[i].ImageURL = *patch.ImageURL
		}
		return
	}
}

// Remove deletes the message with the given id. This is the rollback path for
// a failed optimistic send; the id matches either a server id or a
// client-local id. Missing message is a no-op.
func (s *ConversationStore) Remove(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[conversationID]
	for i := range log {
		if log[i].ID == messageID || (log[i].ID == "" && log[i].ClientMessageID == messageID) {
			s.logs[conversationID] = append(log[:i], log[i+1:]...)
			return
		}
	}
}

// MarkAllReadFrom sets IsRead on every message not authored by currentUserID.
// The reader's own sent messages carry no read semantics in their own view.
func (s *ConversationStore) MarkAllReadFrom(conversationID, currentUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[conversationID]
	for i := range log {
		if log[i].SenderID != currentUserID {
			log[i].IsRead = true
		}
	}
}

// Messages returns a copy of the conversation log in timestamp order.
func (s *ConversationStore) Messages(conversationID string) []wire.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[conversationID]
	out := make([]wire.Message, len(log))
	copy(out, log)
	return out
}

// Len reports the number of messages in a conversation.
func (s *ConversationStore) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[conversationID])
}

// Conversations returns the ids of all conversations with a log.
func (s *ConversationStore) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear drops every conversation log. Used on logout.
func (s *ConversationStore) Clear() {
	s.mu.Lock()
	s.logs = make(map[string][]wire.Message)
	s.mu.Unlock()
}

// sortByTimestamp keeps the externally observed order non-decreasing by
// timestamp. Stable so equal timestamps keep arrival order.
func sortByTimestamp(log []wire.Message) {
	sort.SliceStable(log, func(i, j int) bool {
		return log[i].Timestamp.Before(log[j].Timestamp)
	})
}
