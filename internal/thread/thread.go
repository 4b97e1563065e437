// Package thread keeps the ordered message history for the single
// conversation that is currently open.
package thread

import (
	"sync"

	"convo/internal/model"
)

// Store holds the active thread. Each Open bumps a generation counter so a
// history fetch that resolves after the user has moved on can be discarded.
type Store struct {
	mu       sync.RWMutex
	activeID string
	gen      uint64
	msgs     []model.Message

	// deferredSeen buffers seen-updates that arrived before the message
	// they refer to. Keyed by message ID; cleared on Open.
	deferredSeen map[string][]string
}

// NewStore creates an empty thread store with no active conversation.
func NewStore() *Store {
	return &Store{deferredSeen: make(map[string][]string)}
}

// Open switches the active conversation, discarding the previous thread.
// It returns the generation token the caller must pass to Install so a
// stale history fetch becomes a no-op.
func (s *Store) Open(conversationID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = conversationID
	s.gen++
	s.msgs = s.msgs[:0]
	s.deferredSeen = make(map[string][]string)
	return s.gen
}

// Close clears the active conversation.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = ""
	s.gen++
	s.msgs = s.msgs[:0]
	s.deferredSeen = make(map[string][]string)
}

// Gen returns the current generation token. A refresh of the open thread
// (e.g. after a reconnect) installs against this token without reopening,
// so pending local messages survive.
func (s *Store) Gen() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// ActiveID returns the currently open conversation ID, or "".
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Install sets the fetched history as the thread baseline. Returns false if
// gen is stale, i.e. another conversation was opened while the fetch was in
// flight. Messages appended since Open that the snapshot does not contain
// survive at the tail: pending and failed locals always, and confirmed
// pushes whose IDs are absent from the history (the snapshot may have been
// taken before they were delivered). Buffered seen-updates are folded in.
func (s *Store) Install(gen uint64, history []model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}

	known := make(map[string]struct{}, len(history))
	for _, m := range history {
		known[m.ID] = struct{}{}
	}
	var extra []model.Message
	for _, m := range s.msgs {
		if _, ok := known[m.ID]; !ok {
			extra = append(extra, m)
		}
	}

	s.msgs = append([]model.Message(nil), history...)
	s.msgs = append(s.msgs, extra...)

	for i := range s.msgs {
		s.applyDeferredLocked(&s.msgs[i])
	}
	return true
}

// AppendPending appends a locally created optimistic message.
func (s *Store) AppendPending(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ConversationID != s.activeID {
		return
	}
	s.msgs = append(s.msgs, msg)
}

// AppendConfirmed appends a server-confirmed message at the end of the
// sequence. Idempotent on the server ID: a duplicate delivery merges the
// seen set instead of appending a second entry. Returns false when the
// message belongs to a different conversation than the active one.
func (s *Store) AppendConfirmed(msg model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ConversationID != s.activeID {
		return false
	}
	for i := range s.msgs {
		if s.msgs[i].ID == msg.ID && s.msgs[i].State != model.StatePending {
			mergeSeen(&s.msgs[i], msg.SeenBy...)
			return true
		}
	}
	s.applyDeferredLocked(&msg)
	s.msgs = append(s.msgs, msg)
	return true
}

// ReplacePending swaps an optimistic entry for its server-confirmed
// counterpart in place, preserving list position. Returns false when no
// entry with tempID exists (e.g. the user switched conversations before the
// echo arrived).
func (s *Store) ReplacePending(tempID string, confirmed model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID == tempID {
			s.applyDeferredLocked(&confirmed)
			s.msgs[i] = confirmed
			return true
		}
	}
	return false
}

// SetState transitions a message (by ID) to the given state. Used by the
// send pipeline for failed and retried messages.
func (s *Store) SetState(id string, state model.MessageState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			s.msgs[i].State = state
			return true
		}
	}
	return false
}

// ApplySeenUpdate merges a seen-state broadcast onto existing entries by ID.
// Updates for message IDs not in the store yet are buffered and folded in
// when the message arrives; updates for another conversation are ignored.
// Never removes or reorders, and applying the same update twice is a no-op.
func (s *Store) ApplySeenUpdate(conversationID string, messageIDs []string, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID != s.activeID {
		return
	}
	for _, id := range messageIDs {
		found := false
		for i := range s.msgs {
			if s.msgs[i].ID == id {
				mergeSeen(&s.msgs[i], userID)
				found = true
				break
			}
		}
		if !found {
			s.deferredSeen[id] = appendUnique(s.deferredSeen[id], userID)
		}
	}
}

// Messages returns a copy of the thread in order.
func (s *Store) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Len returns the number of messages in the thread.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

func (s *Store) applyDeferredLocked(m *model.Message) {
	if users, ok := s.deferredSeen[m.ID]; ok {
		mergeSeen(m, users...)
		delete(s.deferredSeen, m.ID)
	}
}

func mergeSeen(m *model.Message, users ...string) {
	for _, u := range users {
		if !m.SeenByUser(u) {
			m.SeenBy = append(m.SeenBy, u)
		}
	}
	if len(m.SeenBy) > 0 && m.State == model.StateConfirmed {
		m.State = model.StateSeen
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
