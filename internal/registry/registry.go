// Package registry holds the authoritative, de-duplicated list of
// conversation summaries plus unread accounting.
package registry

import (
	"sync"

	"convo/internal/model"
)

// Registry is safe for concurrent use. Mutating methods apply their whole
// change under one lock acquisition so readers never observe partial
// updates.
type Registry struct {
	mu     sync.RWMutex
	selfID string
	order  []string
	convs  map[string]*model.Conversation

	// authTotal, when set, is a server-pushed total unread count that
	// overrides the derived sum until the next local unread mutation.
	authTotal *int
}

// New creates an empty registry for the given canonical self ID.
func New(selfID string) *Registry {
	return &Registry{
		selfID: selfID,
		convs:  make(map[string]*model.Conversation),
	}
}

// Seed replaces the entire registry from a REST snapshot. Called on initial
// load and on every reconnect, since events missed while offline are never
// replayed. Per-conversation unread counts from the snapshot are trusted.
func (r *Registry) Seed(convs []model.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaceLocked(convs)
	r.authTotal = nil
}

// ApplyAuthoritativeList replaces the registry wholesale from a server-pushed
// recomputed view. When the payload carries a total unread count it becomes
// the authoritative total; otherwise the total is derived.
func (r *Registry) ApplyAuthoritativeList(convs []model.Conversation, total *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaceLocked(convs)
	r.authTotal = total
}

func (r *Registry) replaceLocked(convs []model.Conversation) {
	r.order = r.order[:0]
	r.convs = make(map[string]*model.Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		if _, dup := r.convs[c.ID]; dup {
			continue
		}
		r.order = append(r.order, c.ID)
		r.convs[c.ID] = &c
	}
}

// ApplyIncoming updates a conversation for a new message event. The last
// message snapshot is overwritten unconditionally; the unread count is
// incremented by exactly one iff the sender is not self and the conversation
// is not the currently open one. Unknown conversations get a minimal entry
// (participants stay unknown until the next snapshot).
func (r *Registry) ApplyIncoming(conversationID string, msg model.Message, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.convs[conversationID]
	if !ok {
		c = &model.Conversation{ID: conversationID}
		r.convs[conversationID] = c
		r.order = append(r.order, conversationID)
	}

	c.LastMessage = &model.LastMessage{
		Content:  msg.Content,
		SenderID: msg.SenderID,
		SentAt:   msg.CreatedAt,
	}
	if msg.CreatedAt > c.UpdatedAt {
		c.UpdatedAt = msg.CreatedAt
	}

	if msg.SenderID != r.selfID && !active {
		c.UnreadCount++
		// A local unread change invalidates any pushed total.
		r.authTotal = nil
	}
}

// MarkRead zeroes the unread count for a conversation. Optimistic: called
// when the conversation is opened, without waiting for the server ack.
func (r *Registry) MarkRead(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conversationID]
	if !ok {
		return
	}
	if c.UnreadCount != 0 {
		c.UnreadCount = 0
		r.authTotal = nil
	}
}

// SetAuthoritativeTotal installs a server-pushed total unread count. It wins
// over the derived sum until the next local unread mutation, at which point
// the total is recomputed from the current per-conversation counts.
func (r *Registry) SetAuthoritativeTotal(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authTotal = &total
}

// TotalUnread returns the process-wide unread count: the authoritative
// pushed total when one is in effect, else the sum over all conversations.
func (r *Registry) TotalUnread() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.authTotal != nil {
		return *r.authTotal
	}
	sum := 0
	for _, c := range r.convs {
		sum += c.UnreadCount
	}
	return sum
}

// Get returns a copy of a conversation by ID.
func (r *Registry) Get(conversationID string) (model.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[conversationID]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// List returns copies of all conversations in registry order. The registry
// does not enforce display order; callers sort by ActivityAt descending.
func (r *Registry) List() []model.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Conversation, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.convs[id])
	}
	return out
}

// Len returns the number of tracked conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.convs)
}
