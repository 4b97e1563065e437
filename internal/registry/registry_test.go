package registry

import (
	"testing"

	"convo/internal/model"
)

func seedOne(r *Registry, id string, unread int) {
	r.Seed([]model.Conversation{{ID: id, UnreadCount: unread}})
}

func TestSeedReplacesWholesale(t *testing.T) {
	r := New("A")
	r.Seed([]model.Conversation{
		{ID: "c1", UnreadCount: 2},
		{ID: "c2", UnreadCount: 3},
	})
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	if got := r.TotalUnread(); got != 5 {
		t.Errorf("TotalUnread() = %d, want 5", got)
	}

	r.Seed([]model.Conversation{{ID: "c3", UnreadCount: 1}})
	if r.Len() != 1 {
		t.Errorf("Len() after reseed = %d, want 1", r.Len())
	}
	if _, ok := r.Get("c1"); ok {
		t.Error("c1 should be gone after reseed")
	}
}

// An incoming message for an inactive conversation bumps unread
// and overwrites the last-message snapshot.
func TestApplyIncomingInactiveConversation(t *testing.T) {
	r := New("A")
	seedOne(r, "c1", 0)

	r.ApplyIncoming("c1", model.Message{SenderID: "B", Content: "hi", CreatedAt: 1000}, false)

	c, ok := r.Get("c1")
	if !ok {
		t.Fatal("c1 missing")
	}
	if c.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", c.UnreadCount)
	}
	if c.LastMessage == nil || c.LastMessage.Content != "hi" {
		t.Errorf("LastMessage = %+v, want content hi", c.LastMessage)
	}
}

// An incoming message for the active conversation never increments unread.
func TestApplyIncomingActiveConversation(t *testing.T) {
	r := New("A")
	seedOne(r, "c1", 0)

	r.ApplyIncoming("c1", model.Message{SenderID: "B", Content: "hi", CreatedAt: 1000}, true)

	c, _ := r.Get("c1")
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0 for active conversation", c.UnreadCount)
	}
	if c.LastMessage == nil || c.LastMessage.Content != "hi" {
		t.Errorf("LastMessage = %+v, want content hi", c.LastMessage)
	}
}

func TestApplyIncomingOwnMessage(t *testing.T) {
	r := New("A")
	seedOne(r, "c1", 0)

	r.ApplyIncoming("c1", model.Message{SenderID: "A", Content: "me", CreatedAt: 1000}, false)

	c, _ := r.Get("c1")
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0 for own message", c.UnreadCount)
	}
}

func TestApplyIncomingSynthesizesUnknownConversation(t *testing.T) {
	r := New("A")
	r.ApplyIncoming("brand-new", model.Message{SenderID: "B", Content: "yo", CreatedAt: 500}, false)

	c, ok := r.Get("brand-new")
	if !ok {
		t.Fatal("conversation not synthesized")
	}
	if c.UnreadCount != 1 || len(c.Participants) != 0 {
		t.Errorf("synthesized entry = %+v, want unread 1 and no participants", c)
	}
}

func TestMarkRead(t *testing.T) {
	r := New("A")
	seedOne(r, "c1", 4)
	r.MarkRead("c1")
	c, _ := r.Get("c1")
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", c.UnreadCount)
	}
	if got := r.TotalUnread(); got != 0 {
		t.Errorf("TotalUnread() = %d, want 0", got)
	}
	// Unknown conversation is a no-op, not a crash.
	r.MarkRead("nope")
}

// An authoritative total wins while in effect, but the next local unread
// mutation recomputes from the current per-conversation counts.
func TestAuthoritativeTotalOverriddenByLocalMutation(t *testing.T) {
	r := New("A")
	r.Seed([]model.Conversation{
		{ID: "c1", UnreadCount: 2},
		{ID: "c2", UnreadCount: 1},
	})

	r.SetAuthoritativeTotal(7)
	if got := r.TotalUnread(); got != 7 {
		t.Fatalf("TotalUnread() = %d, want authoritative 7", got)
	}

	r.MarkRead("c1")
	if got := r.TotalUnread(); got != 1 {
		t.Errorf("TotalUnread() after local mutation = %d, want derived 1", got)
	}

	r.SetAuthoritativeTotal(9)
	r.ApplyIncoming("c2", model.Message{SenderID: "B", Content: "x", CreatedAt: 1}, false)
	if got := r.TotalUnread(); got != 2 {
		t.Errorf("TotalUnread() = %d, want derived 2 (c2 now has 2 unread)", got)
	}
}

func TestApplyAuthoritativeListWithTotal(t *testing.T) {
	r := New("A")
	seedOne(r, "old", 3)

	total := 4
	r.ApplyAuthoritativeList([]model.Conversation{
		{ID: "c1", UnreadCount: 1},
		{ID: "c2", UnreadCount: 1},
	}, &total)

	if _, ok := r.Get("old"); ok {
		t.Error("old conversation should be replaced")
	}
	if got := r.TotalUnread(); got != 4 {
		t.Errorf("TotalUnread() = %d, want pushed 4", got)
	}

	// Without a total the sum is derived.
	r.ApplyAuthoritativeList([]model.Conversation{{ID: "c1", UnreadCount: 2}}, nil)
	if got := r.TotalUnread(); got != 2 {
		t.Errorf("TotalUnread() = %d, want derived 2", got)
	}
}

func TestActivityOrderingTimestamps(t *testing.T) {
	r := New("A")
	r.Seed([]model.Conversation{
		{ID: "c1", UpdatedAt: 100},
		{ID: "c2", UpdatedAt: 50, LastMessage: &model.LastMessage{SentAt: 200}},
	})
	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}
	if list[0].ActivityAt() != 100 || list[1].ActivityAt() != 200 {
		t.Errorf("ActivityAt = %d, %d; want 100, 200", list[0].ActivityAt(), list[1].ActivityAt())
	}
}
