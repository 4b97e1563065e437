package outbox

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"convo/internal/bus"
	"convo/internal/model"
	"convo/internal/thread"
)

// mockEmitter records emitted events.
type mockEmitter struct {
	events []emitted
	err    error
}

type emitted struct {
	Event   string
	Payload any
}

func (m *mockEmitter) Emit(event string, payload any) error {
	m.events = append(m.events, emitted{Event: event, Payload: payload})
	return m.err
}

func newPipeline(t *testing.T, timeout time.Duration) (*Pipeline, *thread.Store, *mockEmitter, *bus.Bus) {
	t.Helper()
	th := thread.NewStore()
	em := &mockEmitter{}
	b := bus.New()
	p := NewPipeline("A", th, em, b, zap.NewNop(), timeout)
	return p, th, em, b
}

// A send followed by its confirmation leaves exactly one
// entry for the logical message, carrying the server ID.
func TestSendThenConfirmNoDuplicate(t *testing.T) {
	p, th, em, _ := newPipeline(t, time.Minute)
	th.Open("C1")

	sent := p.Send("C1", "hello")
	if sent.State != model.StatePending {
		t.Fatalf("state = %q, want pending", sent.State)
	}
	if th.Len() != 1 {
		t.Fatalf("thread len = %d, want 1 immediately after send", th.Len())
	}
	if len(em.events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(em.events))
	}

	echo := model.Message{
		ID: "srv-1", ConversationID: "C1", SenderID: "A",
		Content: "hello", CreatedAt: 99, State: model.StateConfirmed,
		CorrelationID: sent.CorrelationID,
	}
	tempID := p.Match(echo)
	if tempID != sent.ID {
		t.Fatalf("Match = %q, want %q", tempID, sent.ID)
	}
	if !th.ReplacePending(tempID, echo) {
		t.Fatal("ReplacePending failed")
	}

	msgs := th.Messages()
	if len(msgs) != 1 {
		t.Fatalf("thread len = %d, want exactly 1 after reconciliation", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].State != model.StateConfirmed {
		t.Errorf("message = %+v, want confirmed srv-1", msgs[0])
	}
	if p.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", p.PendingCount())
	}
}

func TestMatchFallsBackToContentHeuristic(t *testing.T) {
	p, th, _, _ := newPipeline(t, time.Minute)
	th.Open("C1")

	first := p.Send("C1", "same")
	second := p.Send("C1", "same")

	// Server without correlation support echoes no correlation ID; the
	// oldest pending entry with matching content wins.
	echo := model.Message{ConversationID: "C1", SenderID: "A", Content: "same"}
	if got := p.Match(echo); got != first.ID {
		t.Errorf("Match = %q, want oldest %q", got, first.ID)
	}
	if got := p.Match(echo); got != second.ID {
		t.Errorf("second Match = %q, want %q", got, second.ID)
	}
}

func TestMatchNoConfidentMatch(t *testing.T) {
	p, th, _, _ := newPipeline(t, time.Minute)
	th.Open("C1")
	p.Send("C1", "hello")

	echo := model.Message{ConversationID: "C1", SenderID: "A", Content: "different"}
	if got := p.Match(echo); got != "" {
		t.Errorf("Match = %q, want no match for differing content", got)
	}
	if p.PendingCount() != 1 {
		t.Error("pending entry must stay in place when no match is found")
	}
}

func TestTempIDsUniqueUnderRapidSends(t *testing.T) {
	p, th, _, _ := newPipeline(t, time.Minute)
	th.Open("C1")

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		m := p.Send("C1", "burst")
		if seen[m.ID] {
			t.Fatalf("temp ID %q reused", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestTimeoutMarksFailedAndRetryResends(t *testing.T) {
	p, th, em, b := newPipeline(t, 10*time.Millisecond)
	th.Open("C1")

	ch, unsub := b.Subscribe("message.send_failed", 10)
	defer unsub()

	sent := p.Send("C1", "hello")
	p.sweep(time.Now().Add(time.Second))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.send_failed event")
	}
	if got := th.Messages()[0].State; got != model.StateFailed {
		t.Fatalf("state = %q, want failed", got)
	}

	if err := p.Retry(sent.ID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if got := th.Messages()[0].State; got != model.StatePending {
		t.Errorf("state after retry = %q, want pending", got)
	}
	if len(em.events) != 2 {
		t.Errorf("emitted %d events, want 2 (send + retry)", len(em.events))
	}

	// A late echo still reconciles the retried send.
	if got := p.Match(model.Message{CorrelationID: sent.CorrelationID}); got != sent.ID {
		t.Errorf("Match after retry = %q, want %q", got, sent.ID)
	}
}

func TestRetryUnknownID(t *testing.T) {
	p, _, _, _ := newPipeline(t, time.Minute)
	if err := p.Retry("nope"); err == nil {
		t.Error("Retry() on unknown ID should error")
	}
}

func TestSendWhileConversationNotOpen(t *testing.T) {
	p, th, em, _ := newPipeline(t, time.Minute)
	th.Open("other")

	p.Send("C1", "hi")
	if th.Len() != 0 {
		t.Error("pending message must not land in a different open thread")
	}
	if len(em.events) != 1 {
		t.Error("send event should still be emitted")
	}
}
