// Package outbox implements the optimistic send pipeline: a send is visible
// in the active thread immediately and reconciled against the server echo
// later, with a timeout-based failed state and retry.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"convo/internal/bus"
	"convo/internal/model"
	"convo/internal/thread"
	"convo/internal/wire"
)

// Emitter sends a named event over the persistent connection. Implemented
// by the connection manager; events emitted while disconnected are queued.
type Emitter interface {
	Emit(event string, payload any) error
}

// entry tracks one in-flight optimistic send.
type entry struct {
	tempID         string
	correlationID  string
	conversationID string
	content        string
	deadline       time.Time
	failed         bool
}

// Pipeline creates pending messages, emits the outbound send event and
// reconciles server echoes back onto the optimistic entries.
type Pipeline struct {
	selfID  string
	thread  *thread.Store
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[string]*entry // keyed by temp ID

	cancel context.CancelFunc
}

// NewPipeline creates a send pipeline. timeout bounds how long a send may
// stay unconfirmed before it is marked failed.
func NewPipeline(selfID string, th *thread.Store, emitter Emitter, b *bus.Bus, logger *zap.Logger, timeout time.Duration) *Pipeline {
	return &Pipeline{
		selfID:  selfID,
		thread:  th,
		emitter: emitter,
		bus:     b,
		logger:  logger,
		timeout: timeout,
		pending: make(map[string]*entry),
	}
}

// Send creates a pending message for the conversation, appends it to the
// active thread when that conversation is open, and emits the send event.
// The temporary ID is unique for the process lifetime: a monotonic counter
// combined with the sender ID, so rapid sends never collide.
func (p *Pipeline) Send(conversationID, content string) model.Message {
	tempID := fmt.Sprintf("local-%s-%d", p.selfID, p.seq.Add(1))
	correlationID := uuid.New().String()

	msg := model.Message{
		ID:             tempID,
		CorrelationID:  correlationID,
		ConversationID: conversationID,
		SenderID:       p.selfID,
		Content:        content,
		CreatedAt:      time.Now().UnixMilli(),
		State:          model.StatePending,
	}

	p.thread.AppendPending(msg)

	p.mu.Lock()
	p.pending[tempID] = &entry{
		tempID:         tempID,
		correlationID:  correlationID,
		conversationID: conversationID,
		content:        content,
		deadline:       time.Now().Add(p.timeout),
	}
	p.mu.Unlock()

	p.emitSend(conversationID, content, correlationID, tempID)

	p.bus.Publish(bus.Event{
		Kind:      "message.pending",
		Timestamp: time.Now(),
		Payload:   msg,
	})
	return msg
}

func (p *Pipeline) emitSend(conversationID, content, correlationID, tempID string) {
	err := p.emitter.Emit(wire.EvtSendMessage, wire.SendMessage{
		ConversationID: conversationID,
		SenderID:       p.selfID,
		Content:        content,
		CorrelationID:  correlationID,
	})
	if err != nil {
		p.logger.Warn("send emit failed, awaiting timeout",
			zap.Error(err), zap.String("temp_id", tempID))
	}
}

// Match finds the optimistic entry a confirmed own message reconciles
// against and forgets it. Matching prefers the echoed correlation ID; when
// the server does not echo one it falls back to the (conversation, content)
// heuristic, oldest entry first. Returns the temporary ID, or "" when no
// confident match exists. In that case the caller appends the confirmed
// message and the pending entry is left in place; a transient duplicate is
// preferable to dropping a message that was actually sent.
func (p *Pipeline) Match(msg model.Message) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.CorrelationID != "" {
		for id, e := range p.pending {
			if e.correlationID == msg.CorrelationID {
				delete(p.pending, id)
				return id
			}
		}
		return ""
	}

	var best *entry
	for _, e := range p.pending {
		if e.conversationID != msg.ConversationID || e.content != msg.Content {
			continue
		}
		if best == nil || e.deadline.Before(best.deadline) {
			best = e
		}
	}
	if best == nil {
		return ""
	}
	delete(p.pending, best.tempID)
	return best.tempID
}

// Retry re-emits a failed send with its original correlation ID and returns
// it to the pending state with a fresh deadline.
func (p *Pipeline) Retry(tempID string) error {
	p.mu.Lock()
	e, ok := p.pending[tempID]
	if !ok || !e.failed {
		p.mu.Unlock()
		return fmt.Errorf("no failed send %q to retry", tempID)
	}
	e.failed = false
	e.deadline = time.Now().Add(p.timeout)
	p.mu.Unlock()

	p.thread.SetState(tempID, model.StatePending)
	p.emitSend(e.conversationID, e.content, e.correlationID, tempID)

	p.bus.Publish(bus.Event{
		Kind:      "message.retried",
		Timestamp: time.Now(),
		Payload:   map[string]string{"temp_id": tempID},
	})
	return nil
}

// PendingCount returns the number of unreconciled sends, failed included.
func (p *Pipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Start begins the sweeper that moves timed-out sends to the failed state.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop stops the sweeper.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pipeline) loop(ctx context.Context) {
	interval := p.timeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// sweep marks every pending entry past its deadline as failed.
func (p *Pipeline) sweep(now time.Time) {
	p.mu.Lock()
	var expired []string
	for id, e := range p.pending {
		if !e.failed && now.After(e.deadline) {
			e.failed = true
			expired = append(expired, id)
		}
	}
	p.mu.Unlock()

	for _, id := range expired {
		p.thread.SetState(id, model.StateFailed)
		p.logger.Warn("send unconfirmed past timeout", zap.String("temp_id", id))
		p.bus.Publish(bus.Event{
			Kind:      "message.send_failed",
			Timestamp: time.Now(),
			Payload:   map[string]string{"temp_id": id},
		})
	}
}
