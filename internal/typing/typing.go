// Package typing implements the transient remote-typing indicator and the
// debounced local typing emitter, scoped to the active conversation.
package typing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"convo/internal/bus"
	"convo/internal/wire"
)

// Emitter sends a named event over the persistent connection.
type Emitter interface {
	Emit(event string, payload any) error
}

// Indicator holds the remote typing flag for the active conversation.
// There is no "stopped typing" event in the protocol; expiry of a fixed
// timer is the only clear mechanism.
type Indicator struct {
	selfID   string
	activeID func() string
	emitter  Emitter
	bus      *bus.Bus
	logger   *zap.Logger
	debounce time.Duration
	expiry   time.Duration

	mu           sync.Mutex
	lastEmit     map[string]time.Time
	typingConvID string
	timer        *time.Timer
}

// NewIndicator creates a typing indicator. activeID reports the currently
// open conversation and is re-checked on every event.
func NewIndicator(selfID string, activeID func() string, emitter Emitter, b *bus.Bus, logger *zap.Logger, debounce, expiry time.Duration) *Indicator {
	return &Indicator{
		selfID:   selfID,
		activeID: activeID,
		emitter:  emitter,
		bus:      b,
		logger:   logger,
		debounce: debounce,
		expiry:   expiry,
		lastEmit: make(map[string]time.Time),
	}
}

// LocalInput emits a typing event for the conversation, rate-limited to at
// most one emission per debounce interval per conversation.
func (i *Indicator) LocalInput(conversationID string) {
	i.mu.Lock()
	now := time.Now()
	if last, ok := i.lastEmit[conversationID]; ok && now.Sub(last) < i.debounce {
		i.mu.Unlock()
		return
	}
	i.lastEmit[conversationID] = now
	i.mu.Unlock()

	if err := i.emitter.Emit(wire.EvtTyping, wire.Typing{
		ConversationID: conversationID,
		UserID:         i.selfID,
	}); err != nil {
		i.logger.Warn("typing emit failed", zap.Error(err))
	}
}

// Remote processes a typing push event. The flag is set only when the event
// targets the active conversation and the sender is not self; a fresh event
// restarts the expiry timer.
func (i *Indicator) Remote(ev wire.Typing) {
	if ev.UserID == i.selfID || ev.ConversationID != i.activeID() {
		return
	}

	i.mu.Lock()
	wasTyping := i.typingConvID == ev.ConversationID
	i.typingConvID = ev.ConversationID
	if i.timer != nil {
		i.timer.Stop()
	}
	i.timer = time.AfterFunc(i.expiry, func() { i.expire(ev.ConversationID) })
	i.mu.Unlock()

	if !wasTyping {
		i.bus.Publish(bus.Event{
			Kind:      "typing.started",
			Timestamp: time.Now(),
			Payload:   ev.ConversationID,
		})
	}
}

func (i *Indicator) expire(conversationID string) {
	i.mu.Lock()
	if i.typingConvID != conversationID {
		i.mu.Unlock()
		return
	}
	i.typingConvID = ""
	i.mu.Unlock()

	i.bus.Publish(bus.Event{
		Kind:      "typing.stopped",
		Timestamp: time.Now(),
		Payload:   conversationID,
	})
}

// Active reports whether the remote party is currently typing in the given
// conversation.
func (i *Indicator) Active(conversationID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.typingConvID == conversationID && conversationID != ""
}

// Reset clears the flag immediately, e.g. when the active conversation
// changes.
func (i *Indicator) Reset() {
	i.mu.Lock()
	if i.timer != nil {
		i.timer.Stop()
	}
	i.typingConvID = ""
	i.mu.Unlock()
}
