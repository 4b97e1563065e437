// Package readstate keeps read receipts and unread counts correct in both
// directions: local open → server, server broadcast → local.
package readstate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"convo/internal/bus"
	"convo/internal/model"
	"convo/internal/registry"
	"convo/internal/thread"
	"convo/internal/wire"
)

// Emitter sends a named event over the persistent connection.
type Emitter interface {
	Emit(event string, payload any) error
}

// Synchronizer tracks this user's read position and merges other parties'
// seen-state into the active thread. Seen-state and unread counts are
// independent: the unread count reflects only this user's read position.
type Synchronizer struct {
	selfID   string
	registry *registry.Registry
	thread   *thread.Store
	emitter  Emitter
	bus      *bus.Bus
	logger   *zap.Logger

	// interval for the periodic authoritative total-unread request; a
	// correctness backstop, not the primary update path.
	interval time.Duration
	cancel   context.CancelFunc
}

// NewSynchronizer creates a read-state synchronizer.
func NewSynchronizer(selfID string, reg *registry.Registry, th *thread.Store, emitter Emitter, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Synchronizer {
	return &Synchronizer{
		selfID:   selfID,
		registry: reg,
		thread:   th,
		emitter:  emitter,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
}

// ConversationOpened emits a read receipt for the conversation and zeroes
// its local unread count without waiting for the server ack.
func (s *Synchronizer) ConversationOpened(conversationID string) {
	if err := s.emitter.Emit(wire.EvtMarkRead, wire.MarkRead{
		ConversationID: conversationID,
		UserID:         s.selfID,
	}); err != nil {
		s.logger.Warn("mark-read emit failed", zap.Error(err), zap.String("conversation", conversationID))
	}

	s.registry.MarkRead(conversationID)
	s.publishTotal()
}

// IncomingWhileOpen emits a read receipt for a message that arrived in the
// conversation the user is actively viewing, instead of counting it unread.
func (s *Synchronizer) IncomingWhileOpen(msg model.Message) {
	if msg.SenderID == s.selfID {
		return
	}
	if err := s.emitter.Emit(wire.EvtMarkRead, wire.MarkRead{
		ConversationID: msg.ConversationID,
		UserID:         s.selfID,
		MessageIDs:     []string{msg.ID},
	}); err != nil {
		s.logger.Warn("mark-read emit failed", zap.Error(err), zap.String("message", msg.ID))
	}
}

// SeenBroadcast merges a server seen-state broadcast into the active thread.
// Unread counts are untouched.
func (s *Synchronizer) SeenBroadcast(ev wire.MessagesSeen) {
	s.thread.ApplySeenUpdate(ev.ConversationID, ev.MessageIDs, ev.UserID)
}

// AuthoritativeTotal installs a pushed total unread count.
func (s *Synchronizer) AuthoritativeTotal(total int) {
	s.registry.SetAuthoritativeTotal(total)
	s.publishTotal()
}

// RequestTotal asks the server for the authoritative total unread count.
func (s *Synchronizer) RequestTotal() {
	if err := s.emitter.Emit(wire.EvtUnreadRequest, nil); err != nil {
		s.logger.Warn("unread request emit failed", zap.Error(err))
	}
}

func (s *Synchronizer) publishTotal() {
	s.bus.Publish(bus.Event{
		Kind:      "unread.total",
		Timestamp: time.Now(),
		Payload:   s.registry.TotalUnread(),
	})
}

// Start begins the periodic total-unread reconciliation ticker.
func (s *Synchronizer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the reconciliation ticker.
func (s *Synchronizer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Synchronizer) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RequestTotal()
		case <-ctx.Done():
			return
		}
	}
}
