// Package engine wires the sync components together: it consumes connection
// and push events off the bus, reconciles them into the registry and active
// thread, and exposes the operations a frontend drives.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"convo/internal/archive"
	"convo/internal/bus"
	"convo/internal/identity"
	"convo/internal/model"
	"convo/internal/outbox"
	"convo/internal/readstate"
	"convo/internal/registry"
	"convo/internal/thread"
	"convo/internal/typing"
	"convo/internal/wire"
)

// fetchTimeout bounds each REST snapshot or history request.
const fetchTimeout = 15 * time.Second

// Fetcher is the REST side of the backend: full snapshots and per
// conversation history.
type Fetcher interface {
	FetchConversations(ctx context.Context) ([]wire.Conversation, error)
	FetchHistory(ctx context.Context, conversationID string) ([]wire.Message, error)
}

// Confirmed is the payload of "message.confirmed": a pending local message
// was matched to its server echo.
type Confirmed struct {
	TempID  string
	Message model.Message
}

// Engine reconciles REST snapshots, optimistic sends and push events into
// the conversation registry and the active thread. All bus events are
// handled on a single goroutine, so handlers never race each other.
type Engine struct {
	self     identity.Identity
	bus      *bus.Bus
	logger   *zap.Logger
	registry *registry.Registry
	thread   *thread.Store
	outbox   *outbox.Pipeline
	reads    *readstate.Synchronizer
	typing   *typing.Indicator
	fetch    Fetcher
	archive  *archive.DB
	cancel   context.CancelFunc
}

// New creates the engine around already-constructed components.
func New(
	self identity.Identity,
	b *bus.Bus,
	logger *zap.Logger,
	reg *registry.Registry,
	th *thread.Store,
	ob *outbox.Pipeline,
	reads *readstate.Synchronizer,
	ti *typing.Indicator,
	fetch Fetcher,
	arch *archive.DB,
) *Engine {
	return &Engine{
		self:     self,
		bus:      b,
		logger:   logger,
		registry: reg,
		thread:   th,
		outbox:   ob,
		reads:    reads,
		typing:   ti,
		fetch:    fetch,
		archive:  arch,
	}
}

// Start subscribes to connection and push events and processes them until
// the context is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	frames, unsubFrames := e.bus.Subscribe("rt.", 256)
	conns, unsubConns := e.bus.Subscribe("conn.", 64)

	go func() {
		defer unsubFrames()
		defer unsubConns()
		for {
			select {
			case evt := <-frames:
				e.handleFrame(ctx, evt)
			case evt := <-conns:
				e.handleConn(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleConn(ctx context.Context, evt bus.Event) {
	if evt.Kind != "conn.joined" {
		return
	}
	e.reseed(ctx)
}

func (e *Engine) handleFrame(ctx context.Context, evt bus.Event) {
	f, ok := evt.Payload.(wire.Frame)
	if !ok {
		return
	}

	switch f.Event {
	case wire.EvtJoined:
		e.reseed(ctx)

	case wire.EvtNewMessage:
		var ev wire.NewMessage
		if !e.decode(f, &ev) {
			return
		}
		e.handleIncoming(ev)

	case wire.EvtMessagesSeen:
		var ev wire.MessagesSeen
		if !e.decode(f, &ev) {
			return
		}
		e.reads.SeenBroadcast(ev)

	case wire.EvtTyping:
		var ev wire.Typing
		if !e.decode(f, &ev) {
			return
		}
		e.typing.Remote(ev)

	case wire.EvtChatList:
		var ev wire.ChatList
		if !e.decode(f, &ev) {
			return
		}
		convs := make([]model.Conversation, 0, len(ev.Conversations))
		for _, c := range ev.Conversations {
			convs = append(convs, c.ToModel())
		}
		e.registry.ApplyAuthoritativeList(convs, ev.TotalUnread)
		e.publish("conversation.list_changed", nil)

	case wire.EvtTotalUnread:
		var ev wire.TotalUnread
		if !e.decode(f, &ev) {
			return
		}
		e.reads.AuthoritativeTotal(ev.Total)

	case wire.EvtError:
		var ev wire.ErrorEvent
		if !e.decode(f, &ev) {
			return
		}
		e.logger.Warn("server error event", zap.String("message", ev.Message))
		e.publish("engine.error", ev.Message)
	}
}

// handleIncoming routes a pushed message: own echoes reconcile against the
// outbox, everything lands in the registry and the archive, and messages
// for the open conversation go into the thread.
func (e *Engine) handleIncoming(ev wire.NewMessage) {
	msg := ev.Message.ToModel()
	if msg.ConversationID == "" {
		msg.ConversationID = ev.ConversationID
	}
	convID := msg.ConversationID
	active := e.thread.ActiveID() == convID

	if msg.SenderID == e.self.UserID {
		tempID := e.outbox.Match(msg)
		if active {
			if tempID == "" || !e.thread.ReplacePending(tempID, msg) {
				e.thread.AppendConfirmed(msg)
			}
		}
		if tempID != "" {
			e.publish("message.confirmed", Confirmed{TempID: tempID, Message: msg})
		}
	} else {
		if active {
			e.thread.AppendConfirmed(msg)
			e.reads.IncomingWhileOpen(msg)
		}
		e.publish("message.received", msg)
	}

	e.registry.ApplyIncoming(convID, msg, active)
	e.publish("conversation.updated", convID)

	if err := e.archive.UpsertMessage(&msg); err != nil {
		e.logger.Error("failed to archive message", zap.Error(err), zap.String("msg_id", msg.ID))
	}
}

// reseed replaces the registry from a fresh REST snapshot. On failure the
// previous state stays intact. When a conversation is open its history is
// refetched as well, against the current generation so pending local
// messages survive.
func (e *Engine) reseed(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	convs, err := e.fetch.FetchConversations(fctx)
	if err != nil {
		e.logger.Error("conversation snapshot failed", zap.Error(err))
		e.publish("engine.error", err.Error())
		return
	}

	models := make([]model.Conversation, 0, len(convs))
	for _, c := range convs {
		models = append(models, c.ToModel())
	}
	e.registry.Seed(models)
	e.publish("conversation.list_changed", nil)
	e.logger.Info("registry reseeded", zap.Int("conversations", len(models)))

	if id := e.thread.ActiveID(); id != "" {
		go e.loadHistory(ctx, id, e.thread.Gen())
	}
}

// OpenConversation switches the active thread, zeroes the unread count and
// kicks off the history fetch. Archived messages from earlier in the
// session are shown immediately while the fetch is in flight.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) {
	gen := e.thread.Open(conversationID)
	e.typing.Reset()
	e.reads.ConversationOpened(conversationID)

	if cached, err := e.archive.RecentMessages(conversationID, 50); err == nil && len(cached) > 0 {
		e.thread.Install(gen, cached)
	}

	go e.loadHistory(ctx, conversationID, gen)
}

// CloseConversation clears the active thread.
func (e *Engine) CloseConversation() {
	e.thread.Close()
	e.typing.Reset()
}

func (e *Engine) loadHistory(ctx context.Context, conversationID string, gen uint64) {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	wireMsgs, err := e.fetch.FetchHistory(fctx, conversationID)
	if err != nil {
		e.logger.Error("history fetch failed", zap.Error(err), zap.String("conversation_id", conversationID))
		e.publish("engine.error", err.Error())
		return
	}

	history := make([]model.Message, 0, len(wireMsgs))
	for _, m := range wireMsgs {
		mm := m.ToModel()
		if mm.ConversationID == "" {
			mm.ConversationID = conversationID
		}
		history = append(history, mm)
	}

	if err := e.archive.IngestHistory(history); err != nil {
		e.logger.Error("failed to archive history", zap.Error(err), zap.String("conversation_id", conversationID))
	}

	if e.thread.Install(gen, history) {
		e.publish("conversation.history_installed", conversationID)
	}
}

// SendMessage creates an optimistic local message and hands it to the send
// pipeline. The returned message carries the temporary ID.
func (e *Engine) SendMessage(conversationID, content string) model.Message {
	return e.outbox.Send(conversationID, content)
}

// RetrySend re-submits a failed message.
func (e *Engine) RetrySend(tempID string) error {
	return e.outbox.Retry(tempID)
}

// TypingInput reports local keystrokes in a conversation.
func (e *Engine) TypingInput(conversationID string) {
	e.typing.LocalInput(conversationID)
}

// Conversations returns the registry snapshot in display order.
func (e *Engine) Conversations() []model.Conversation {
	return e.registry.List()
}

// ThreadMessages returns the open thread in order.
func (e *Engine) ThreadMessages() []model.Message {
	return e.thread.Messages()
}

// TotalUnread returns the badge total.
func (e *Engine) TotalUnread() int {
	return e.registry.TotalUnread()
}

// Search runs a full-text search over the session archive. An empty
// conversationID searches everywhere.
func (e *Engine) Search(query, conversationID string, limit int) ([]archive.SearchResult, error) {
	return e.archive.Search(query, conversationID, limit)
}

func (e *Engine) decode(f wire.Frame, out any) bool {
	if err := wire.DecodePayload(f, out); err != nil {
		e.logger.Warn("malformed push payload", zap.String("event", f.Event), zap.Error(err))
		return false
	}
	return true
}

func (e *Engine) publish(kind string, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
