// Package conn owns the persistent-connection handle: it manages
// connect/disconnect, attaches identity, queues outbound events while
// offline and republishes decoded push events on the bus.
package conn

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"convo/internal/bus"
	"convo/internal/identity"
	"convo/internal/wire"
)

// Transport is the underlying named-event stream. Implementations handle
// their own reconnection policy and call back into the Handler they were
// constructed with.
type Transport interface {
	Dial(ctx context.Context) error
	Send(frame []byte) error
	Close() error
}

// maxQueuedFrames bounds the offline outbound queue; beyond it the oldest
// frames are dropped.
const maxQueuedFrames = 128

// Manager establishes and maintains exactly one live connection per
// signed-in identity. It implements transport.Handler: inbound frames are
// republished on the bus under the "rt." namespace, and every successful
// (re)connection re-emits the join event plus a "conn.joined" bus event so
// dependents re-seed from REST instead of assuming continuity.
type Manager struct {
	tr     Transport
	bus    *bus.Bus
	logger *zap.Logger
	state  *machine

	mu       sync.Mutex
	id       identity.Identity
	hasID    bool
	queue    [][]byte
	connects int
}

// NewManager creates a manager around the given transport.
func NewManager(tr Transport, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		tr:     tr,
		bus:    b,
		logger: logger,
		state:  newMachine(b),
	}
}

// Bind attaches the transport after construction. The manager and the
// transport reference each other, so whichever is built second is bound
// here. Must be called before Connect.
func (m *Manager) Bind(tr Transport) {
	m.tr = tr
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.state.Current()
}

// Connect attaches the identity and establishes the stream. It is a no-op
// when already connected or connecting for the same identity; connecting as
// a different identity tears the live stream down first, so there is never
// more than one connection. Connection errors are non-fatal: the engine
// keeps operating in degraded mode and the transport retries per its policy.
func (m *Manager) Connect(ctx context.Context, id identity.Identity) error {
	m.mu.Lock()
	cur := m.state.Current()
	same := m.hasID && m.id.UserID == id.UserID
	if (cur == Connected || cur == Connecting) && same {
		m.mu.Unlock()
		return nil
	}
	m.id = id
	m.hasID = true
	m.mu.Unlock()

	if !same && (cur == Connected || cur == Connecting) {
		m.Disconnect()
	}

	_ = m.state.Transition(Connecting)
	if err := m.tr.Dial(ctx); err != nil {
		_ = m.state.Transition(Errored)
		m.logger.Error("connect failed", zap.Error(err), zap.String("user", id.UserID))
		return err
	}
	return nil
}

// Disconnect tears down the stream. Safe to call from a torn-down consumer
// context and when already disconnected.
func (m *Manager) Disconnect() {
	if m.tr != nil {
		_ = m.tr.Close()
	}
	cur := m.state.Current()
	if cur != Disconnected {
		_ = m.state.Transition(Disconnected)
	}
	m.mu.Lock()
	m.queue = nil
	m.mu.Unlock()
}

// Emit sends a named event. While not connected the frame is queued and
// flushed on the next successful connection, so callers never block on
// connection state.
func (m *Manager) Emit(event string, payload any) error {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	if m.state.Current() != Connected {
		m.enqueue(frame)
		return nil
	}
	if err := m.tr.Send(frame); err != nil {
		m.logger.Warn("send failed, queueing frame", zap.Error(err), zap.String("event", event))
		m.enqueue(frame)
	}
	return nil
}

func (m *Manager) enqueue(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) >= maxQueuedFrames {
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, frame)
}

// HandleConnected implements transport.Handler. Fired on every successful
// (re)connection: transitions to connected, re-emits join with the attached
// identity, flushes the offline queue and publishes "conn.joined".
func (m *Manager) HandleConnected(attempt int) {
	if m.state.Current() != Connecting {
		_ = m.state.Transition(Connecting)
	}
	_ = m.state.Transition(Connected)

	m.mu.Lock()
	id := m.id
	hasID := m.hasID
	queued := m.queue
	m.queue = nil
	m.connects++
	resumed := m.connects > 1
	m.mu.Unlock()

	if hasID {
		if frame, err := wire.Encode(wire.EvtJoin, wire.Join{UserID: id.UserID}); err == nil {
			if err := m.tr.Send(frame); err != nil {
				m.logger.Warn("join emit failed", zap.Error(err))
			}
		}
	}

	for _, frame := range queued {
		if err := m.tr.Send(frame); err != nil {
			m.logger.Warn("queued frame flush failed", zap.Error(err))
			m.enqueue(frame)
			break
		}
	}

	m.logger.Info("connected", zap.Int("attempt", attempt), zap.Bool("resumed", resumed))
	m.bus.Publish(bus.Event{
		Kind:      "conn.joined",
		Timestamp: time.Now(),
		Payload:   Joined{Resumed: resumed},
	})
}

// HandleDisconnected implements transport.Handler. terminal is true when
// the transport has exhausted its retry budget.
func (m *Manager) HandleDisconnected(err error, terminal bool) {
	if terminal {
		_ = m.state.Transition(Errored)
		m.logger.Error("connection lost, retries exhausted", zap.Error(err))
	} else {
		_ = m.state.Transition(Connecting)
		m.logger.Warn("connection lost, reconnecting", zap.Error(err))
	}
}

// HandleFrame implements transport.Handler: decoded push events are
// republished on the bus as "rt.<event>".
func (m *Manager) HandleFrame(f wire.Frame) {
	m.bus.Publish(bus.Event{
		Kind:      "rt." + f.Event,
		Timestamp: time.Now(),
		Payload:   f,
	})
}

// Joined is the payload of "conn.joined". Resumed is false on the first
// connection of the session.
type Joined struct {
	Resumed bool
}
