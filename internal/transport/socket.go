// Package transport implements the persistent-connection collaborator over
// a websocket: named-event frames in both directions, bearer credential on
// the upgrade request and bounded linear-backoff reconnection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"convo/internal/identity"
	"convo/internal/wire"
)

// Handler receives transport callbacks. HandleConnected fires on every
// successful (re)connection with the retry attempt number (0 for the first
// connect). HandleDisconnected fires with terminal=true once the retry
// budget is exhausted.
type Handler interface {
	HandleFrame(f wire.Frame)
	HandleConnected(attempt int)
	HandleDisconnected(err error, terminal bool)
}

// Options configures a Socket.
type Options struct {
	// URL is the full websocket endpoint, e.g. "wss://host/ws".
	URL string
	// Tokens supplies the bearer credential attached to the upgrade
	// request; consulted again on every reconnect so a refreshed
	// credential is picked up.
	Tokens identity.TokenSource
	// MaxRetries bounds reconnection attempts per outage.
	MaxRetries int
	// Backoff is the linear backoff step: attempt n waits n*Backoff.
	Backoff time.Duration

	WriteTimeout time.Duration
}

// Socket is a websocket client for the named-event stream.
type Socket struct {
	opts    Options
	handler Handler
	logger  *zap.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
	cancel context.CancelFunc
}

// NewSocket creates a socket. Dial must be called before Send.
func NewSocket(opts Options, handler Handler, logger *zap.Logger) *Socket {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Socket{opts: opts, handler: handler, logger: logger}
}

// Dial establishes the connection and starts the read loop. A redial
// replaces any previous stream: the prior run loop is cancelled and its
// connection closed before the new one is established. The initial dial
// failure is returned to the caller; later outages are handled by the
// internal reconnect loop and surfaced through the Handler.
func (s *Socket) Dial(ctx context.Context) error {
	s.mu.Lock()
	prevCancel := s.cancel
	prevWS := s.ws
	s.cancel = nil
	s.ws = nil
	s.closed = true
	s.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}
	if prevWS != nil {
		_ = prevWS.Close()
	}

	ctx, cancel := context.WithCancel(ctx)

	ws, err := s.dialOnce(ctx)
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.ws = ws
	s.closed = false
	s.cancel = cancel
	s.mu.Unlock()

	s.handler.HandleConnected(0)
	go s.run(ctx)
	return nil
}

func (s *Socket) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.opts.Tokens != nil {
		token, err := s.opts.Tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("credential: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}
	return ws, nil
}

// Send writes a frame. Gorilla permits one concurrent writer, so writes are
// serialized under the socket mutex.
func (s *Socket) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil || s.closed {
		return errors.New("socket not connected")
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close tears down the connection and stops the reconnect loop.
func (s *Socket) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		return ws.Close()
	}
	return nil
}

// run reads frames until the connection drops, then reconnects with linear
// backoff up to the retry budget.
func (s *Socket) run(ctx context.Context) {
	for {
		err := s.readLoop()
		if ctx.Err() != nil || s.isClosed() {
			return
		}
		s.handler.HandleDisconnected(err, false)

		if !s.reconnect(ctx, err) {
			return
		}
	}
}

func (s *Socket) readLoop() error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return errors.New("socket not connected")
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		f, err := wire.Decode(data)
		if err != nil {
			// Unknown or malformed frames are skipped, never fatal.
			s.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		s.handler.HandleFrame(f)
	}
}

func (s *Socket) reconnect(ctx context.Context, cause error) bool {
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		select {
		case <-time.After(time.Duration(attempt) * s.opts.Backoff):
		case <-ctx.Done():
			return false
		}
		if s.isClosed() {
			return false
		}

		ws, err := s.dialOnce(ctx)
		if err != nil {
			s.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.ws = ws
		s.mu.Unlock()
		s.handler.HandleConnected(attempt)
		return true
	}

	s.handler.HandleDisconnected(fmt.Errorf("retries exhausted: %w", cause), true)
	return false
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
