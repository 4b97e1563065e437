package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"convo/internal/identity"
	"convo/internal/wire"
)

type recordingHandler struct {
	frames     chan wire.Frame
	connected  chan int
	disconnect chan bool // terminal flag
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		frames:     make(chan wire.Frame, 16),
		connected:  make(chan int, 16),
		disconnect: make(chan bool, 16),
	}
}

func (h *recordingHandler) HandleFrame(f wire.Frame)    { h.frames <- f }
func (h *recordingHandler) HandleConnected(attempt int) { h.connected <- attempt }
func (h *recordingHandler) HandleDisconnected(_ error, terminal bool) {
	h.disconnect <- terminal
}

// wsServer upgrades connections, records the auth header, echoes one frame
// to the client and stores whatever the client sends.
type wsServer struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	auth     []string
	received [][]byte
	conns    []*websocket.Conn
	greet    []byte
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, ws)
	greet := s.greet
	s.mu.Unlock()

	if greet != nil {
		_ = ws.WriteMessage(websocket.TextMessage, greet)
	}

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, data)
			s.mu.Unlock()
		}
	}()
}

func (s *wsServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialSendReceive(t *testing.T) {
	greet, _ := wire.Encode(wire.EvtJoined, nil)
	server := &wsServer{greet: greet}
	srv := httptest.NewServer(server)
	defer srv.Close()

	h := newRecordingHandler()
	s := NewSocket(Options{
		URL:        wsURL(srv),
		Tokens:     identity.NewStaticTokenSource("tok"),
		MaxRetries: 1,
		Backoff:    10 * time.Millisecond,
	}, h, zap.NewNop())
	defer func() { _ = s.Close() }()

	if err := s.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	select {
	case attempt := <-h.connected:
		if attempt != 0 {
			t.Errorf("attempt = %d, want 0 for first connect", attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for HandleConnected")
	}

	select {
	case f := <-h.frames:
		if f.Event != wire.EvtJoined {
			t.Errorf("frame event = %q, want joined", f.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for greeting frame")
	}

	frame, _ := wire.Encode(wire.EvtTyping, wire.Typing{ConversationID: "c1", UserID: "A"})
	if err := s.Send(frame); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		server.mu.Lock()
		n := len(server.received)
		server.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never received the frame")
		}
		time.Sleep(10 * time.Millisecond)
	}

	server.mu.Lock()
	auth := server.auth[0]
	server.mu.Unlock()
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q, want Bearer tok", auth)
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	server := &wsServer{}
	srv := httptest.NewServer(server)
	defer srv.Close()

	h := newRecordingHandler()
	s := NewSocket(Options{
		URL:        wsURL(srv),
		Tokens:     identity.NewStaticTokenSource("tok"),
		MaxRetries: 5,
		Backoff:    10 * time.Millisecond,
	}, h, zap.NewNop())
	defer func() { _ = s.Close() }()

	if err := s.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	<-h.connected

	server.dropConnections()

	select {
	case terminal := <-h.disconnect:
		if terminal {
			t.Fatal("first drop should not be terminal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for HandleDisconnected")
	}

	select {
	case attempt := <-h.connected:
		if attempt < 1 {
			t.Errorf("attempt = %d, want >= 1 for reconnect", attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reconnect")
	}
}

// A second Dial replaces the first stream: the old connection closes and
// its read loop stops, so a later server-side drop produces a single
// disconnect callback instead of one per stale loop.
func TestRedialReplacesPreviousStream(t *testing.T) {
	server := &wsServer{}
	srv := httptest.NewServer(server)
	defer srv.Close()

	h := newRecordingHandler()
	s := NewSocket(Options{
		URL:        wsURL(srv),
		Tokens:     identity.NewStaticTokenSource("tok"),
		MaxRetries: 3,
		Backoff:    10 * time.Millisecond,
	}, h, zap.NewNop())
	defer func() { _ = s.Close() }()

	if err := s.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	<-h.connected

	if err := s.Dial(context.Background()); err != nil {
		t.Fatalf("second Dial() error = %v", err)
	}
	<-h.connected

	// The replaced read loop must not report its connection being closed.
	select {
	case <-h.disconnect:
		t.Fatal("old read loop reported a disconnect after being replaced")
	case <-time.After(200 * time.Millisecond):
	}

	server.dropConnections()

	select {
	case terminal := <-h.disconnect:
		if terminal {
			t.Fatal("drop should not be terminal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for HandleDisconnected")
	}
	select {
	case <-h.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reconnect")
	}

	select {
	case <-h.disconnect:
		t.Fatal("duplicate disconnect callback, more than one live read loop")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRetriesExhaustedIsTerminal(t *testing.T) {
	server := &wsServer{}
	srv := httptest.NewServer(server)

	h := newRecordingHandler()
	s := NewSocket(Options{
		URL:        wsURL(srv),
		Tokens:     identity.NewStaticTokenSource("tok"),
		MaxRetries: 2,
		Backoff:    10 * time.Millisecond,
	}, h, zap.NewNop())
	defer func() { _ = s.Close() }()

	if err := s.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	<-h.connected

	// Kill the server entirely so every reconnect attempt fails. Hijacked
	// (upgraded) connections are untracked by httptest, so they must be
	// closed explicitly after the listener shuts down.
	srv.CloseClientConnections()
	srv.Close()
	server.dropConnections()

	sawTerminal := false
	deadline := time.After(5 * time.Second)
	for !sawTerminal {
		select {
		case terminal := <-h.disconnect:
			sawTerminal = terminal
		case <-deadline:
			t.Fatal("timeout waiting for terminal disconnect")
		}
	}
}

func TestDialFailureSurfaced(t *testing.T) {
	h := newRecordingHandler()
	s := NewSocket(Options{
		URL:        "ws://127.0.0.1:1/ws",
		Tokens:     identity.NewStaticTokenSource("tok"),
		MaxRetries: 1,
		Backoff:    time.Millisecond,
	}, h, zap.NewNop())

	if err := s.Dial(context.Background()); err == nil {
		t.Fatal("Dial() to dead endpoint should error")
	}
}

func TestSendWhileClosed(t *testing.T) {
	s := NewSocket(Options{URL: "ws://x/ws"}, newRecordingHandler(), zap.NewNop())
	if err := s.Send([]byte("{}")); err == nil {
		t.Error("Send() before Dial should error")
	}
}
