// Package sockettest runs an in-process assistant backend that speaks the
// named-event websocket protocol, for tests.
package sockettest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one event received from a client.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type peer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peer) send(frame []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

// Server is a fake backend. By default it acknowledges authenticate with
// authenticated and joinChat with joinedChat.
type Server struct {
	URL string

	srv      *httptest.Server
	upgrader websocket.Upgrader
	reject   atomic.Bool
	autoAck  atomic.Bool
	accepted atomic.Int32
	dials    atomic.Int32

	mu       sync.Mutex
	peers    []*peer
	received []Frame
	headers  []http.Header
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.autoAck.Store(true)
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	t.Cleanup(s.Close)
	return s
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

// Reject makes subsequent handshakes fail with 503.
func (s *Server) Reject(on bool) { s.reject.Store(on) }

// AutoAck toggles automatic acknowledgements.
func (s *Server) AutoAck(on bool) { s.autoAck.Store(on) }

// Accepted is the number of upgraded connections so far.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

// Dials is the number of handshake attempts so far, rejected ones included.
func (s *Server) Dials() int { return int(s.dials.Load()) }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if s.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.accepted.Add(1)

	p := &peer{conn: conn}
	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	defer s.remove(p)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, f)
		s.mu.Unlock()

		if s.autoAck.Load() {
			s.ack(p, f)
		}
	}
}

func (s *Server) ack(p *peer, f Frame) {
	switch f.Event {
	case "authenticate":
		_ = p.send(mustFrame("authenticated", json.RawMessage(f.Data)))
	case "joinChat":
		var req struct {
			ChatID string `json:"chatId"`
		}
		_ = json.Unmarshal(f.Data, &req)
		_ = p.send(mustFrame("joinedChat", map[string]string{"chatId": req.ChatID}))
	}
}

func (s *Server) remove(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.peers {
		if candidate == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			return
		}
	}
}

// Push sends an event to every connected client.
func (s *Server) Push(event string, payload any) error {
	frame := mustFrame(event, payload)
	s.mu.Lock()
	peers := append([]*peer(nil), s.peers...)
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.send(frame); err != nil {
			return err
		}
	}
	return nil
}

// DropAll closes every connection abruptly, without a close frame.
func (s *Server) DropAll() {
	s.mu.Lock()
	peers := append([]*peer(nil), s.peers...)
	s.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
}

// CloseAll sends a close frame with code to every client.
func (s *Server) CloseAll(code int) {
	s.mu.Lock()
	peers := append([]*peer(nil), s.peers...)
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		p.conn.Close()
	}
}

// Received returns every frame received so far.
func (s *Server) Received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.received...)
}

// Count returns how many frames named event were received.
func (s *Server) Count(event string) int {
	n := 0
	for _, f := range s.Received() {
		if f.Event == event {
			n++
		}
	}
	return n
}

// Last returns the most recent frame named event.
func (s *Server) Last(event string) (Frame, bool) {
	frames := s.Received()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return frames[i], true
		}
	}
	return Frame{}, false
}

// Headers returns the handshake headers of every accepted connection.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

func mustFrame(event string, payload any) []byte {
	f := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		f.Data = data
	}
	out, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	return out
}
