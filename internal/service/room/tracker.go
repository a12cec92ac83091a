// Package room tracks membership of the conversation-scoped channel on top of
// the shared socket session. Membership and transport have independent
// lifecycles: leaving a room never closes the connection.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/lunark-client/internal/metrics"
	"github.com/zhouzirui/lunark-client/internal/model/chat"
	"github.com/zhouzirui/lunark-client/internal/service/socket"
	"github.com/zhouzirui/lunark-client/pkg/logger"
)

// ErrEmptyRoom is returned by Join for a blank room id.
var ErrEmptyRoom = errors.New("room: empty room id")

// Connection is the part of the socket session the tracker needs.
type Connection interface {
	Connect(ctx context.Context) error
	Connected() bool
	Emit(event string, payload any) error
	On(event string, fn socket.Handler) func()
}

// Tracker holds at most one room lease for the session.
type Tracker struct {
	conn     Connection
	identity socket.IdentitySource
	log      *logrus.Entry
	metrics  *metrics.Collector

	// joinMu serialises Join and Leave; mu guards the fields below and is
	// also taken from socket listeners.
	joinMu sync.Mutex

	mu        sync.Mutex
	desired   string
	requested string
	joined    string
	offs      []func()
}

// New subscribes the tracker to the connection's lifecycle events.
func New(conn Connection, identity socket.IdentitySource, m *metrics.Collector) *Tracker {
	t := &Tracker{
		conn:     conn,
		identity: identity,
		log:      logger.WithComponent("room"),
		metrics:  m,
	}
	t.offs = []func(){
		conn.On(socket.EventConnect, t.onConnect),
		conn.On(socket.EventJoinedChat, t.onJoined),
		conn.On(socket.EventDisconnect, t.onDisconnect),
	}
	return t
}

// Join requests membership of roomID. Repeated calls for the room already
// requested on the live connection do nothing. Without a live connection it
// connects first and the request goes out once the connection is up.
// Joining another room supersedes the current one.
func (t *Tracker) Join(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrEmptyRoom
	}

	t.joinMu.Lock()
	defer t.joinMu.Unlock()

	connected := t.conn.Connected()

	t.mu.Lock()
	if t.desired == roomID && t.requested == roomID && connected {
		t.mu.Unlock()
		return nil
	}
	if t.desired != roomID {
		t.joined = ""
		t.requested = ""
	}
	t.desired = roomID
	t.mu.Unlock()

	if !connected {
		t.log.WithField("room", roomID).Debug("join deferred until connected")
		// the connect listener emits the pending join
		return t.conn.Connect(ctx)
	}
	return t.request(roomID)
}

// Leave retracts membership with a best-effort leaveChat. The transport
// stays up.
func (t *Tracker) Leave() {
	t.joinMu.Lock()
	defer t.joinMu.Unlock()

	t.mu.Lock()
	room := t.desired
	if room == "" {
		room = t.joined
	}
	t.desired, t.requested, t.joined = "", "", ""
	t.mu.Unlock()

	if room == "" || !t.conn.Connected() {
		return
	}
	if err := t.conn.Emit(socket.EventLeaveChat, chat.LeaveChat{ChatID: room}); err != nil {
		t.log.WithError(err).WithField("room", room).Debug("leaveChat not delivered")
		return
	}
	t.log.WithField("room", room).Info("left room")
}

// Current returns the room acknowledged by the backend, if any.
func (t *Tracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joined
}

// Desired returns the room the tracker is trying to hold.
func (t *Tracker) Desired() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desired
}

// Close unsubscribes from the connection.
func (t *Tracker) Close() {
	t.mu.Lock()
	offs := t.offs
	t.offs = nil
	t.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

func (t *Tracker) request(roomID string) error {
	id := t.identity.Current()

	t.mu.Lock()
	if t.desired != roomID {
		t.mu.Unlock()
		return nil
	}
	t.requested = roomID
	t.mu.Unlock()

	err := t.conn.Emit(socket.EventJoinChat, chat.JoinChat{
		ChatID:       roomID,
		UserID:       id.UserID,
		SessionToken: id.SessionToken,
	})
	if err != nil {
		t.mu.Lock()
		if t.requested == roomID {
			t.requested = ""
		}
		t.mu.Unlock()
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	t.metrics.RoomJoin()
	t.log.WithField("room", roomID).Debug("joinChat sent")
	return nil
}

// onConnect re-requests membership on every new connection.
func (t *Tracker) onConnect(json.RawMessage) {
	t.mu.Lock()
	t.requested = ""
	t.joined = ""
	room := t.desired
	t.mu.Unlock()

	if room == "" {
		return
	}
	if err := t.request(room); err != nil {
		t.log.WithError(err).Warn("rejoin after connect failed")
	}
}

func (t *Tracker) onJoined(data json.RawMessage) {
	var ack chat.JoinedChat
	if err := json.Unmarshal(data, &ack); err != nil {
		t.log.WithError(err).Warn("malformed joinedChat payload")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ack.ChatID != t.desired {
		return
	}
	t.joined = ack.ChatID
	t.log.WithField("room", ack.ChatID).Info("joined room")
}

func (t *Tracker) onDisconnect(json.RawMessage) {
	t.mu.Lock()
	t.requested = ""
	t.joined = ""
	t.mu.Unlock()
}
