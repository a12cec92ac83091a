// Package conversation wires the socket session, room membership, stream
// accumulation, transaction reconciliation and turn control into one
// conversation view at a time.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/lunark-client/internal/config"
	"github.com/zhouzirui/lunark-client/internal/metrics"
	"github.com/zhouzirui/lunark-client/internal/model/chat"
	chatsvc "github.com/zhouzirui/lunark-client/internal/service/chat"
	"github.com/zhouzirui/lunark-client/internal/service/identity"
	"github.com/zhouzirui/lunark-client/internal/service/reconcile"
	"github.com/zhouzirui/lunark-client/internal/service/room"
	"github.com/zhouzirui/lunark-client/internal/service/socket"
	"github.com/zhouzirui/lunark-client/internal/service/stream"
	"github.com/zhouzirui/lunark-client/internal/service/turn"
	"github.com/zhouzirui/lunark-client/internal/service/wallet"
	"github.com/zhouzirui/lunark-client/pkg/logger"
)

var (
	ErrNoConversation = errors.New("conversation: no conversation open")
	ErrNotOpen        = errors.New("conversation: conversation is not the open one")
	ErrSignedOut      = errors.New("conversation: signed out")
	ErrClosed         = errors.New("conversation: manager closed")
)

// Session is the socket session as used by the manager and the components
// it builds.
type Session interface {
	room.Connection
	StartStream() error
	AbortStream(chatID string) error
	Reauthenticate() error
	Close() error
	Shutdown()
	State() chat.ConnState
	ReconnectAttempts() int
}

// Deps 会话编排器依赖
type Deps struct {
	Session  Session
	Backend  turn.Backend
	Identity *identity.Store
	Store    *chatsvc.Store
	Wallet   wallet.Switcher
	Metrics  *metrics.Collector
}

// View is the open conversation.
type View struct {
	ID    string
	State *stream.State
	Acc   *stream.Accumulator
	Turn  *turn.Controller
}

// Status summarises the session for callers.
type Status struct {
	Connection        chat.ConnState `json:"connection"`
	Room              string         `json:"room,omitempty"`
	DesiredRoom       string         `json:"desiredRoom,omitempty"`
	ReconnectAttempts int            `json:"reconnectAttempts"`
	ChatID            string         `json:"chatId,omitempty"`
}

// Manager routes socket events to the open view.
type Manager struct {
	deps       Deps
	cfg        config.ChatConfig
	rooms      *room.Tracker
	reconciler *reconcile.Reconciler
	log        *logrus.Entry

	// openMu serialises Open, UpdateIdentity, SignOut and Close.
	openMu sync.Mutex

	mu     sync.Mutex
	view   *View
	queued map[string]string
	offs   []func()
	closed bool
}

// New subscribes to the session once; the handlers follow whichever view is
// open at the time an event arrives.
func New(deps Deps, cfg config.ChatConfig) *Manager {
	m := &Manager{
		deps:  deps,
		cfg:   cfg,
		rooms: room.New(deps.Session, deps.Identity, deps.Metrics),
		reconciler: reconcile.New(deps.Store, deps.Identity, reconcile.Options{
			Schedule:   cfg.RetrySchedule,
			ClearAfter: cfg.PendingClearAfter,
			Metrics:    deps.Metrics,
		}),
		log:    logger.WithComponent("conversation"),
		queued: make(map[string]string),
	}

	s := deps.Session
	m.offs = []func(){
		s.On(socket.EventStreamResponse, m.onStreamResponse),
		s.On(socket.EventStreamEnd, m.onStreamEnd),
		s.On(socket.EventStreamStatus, m.onStreamStatus),
		s.On(socket.EventPendingTransaction, m.onPendingTransaction),
		s.On(socket.EventNetworkSwitch, m.onNetworkSwitch),
		s.On(socket.EventError, m.onError),
		s.On(socket.EventConnectError, m.onConnectError),
	}
	return m
}

// Connect establishes the session for the current identity.
func (m *Manager) Connect(ctx context.Context) error {
	return m.deps.Session.Connect(ctx)
}

// Open makes chatID the open conversation. Switching leaves the previous
// room, cancels its reconciliation timers and resets its stream state
// before joining the new room and loading its history.
func (m *Manager) Open(ctx context.Context, chatID string) (*View, error) {
	if chatID == "" {
		return nil, room.ErrEmptyRoom
	}

	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if !m.deps.Identity.Current().Valid() {
		m.mu.Unlock()
		return nil, ErrSignedOut
	}
	prev := m.view
	if prev != nil && prev.ID == chatID {
		m.mu.Unlock()
		return prev, nil
	}
	m.view = nil
	m.mu.Unlock()

	if prev != nil {
		m.closeView(prev, true)
	}
	m.reconciler.SetConversation(chatID)

	v := m.newView(chatID)
	m.mu.Lock()
	m.view = v
	m.mu.Unlock()
	m.log.WithField("chat", chatID).Info("conversation opened")

	if err := m.rooms.Join(ctx, chatID); err != nil {
		// the view stays usable without live updates
		m.log.WithError(err).WithField("chat", chatID).Warn("join failed")
	}

	if err := v.Turn.LoadHistory(ctx); err != nil {
		if errors.Is(err, turn.ErrForeignConversation) {
			m.mu.Lock()
			if m.view == v {
				m.view = nil
			}
			m.mu.Unlock()
			m.reconciler.SetConversation("")
			m.closeView(v, true)
			return nil, err
		}
		m.log.WithError(err).WithField("chat", chatID).Warn("history load failed")
	}

	m.submitQueued(ctx, v)
	return v, nil
}

func (m *Manager) newView(chatID string) *View {
	state := stream.NewState(m.cfg.DefaultStatus)
	return &View{
		ID:    chatID,
		State: state,
		Acc: stream.NewAccumulator(chatID, m.deps.Store, state, stream.Options{
			FrameDelay: m.cfg.EndFrameDelay,
			Metrics:    m.deps.Metrics,
		}),
		Turn: turn.New(chatID, turn.Deps{
			Timeline: m.deps.Store,
			Conn:     m.deps.Session,
			Backend:  m.deps.Backend,
			Identity: m.deps.Identity,
			State:    state,
			Metrics:  m.deps.Metrics,
		}, turn.Options{StaleAfter: m.cfg.StaleTurnAfter}),
	}
}

// detachLocked closes the open view and cancels its reconciliation. With
// forget the view's timeline is dropped as well. Caller holds openMu.
func (m *Manager) detachLocked(forget bool) {
	m.mu.Lock()
	v := m.view
	m.view = nil
	m.mu.Unlock()

	m.reconciler.SetConversation("")
	if v == nil {
		return
	}
	m.closeView(v, true)
	if forget {
		m.deps.Store.Forget(v.ID)
	}
}

// signOutLocked drops the view and the connection but keeps every listener,
// so a later UpdateIdentity and Open bring the session back.
func (m *Manager) signOutLocked() {
	m.detachLocked(true)
	if err := m.deps.Session.Close(); err != nil {
		m.log.WithError(err).Debug("close session")
	}
}

func (m *Manager) closeView(v *View, leave bool) {
	if leave {
		m.rooms.Leave()
	}
	v.Turn.Close()
	v.Acc.Stop()
	v.State.Reset()
	m.log.WithField("chat", v.ID).Debug("conversation closed")
}

// QueueInitialMessage stores text to be submitted automatically the first
// time chatID is opened with an empty timeline.
func (m *Manager) QueueInitialMessage(chatID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[chatID] = text
}

func (m *Manager) submitQueued(ctx context.Context, v *View) {
	m.mu.Lock()
	text, ok := m.queued[v.ID]
	m.mu.Unlock()
	if !ok {
		return
	}

	id := m.deps.Identity.Current()
	if m.deps.Store.Len(v.ID) > 0 || !id.Valid() || id.ChainID == 0 || !m.deps.Session.Connected() {
		return
	}

	m.mu.Lock()
	delete(m.queued, v.ID)
	m.mu.Unlock()

	if err := v.Turn.Submit(ctx, text); err != nil {
		m.log.WithError(err).WithField("chat", v.ID).Warn("initial message not submitted")
	}
}

// View returns the open view.
func (m *Manager) View() (*View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view, m.view != nil
}

// ViewFor returns the open view if it is chatID.
func (m *Manager) ViewFor(chatID string) (*View, error) {
	v, ok := m.View()
	if !ok {
		return nil, ErrNoConversation
	}
	if v.ID != chatID {
		return nil, ErrNotOpen
	}
	return v, nil
}

// Pending returns the pending transaction of the open conversation.
func (m *Manager) Pending() (chat.PendingTransaction, bool) {
	return m.reconciler.Pending()
}

// ClearPending drops the pending transaction after user action.
func (m *Manager) ClearPending() {
	m.reconciler.Clear()
}

// Status reports connection and membership.
func (m *Manager) Status() Status {
	st := Status{
		Connection:        m.deps.Session.State(),
		Room:              m.rooms.Current(),
		DesiredRoom:       m.rooms.Desired(),
		ReconnectAttempts: m.deps.Session.ReconnectAttempts(),
	}
	if v, ok := m.View(); ok {
		st.ChatID = v.ID
	}
	return st
}

// UpdateIdentity applies new credentials. An identity without a token tears
// the session down. A different user closes the open view before
// reconnecting; a new token only reconnects. A new wallet address only needs
// re-authentication.
func (m *Manager) UpdateIdentity(ctx context.Context, next chat.Identity) error {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	prev := m.deps.Identity.Set(next)
	if !next.Valid() {
		m.log.Info("identity removed, signing out")
		m.signOutLocked()
		return socket.ErrAuthentication
	}

	if prev.UserID != next.UserID {
		// 上一个用户的会话与时间线不属于新用户
		m.detachLocked(true)
	}
	if prev.UserID != next.UserID || prev.SessionToken != next.SessionToken {
		m.log.Info("identity changed, reconnecting")
		return m.deps.Session.Connect(ctx)
	}
	if prev.NormalizedAddress() != next.NormalizedAddress() && m.deps.Session.Connected() {
		m.log.WithField("address", next.NormalizedAddress()).Info("wallet address changed, re-authenticating")
		return m.deps.Session.Reauthenticate()
	}
	return nil
}

// Close tears the manager down for good: the view is closed and every
// listener is removed before the session disconnects.
func (m *Manager) Close() {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	offs := m.offs
	m.offs = nil
	m.mu.Unlock()

	m.detachLocked(false)
	m.reconciler.Close()
	for _, off := range offs {
		off()
	}
	m.rooms.Close()
	m.deps.Session.Shutdown()
	m.log.Info("conversation manager closed")
}

// SignOut closes the view, leaves its room, cancels reconciliation, drops the
// connection and clears the identity. The manager stays usable: a new
// identity through UpdateIdentity reconnects and Open works again.
func (m *Manager) SignOut() {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	m.signOutLocked()
	m.deps.Identity.Clear()
	m.log.Info("signed out")
}

func (m *Manager) current() *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

func (m *Manager) onStreamResponse(data json.RawMessage) {
	var resp chat.StreamResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		m.log.WithError(err).Warn("malformed streamResponse")
		return
	}
	if v := m.current(); v != nil {
		v.Acc.Apply(resp)
	}
}

func (m *Manager) onStreamEnd(json.RawMessage) {
	if v := m.current(); v != nil {
		v.Acc.End()
	}
}

func (m *Manager) onStreamStatus(data json.RawMessage) {
	var st chat.StreamStatus
	if err := json.Unmarshal(data, &st); err != nil {
		m.log.WithError(err).Warn("malformed streamStatus")
		return
	}
	if v := m.current(); v != nil {
		v.Acc.Status(st)
	}
}

func (m *Manager) onPendingTransaction(data json.RawMessage) {
	var tx chat.PendingTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		m.log.WithError(err).Warn("malformed pendingTransaction")
		return
	}
	m.reconciler.OnPendingTransaction(tx)
}

func (m *Manager) onNetworkSwitch(data json.RawMessage) {
	if m.deps.Wallet == nil {
		return
	}
	var network chat.Network
	if err := json.Unmarshal(data, &network); err != nil {
		m.log.WithError(err).Warn("malformed networkSwitch")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.deps.Wallet.SwitchNetwork(ctx, network); err != nil {
		m.log.WithError(err).WithField("chainId", network.ChainID).Warn("network switch failed")
	}
}

func (m *Manager) onError(data json.RawMessage) {
	m.log.WithField("payload", string(data)).Warn("socket error")
}

func (m *Manager) onConnectError(data json.RawMessage) {
	m.log.WithField("payload", string(data)).Debug("socket connect error")
}
