package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/lunark-client/internal/metrics"
	"github.com/zhouzirui/lunark-client/internal/model/chat"
	"github.com/zhouzirui/lunark-client/pkg/logger"
)

var allStates = []string{
	string(chat.StateDisconnected),
	string(chat.StateConnecting),
	string(chat.StateConnected),
	string(chat.StateAuthenticated),
}

// Options 连接配置选项
type Options struct {
	URL                  string
	DialTimeout          time.Duration // 握手超时
	MaxReconnectAttempts int           // 每轮连接的最大尝试次数
	ReconnectDelay       time.Duration // 两次尝试之间的最小间隔
	PingInterval         time.Duration // Ping间隔
	ReadTimeout          time.Duration // 读取超时时间，收到 pong 时顺延
	WriteTimeout         time.Duration // 写入超时时间
}

// DefaultOptions 默认连接选项
func DefaultOptions(url string) Options {
	return Options{
		URL:                  url,
		DialTimeout:          5 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       time.Second,
		PingInterval:         25 * time.Second,
		ReadTimeout:          60 * time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions(o.URL)
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if o.ReconnectDelay < 0 {
		o.ReconnectDelay = 0
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	return o
}

// IdentitySource yields the most recently known identity.
type IdentitySource interface {
	Current() chat.Identity
}

// Handler receives the raw payload of an event.
type Handler func(data json.RawMessage)

type listener struct {
	id uint64
	fn Handler
}

// Option customises a Client.
type Option func(*Client)

// WithLogger overrides the component logger.
func WithLogger(entry *logrus.Entry) Option {
	return func(c *Client) { c.log = entry }
}

// WithMetrics records dial and state metrics on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// Client owns the single duplex connection to the assistant backend.
type Client struct {
	opts     Options
	identity IdentitySource
	dialer   *websocket.Dialer
	log      *logrus.Entry
	metrics  *metrics.Collector

	mu              sync.Mutex
	state           chat.ConnState
	conn            *websocket.Conn
	stop            chan struct{}
	gen             uint64
	attempts        int
	cancelReconnect context.CancelFunc

	writeMu sync.Mutex

	lmu       sync.RWMutex
	listeners map[string][]listener
	nextID    uint64
}

// New 创建连接管理器，不会立即建立连接
func New(opts Options, identity IdentitySource, options ...Option) *Client {
	opts = opts.withDefaults()
	c := &Client{
		opts:      opts,
		identity:  identity,
		dialer:    &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		log:       logger.WithComponent("socket"),
		state:     chat.StateDisconnected,
		listeners: make(map[string][]listener),
	}
	for _, opt := range options {
		opt(c)
	}
	c.metrics.ConnState(string(c.state), allStates)
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() chat.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether events can be emitted.
func (c *Client) Connected() bool {
	return c.State().Live()
}

// ReconnectAttempts returns the failed attempts of the current connect round.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect tears down any existing connection and dials a new one with the
// bounded retry budget. Without a valid identity it does nothing and returns
// ErrAuthentication.
func (c *Client) Connect(ctx context.Context) error {
	if !c.identity.Current().Valid() {
		c.log.Debug("connect skipped: no valid identity")
		return ErrAuthentication
	}

	gen := c.teardown(true)
	c.setState(chat.StateConnecting)
	return c.dialWithRetry(ctx, gen)
}

// Close disconnects and stops automatic reconnection.
func (c *Client) Close() error {
	c.teardown(true)
	return nil
}

// Shutdown removes every listener before disconnecting so no callback fires
// into a discarded context.
func (c *Client) Shutdown() {
	c.RemoveAllListeners()
	c.teardown(false)
}

// Emit sends a named event to the backend.
func (c *Client) Emit(event string, payload any) error {
	frame, err := encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	live := c.state.Live()
	c.mu.Unlock()
	if conn == nil || !live {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Reauthenticate re-binds the live connection to the current wallet address.
func (c *Client) Reauthenticate() error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.authenticate()
}

// StartStream announces a new assistant turn.
func (c *Client) StartStream() error {
	return c.Emit(EventStreamStart, nil)
}

// AbortStream asks the backend to stop the current turn of chatID. The
// payload-less stopStream goes first; older backends only listen for it.
func (c *Client) AbortStream(chatID string) error {
	if err := c.Emit(EventStopStream, nil); err != nil {
		return err
	}
	return c.Emit(EventStreamAbort, chat.StreamAbort{ChatID: chatID})
}

// On registers fn for event and returns a function that removes it.
func (c *Client) On(event string, fn Handler) func() {
	c.lmu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[event] = append(c.listeners[event], listener{id: id, fn: fn})
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.off(event, id) })
	}
}

func (c *Client) off(event string, id uint64) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	current := c.listeners[event]
	for i, l := range current {
		if l.id == id {
			next := make([]listener, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			c.listeners[event] = next
			return
		}
	}
}

// RemoveAllListeners drops every registered handler.
func (c *Client) RemoveAllListeners() {
	c.lmu.Lock()
	c.listeners = make(map[string][]listener)
	c.lmu.Unlock()
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.lmu.RLock()
	handlers := append([]listener(nil), c.listeners[event]...)
	c.lmu.RUnlock()

	for _, l := range handlers {
		c.invoke(event, l.fn, data)
	}
}

func (c *Client) invoke(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("event", event).Errorf("listener panicked: %v", r)
		}
	}()
	fn(data)
}

func (c *Client) setState(state chat.ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.metrics.ConnState(string(state), allStates)
}

// teardown closes the current connection and invalidates every loop bound
// to it. It returns the new generation.
func (c *Client) teardown(notify bool) uint64 {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	conn := c.conn
	stop := c.stop
	cancel := c.cancelReconnect
	c.conn = nil
	c.stop = nil
	c.cancelReconnect = nil
	c.state = chat.StateDisconnected
	c.mu.Unlock()
	c.metrics.ConnState(string(chat.StateDisconnected), allStates)

	if cancel != nil {
		cancel()
	}
	if stop != nil {
		close(stop)
	}
	if conn == nil {
		return gen
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
	c.log.Info("socket disconnected")

	if notify {
		c.dispatch(EventDisconnect, nil)
	}
	return gen
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// dialWithRetry 带重试的连接建立
func (c *Client) dialWithRetry(ctx context.Context, gen uint64) error {
	limit := rate.Inf
	if c.opts.ReconnectDelay > 0 {
		limit = rate.Every(c.opts.ReconnectDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			c.abandon(gen)
			return err
		}
		if !c.current(gen) {
			return ErrClosed
		}

		err := c.dialOnce(ctx, gen)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}

		lastErr = err
		c.metrics.Dial(false)
		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()
		c.log.WithError(err).WithField("attempt", attempt).Warn("socket dial failed")
		c.dispatch(EventConnectError, errorData(err))

		if ctx.Err() != nil {
			c.abandon(gen)
			return ctx.Err()
		}
	}

	c.abandon(gen)
	c.metrics.ReconnectExhausted()
	c.log.WithField("attempts", c.opts.MaxReconnectAttempts).Error("socket reconnect budget exhausted, staying disconnected")
	return fmt.Errorf("%w: %w", ErrReconnectExhausted, lastErr)
}

func (c *Client) abandon(gen uint64) {
	if c.current(gen) {
		c.setState(chat.StateDisconnected)
	}
}

// dialOnce 建立单次连接并完成身份握手
func (c *Client) dialOnce(ctx context.Context, gen uint64) error {
	id := c.identity.Current()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+id.SessionToken)
	header.Set("X-User-Id", id.UserID)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.opts.URL, header)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	stop := make(chan struct{})
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.stop = stop
	c.attempts = 0
	c.state = chat.StateConnected
	c.mu.Unlock()
	c.metrics.Dial(true)
	c.metrics.ConnState(string(chat.StateConnected), allStates)

	conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return nil
	})

	c.log.WithField("url", c.opts.URL).Info("socket connected")

	// identity may have changed while dialing; authenticate with the newest
	if err := c.authenticate(); err != nil {
		c.log.WithError(err).Warn("authenticate emit failed")
	}
	c.dispatch(EventConnect, nil)

	go c.readLoop(conn, gen)
	go c.pingLoop(conn, stop)
	return nil
}

func (c *Client) authenticate() error {
	address := c.identity.Current().NormalizedAddress()
	if address == "" {
		c.log.Warn("no wallet address available for authentication")
		return nil
	}
	c.log.WithField("address", address).Debug("authenticating socket")
	return c.Emit(EventAuthenticate, chat.Authenticate{Address: address})
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		env, err := decode(frame)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed frame")
			continue
		}

		if env.Event == EventAuthenticated {
			c.mu.Lock()
			owned := c.conn == conn
			c.mu.Unlock()
			if owned {
				c.setState(chat.StateAuthenticated)
				c.log.Info("socket authenticated")
			}
		}
		c.dispatch(env.Event, env.Data)
	}
}

// handleDrop reacts to a connection that failed underneath us. Intentional
// teardowns already replaced c.conn and are ignored here.
func (c *Client) handleDrop(conn *websocket.Conn, gen uint64, readErr error) {
	c.mu.Lock()
	if c.conn != conn || c.gen != gen {
		c.mu.Unlock()
		return
	}
	stop := c.stop
	c.conn = nil
	c.stop = nil
	c.state = chat.StateConnecting
	c.mu.Unlock()
	c.metrics.ConnState(string(chat.StateConnecting), allStates)

	if stop != nil {
		close(stop)
	}
	conn.Close()

	if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.log.WithError(readErr).Warn("socket read error")
	}
	c.dispatch(EventDisconnect, errorData(readErr))

	if !IsRetryableError(readErr) || !c.identity.Current().Valid() {
		c.abandon(gen)
		c.log.WithError(readErr).Info("socket closed by server, not reconnecting")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancelReconnect = cancel
	c.mu.Unlock()
	defer cancel()

	if err := c.dialWithRetry(ctx, gen); err != nil && !errors.Is(err, ErrClosed) {
		c.dispatch(EventError, errorData(err))
	}
}

// pingLoop 定期发送ping消息
func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.log.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}
