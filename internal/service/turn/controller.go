// Package turn drives one conversation's submit → stream → end cycle,
// including local cancellation and the stale-turn display heuristic.
package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/lunark-client/internal/api"
	"github.com/zhouzirui/lunark-client/internal/metrics"
	"github.com/zhouzirui/lunark-client/internal/model/chat"
	"github.com/zhouzirui/lunark-client/internal/service/stream"
	"github.com/zhouzirui/lunark-client/pkg/logger"
)

var (
	ErrEmptyMessage        = errors.New("turn: message is empty")
	ErrNoNetwork           = errors.New("turn: no active network")
	ErrNotConnected        = errors.New("turn: not connected")
	ErrTurnInFlight        = errors.New("turn: a turn is already in flight")
	ErrHistoryInFlight     = errors.New("turn: history request already in flight")
	ErrForeignConversation = errors.New("turn: conversation belongs to another user")
	ErrClosed              = errors.New("turn: controller closed")
)

// FallbackReason is shown when the backend rejects a turn without saying why.
const FallbackReason = "Failed to send message"

// SubmissionError is a turn the backend rejected. The optimistic message has
// already been rolled back when it is returned.
type SubmissionError struct {
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string { return e.Reason }
func (e *SubmissionError) Unwrap() error { return e.Err }

func newSubmissionError(err error) *SubmissionError {
	reason := FallbackReason
	var apiErr *api.Error
	if errors.As(err, &apiErr) && strings.TrimSpace(apiErr.Message) != "" {
		reason = apiErr.Message
	}
	return &SubmissionError{Reason: reason, Err: err}
}

// Phase is the controller's view of the turn.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseUserSubmitted Phase = "userSubmitted"
	PhaseStreaming     Phase = "streaming"
	PhaseCancelling    Phase = "cancelling"
)

// Timeline is the part of the message store the controller writes.
type Timeline interface {
	Append(msg chat.Message) error
	Remove(conversationID, messageID string) bool
	Replace(conversationID string, messages []chat.Message) error
	Messages(conversationID string) []chat.Message
}

// Connection carries the stream control events.
type Connection interface {
	Connected() bool
	StartStream() error
	AbortStream(chatID string) error
}

// Backend is the request/response channel.
type Backend interface {
	PostMessage(ctx context.Context, req api.PostMessageRequest) error
	FetchHistory(ctx context.Context, chatID string) (api.History, error)
}

// IdentitySource yields the user and the active chain.
type IdentitySource interface {
	Current() chat.Identity
}

// Deps 控制器依赖
type Deps struct {
	Timeline Timeline
	Conn     Connection
	Backend  Backend
	Identity IdentitySource
	State    *stream.State
	Metrics  *metrics.Collector
}

// Options 控制器策略
type Options struct {
	StaleAfter time.Duration // 用户消息超过该时长未获回复时不再显示加载状态
	Logger     *logrus.Entry
}

// Controller owns the turn lifecycle of a single conversation view.
type Controller struct {
	conversationID string
	deps           Deps
	staleAfter     time.Duration
	log            *logrus.Entry
	now            func() time.Time

	mu              sync.Mutex
	submitting      bool
	cancelling      bool
	draft           string
	historyInFlight bool
	historyLoaded   bool
	cancelHistory   context.CancelFunc
	closed          bool
}

// New 创建会话级回合控制器
func New(conversationID string, deps Deps, opts Options) *Controller {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = logger.WithComponent("turn")
	}
	return &Controller{
		conversationID: conversationID,
		deps:           deps,
		staleAfter:     opts.StaleAfter,
		log:            log.WithField("chat", conversationID),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// ConversationID returns the conversation this controller drives.
func (c *Controller) ConversationID() string { return c.conversationID }

// Submit starts a turn with text. On acceptance the optimistic user message
// is appended, the draft cleared and a stream start announced before the
// message is posted. A backend rejection undoes all of that and returns a
// *SubmissionError.
func (c *Controller) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	id := c.deps.Identity.Current()
	if id.ChainID == 0 {
		return ErrNoNetwork
	}
	if !c.deps.Conn.Connected() {
		return ErrNotConnected
	}

	now := c.now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.submitting || c.deps.State.Phase() == chat.StreamStreaming || c.loadingLocked(now) {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	c.submitting = true
	c.draft = ""
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
	}()

	msg := chat.Message{
		ID:             chat.NewTempID(),
		ConversationID: c.conversationID,
		Role:           chat.RoleUser,
		Content:        text,
		UserID:         id.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.deps.Timeline.Append(msg); err != nil {
		return err
	}
	c.deps.State.Begin()

	if err := c.deps.Conn.StartStream(); err != nil {
		c.log.WithError(err).Warn("streamStart not delivered")
	}

	err := c.deps.Backend.PostMessage(ctx, api.PostMessageRequest{
		ChatID:  c.conversationID,
		Content: text,
		ChainID: id.ChainID,
		UserID:  id.UserID,
	})
	if err != nil {
		c.deps.Timeline.Remove(c.conversationID, msg.ID)
		c.deps.State.Reset()
		c.deps.Metrics.Turn("rejected")
		subErr := newSubmissionError(err)
		c.log.WithError(err).WithField("reason", subErr.Reason).Warn("turn rejected, optimistic message rolled back")
		return subErr
	}

	c.deps.Metrics.Turn("submitted")
	c.log.WithField("message", msg.ID).Debug("turn submitted")
	return nil
}

// Cancel aborts a streaming turn. Local state goes idle right away without
// waiting for the backend. It reports whether anything was cancelled.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	if c.deps.State.Phase() != chat.StreamStreaming || c.cancelling {
		c.mu.Unlock()
		return false
	}
	c.cancelling = true
	c.mu.Unlock()

	if err := c.deps.Conn.AbortStream(c.conversationID); err != nil {
		c.log.WithError(err).Debug("streamAbort not delivered")
	}
	c.deps.State.Cancel()

	c.mu.Lock()
	c.cancelling = false
	c.mu.Unlock()

	c.deps.Metrics.Turn("cancelled")
	c.log.Info("turn cancelled")
	return true
}

// Phase maps the stream state and the controller's own flags to a phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelling {
		return PhaseCancelling
	}
	switch c.deps.State.Phase() {
	case chat.StreamStreaming:
		return PhaseStreaming
	case chat.StreamAwaitingFirstToken:
		return PhaseUserSubmitted
	}
	if c.submitting {
		return PhaseUserSubmitted
	}
	return PhaseIdle
}

// Loading reports whether a loading indicator should show at now. An
// unanswered user message older than the stale threshold counts as an
// abandoned turn and shows nothing.
func (c *Controller) Loading(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadingLocked(now)
}

func (c *Controller) loadingLocked(now time.Time) bool {
	if c.submitting {
		return true
	}
	phase := c.deps.State.Phase()
	if phase == chat.StreamStreaming {
		return true
	}

	msgs := c.deps.Timeline.Messages(c.conversationID)
	if n := len(msgs); n > 0 && msgs[n-1].Role == chat.RoleUser {
		if n == 1 || msgs[n-2].Role == chat.RoleAssistant {
			return now.Sub(msgs[n-1].CreatedAt) < c.staleAfter
		}
	}
	return phase == chat.StreamAwaitingFirstToken
}

// Draft returns the unsent input.
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SetDraft stores unsent input.
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = text
}

// LoadHistory fetches the conversation once per view. A second call while
// the first is running fails with ErrHistoryInFlight; after a successful
// load it does nothing.
func (c *Controller) LoadHistory(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.historyInFlight {
		c.mu.Unlock()
		return ErrHistoryInFlight
	}
	if c.historyLoaded {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.historyInFlight = true
	c.cancelHistory = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.historyInFlight = false
		c.cancelHistory = nil
		c.mu.Unlock()
	}()

	history, err := c.deps.Backend.FetchHistory(ctx, c.conversationID)
	if err != nil {
		return err
	}
	if history.UserID != c.deps.Identity.Current().UserID {
		c.log.WithField("owner", history.UserID).Warn("conversation belongs to another user")
		return ErrForeignConversation
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := c.deps.Timeline.Replace(c.conversationID, history.Messages); err != nil {
		return err
	}

	c.mu.Lock()
	c.historyLoaded = true
	c.mu.Unlock()
	c.log.WithField("messages", len(history.Messages)).Info("history loaded")
	return nil
}

// HistoryLoaded reports whether the initial history is in the timeline.
func (c *Controller) HistoryLoaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyLoaded
}

// Close tears down the request state of the view.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancelHistory != nil {
		c.cancelHistory()
		c.cancelHistory = nil
	}
}
