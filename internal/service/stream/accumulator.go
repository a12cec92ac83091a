package stream

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/lunark-client/internal/metrics"
	"github.com/zhouzirui/lunark-client/internal/model/chat"
	chatsvc "github.com/zhouzirui/lunark-client/internal/service/chat"
	"github.com/zhouzirui/lunark-client/pkg/logger"
)

// DefaultFrameDelay is roughly one display frame.
const DefaultFrameDelay = 16 * time.Millisecond

// Timeline is where snapshots are folded into.
type Timeline interface {
	ApplySnapshot(msg chat.Message) (chatsvc.ApplyResult, error)
}

// Options 流式合并选项
type Options struct {
	FrameDelay time.Duration // streamEnd 生效前的延迟
	Metrics    *metrics.Collector
	Logger     *logrus.Entry
}

// Accumulator applies streamResponse snapshots of one conversation in
// arrival order. Each snapshot carries the full current text, so applying
// one is a replace, never an append.
type Accumulator struct {
	conversationID string
	timeline       Timeline
	state          *State
	frameDelay     time.Duration
	metrics        *metrics.Collector
	log            *logrus.Entry
	now            func() time.Time

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewAccumulator binds an accumulator to a conversation and its state.
func NewAccumulator(conversationID string, timeline Timeline, state *State, opts Options) *Accumulator {
	if opts.FrameDelay < 0 {
		opts.FrameDelay = 0
	}
	log := opts.Logger
	if log == nil {
		log = logger.WithComponent("stream")
	}
	return &Accumulator{
		conversationID: conversationID,
		timeline:       timeline,
		state:          state,
		frameDelay:     opts.FrameDelay,
		metrics:        opts.Metrics,
		log:            log.WithField("chat", conversationID),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Apply folds one snapshot into the timeline. It reports whether the
// timeline changed.
func (a *Accumulator) Apply(resp chat.StreamResponse) bool {
	if resp.ChatID != "" && resp.ChatID != a.conversationID {
		a.metrics.Snapshot("foreign")
		a.log.WithField("target", resp.ChatID).Debug("dropping snapshot for another conversation")
		return false
	}
	if resp.Blank() {
		a.metrics.Snapshot("blank")
		return false
	}

	msg := resp.ToMessage(a.now())
	msg.ConversationID = a.conversationID
	if resp.Role == "" {
		msg.Role = chat.RoleAssistant
	}

	result, err := a.timeline.ApplySnapshot(msg)
	if err != nil {
		a.metrics.Snapshot("error")
		a.log.WithError(err).Warn("failed to apply snapshot")
		return false
	}

	switch result {
	case chatsvc.Created:
		a.metrics.Snapshot("created")
	case chatsvc.Updated:
		a.metrics.Snapshot("updated")
	default:
		return false
	}

	if msg.Role == chat.RoleAssistant && !a.state.MarkStreaming() {
		a.log.WithField("message", msg.ID).Debug("snapshot after local cancel, stream state untouched")
	}
	return true
}

// End schedules the return to idle one frame later. A new turn or a cancel
// in the meantime turns it into a no-op.
func (a *Accumulator) End() {
	epoch := a.state.Epoch()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.frameDelay == 0 {
		a.timer = nil
		a.finish(epoch)
		return
	}
	a.timer = time.AfterFunc(a.frameDelay, func() { a.finish(epoch) })
}

func (a *Accumulator) finish(epoch uint64) {
	if a.state.FinishIfEpoch(epoch) {
		a.log.Debug("stream ended")
		return
	}
	a.log.Debug("stale stream end ignored")
}

// Status updates the progress text.
func (a *Accumulator) Status(status chat.StreamStatus) {
	a.state.SetStatus(status.Status)
}

// Stop cancels a pending deferred end. Later calls to End do nothing.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
