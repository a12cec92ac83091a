// Package reconcile attaches out-of-band pending transactions to the
// assistant message that caused them. The message may not exist yet when
// the transaction arrives, so attachment is retried on a fixed schedule and
// given up after a bounded window.
package reconcile

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/lunark-client/internal/config"
	"github.com/zhouzirui/lunark-client/internal/metrics"
	"github.com/zhouzirui/lunark-client/internal/model/chat"
	chatsvc "github.com/zhouzirui/lunark-client/internal/service/chat"
	"github.com/zhouzirui/lunark-client/pkg/logger"
)

// Timeline is the attachment target.
type Timeline interface {
	AttachTransaction(conversationID string, build func(target chat.Message) chat.Transaction) (string, error)
}

// IdentitySource supplies the user id stamped on attached records.
type IdentitySource interface {
	Current() chat.Identity
}

// Options 交易对账策略
type Options struct {
	Schedule   []time.Duration // 首次尝试之后的重试时间点，相对事件到达时刻
	ClearAfter time.Duration   // 挂起槽位的清理时间点
	Metrics    *metrics.Collector
	Logger     *logrus.Entry
}

func (o Options) withDefaults() Options {
	if len(o.Schedule) == 0 {
		o.Schedule = config.DefaultRetrySchedule()
	}
	last := o.Schedule[len(o.Schedule)-1]
	// 清理必须晚于最后一次重试，否则两者同时触发时可能吞掉最后一次尝试
	if o.ClearAfter <= last {
		o.ClearAfter = last + last/4
	}
	if o.Logger == nil {
		o.Logger = logger.WithComponent("reconcile")
	}
	return o
}

// Reconciler owns the pending-transaction slot of the active conversation.
type Reconciler struct {
	timeline Timeline
	identity IdentitySource
	opts     Options
	now      func() time.Time

	mu             sync.Mutex
	conversationID string
	gen            uint64
	pending        *chat.PendingTransaction
	attached       bool
	timers         []*time.Timer
	closed         bool
}

// New creates a reconciler with no active conversation.
func New(timeline Timeline, identity IdentitySource, opts Options) *Reconciler {
	return &Reconciler{
		timeline: timeline,
		identity: identity,
		opts:     opts.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetConversation makes id the active conversation. Every timer scheduled
// for the previous one is cancelled and its pending slot dropped.
func (r *Reconciler) SetConversation(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conversationID == id {
		return
	}
	r.resetLocked()
	r.conversationID = id
}

// OnPendingTransaction handles a pendingTransaction event. Events for any
// other conversation are dropped. A newer event supersedes an older one
// still waiting for its message.
func (r *Reconciler) OnPendingTransaction(tx chat.PendingTransaction) bool {
	log := r.opts.Logger.WithFields(logrus.Fields{"tx": tx.ID, "chat": tx.ConversationID})

	r.mu.Lock()
	if r.closed || tx.ConversationID == "" || tx.ConversationID != r.conversationID {
		r.mu.Unlock()
		r.opts.Metrics.Reconcile("dropped")
		log.Debug("pending transaction for inactive conversation dropped")
		return false
	}

	r.resetLocked()
	gen := r.gen
	copied := tx
	r.pending = &copied
	for _, delay := range r.opts.Schedule {
		r.timers = append(r.timers, time.AfterFunc(delay, func() { r.attempt(gen) }))
	}
	r.timers = append(r.timers, time.AfterFunc(r.opts.ClearAfter, func() { r.expire(gen) }))
	r.mu.Unlock()

	r.opts.Metrics.Reconcile("received")
	log.Info("pending transaction received")
	r.attempt(gen)
	return true
}

// attempt runs one attachment try. The lock is held across the timeline
// write so a conversation switch can never interleave with it.
func (r *Reconciler) attempt(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || r.pending == nil || r.attached {
		return
	}

	tx := *r.pending
	userID := r.identity.Current().UserID
	now := r.now()
	messageID, err := r.timeline.AttachTransaction(r.conversationID, func(target chat.Message) chat.Transaction {
		return chat.NewPendingRecord(tx, target.ID, userID, now)
	})

	log := r.opts.Logger.WithFields(logrus.Fields{"tx": tx.ID, "chat": r.conversationID})
	switch {
	case err == nil:
		r.attached = true
		r.opts.Metrics.Reconcile("attached")
		log.WithField("message", messageID).Info("transaction attached")
	case errors.Is(err, chatsvc.ErrNoAssistantMessage), errors.Is(err, chatsvc.ErrAlreadyAttached):
		log.WithError(err).Debug("no eligible message yet")
	default:
		log.WithError(err).Warn("transaction attach failed")
	}
}

// expire clears the slot once the retry window has passed, attached or not.
func (r *Reconciler) expire(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || r.pending == nil {
		return
	}
	if !r.attached {
		r.opts.Metrics.Reconcile("missed")
		r.opts.Logger.WithFields(logrus.Fields{
			"tx":   r.pending.ID,
			"chat": r.conversationID,
		}).Warn("no assistant message within retry window, transaction not attached")
	}
	r.pending = nil
	r.attached = false
	r.timers = nil
}

// Pending returns the transaction currently waiting in the slot.
func (r *Reconciler) Pending() (chat.PendingTransaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return chat.PendingTransaction{}, false
	}
	return *r.pending, true
}

// Clear empties the slot on user action and cancels outstanding retries.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

// Close cancels everything; later events are dropped.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.closed = true
}

func (r *Reconciler) resetLocked() {
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
	r.gen++
	r.pending = nil
	r.attached = false
}
