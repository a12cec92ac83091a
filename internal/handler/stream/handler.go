package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/lunark-client/internal/model/chat"
	chatService "github.com/zhouzirui/lunark-client/internal/service/chat"
	"github.com/zhouzirui/lunark-client/internal/service/conversation"
	"github.com/zhouzirui/lunark-client/internal/service/stream"
	"github.com/zhouzirui/lunark-client/pkg/logger"
	"github.com/zhouzirui/lunark-client/pkg/utils"
)

// Feed is the change feed of the message store.
type Feed interface {
	Subscribe(buffer int) (<-chan chatService.Change, func())
	Messages(conversationID string) []chat.Message
}

// Views resolves the open conversation.
type Views interface {
	ViewFor(chatID string) (*conversation.View, error)
}

// Handler 将时间线变更以Server-Sent Events推送给本地订阅者
type Handler struct {
	feed      Feed
	views     Views
	heartbeat time.Duration
	poll      time.Duration
	log       *logrus.Entry
}

// New creates a new stream handler
func New(feed Feed, views Views) *Handler {
	return &Handler{
		feed:      feed,
		views:     views,
		heartbeat: 15 * time.Second,
		poll:      100 * time.Millisecond,
		log:       logger.WithComponent("sse"),
	}
}

// RegisterRoutes 注册SSE路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/{chatID}/events", h.handleEvents)
}

type readyEvent struct {
	ChatID   string          `json:"chatId"`
	Messages []chat.Message  `json:"messages"`
	Stream   stream.Snapshot `json:"stream"`
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	v, err := h.views.ViewFor(chatID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// 先订阅再取快照，避免漏掉两者之间的变更
	changes, cancel := h.feed.Subscribe(64)
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	last := v.State.Snapshot()
	if err := utils.SendSSEEvent(w, flusher, "ready", readyEvent{
		ChatID:   chatID,
		Messages: h.feed.Messages(chatID),
		Stream:   last,
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	poll := time.NewTicker(h.poll)
	defer poll.Stop()

	log := h.log.WithField("chat", chatID)
	log.Debug("subscriber attached")
	defer log.Debug("subscriber detached")

	for {
		select {
		case <-r.Context().Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.ConversationID != chatID {
				continue
			}
			if err := utils.SendSSEEvent(w, flusher, string(change.Kind), change); err != nil {
				log.WithError(err).Debug("write change")
				return
			}
		case <-poll.C:
			if _, err := h.views.ViewFor(chatID); err != nil {
				_ = utils.SendSSEEvent(w, flusher, "closed", map[string]string{"chatId": chatID})
				return
			}
			snap := v.State.Snapshot()
			if snap == last {
				continue
			}
			last = snap
			if err := utils.SendSSEEvent(w, flusher, "stream", snap); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}
