package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/lunark-client/internal/model/chat"
	chatService "github.com/zhouzirui/lunark-client/internal/service/chat"
	"github.com/zhouzirui/lunark-client/internal/service/conversation"
	"github.com/zhouzirui/lunark-client/internal/service/room"
	"github.com/zhouzirui/lunark-client/internal/service/stream"
	"github.com/zhouzirui/lunark-client/internal/service/turn"
	"github.com/zhouzirui/lunark-client/pkg/utils"
)

// Conversations is what the handler needs from the conversation manager.
type Conversations interface {
	Open(ctx context.Context, chatID string) (*conversation.View, error)
	ViewFor(chatID string) (*conversation.View, error)
	QueueInitialMessage(chatID, text string)
	Pending() (chat.PendingTransaction, bool)
	ClearPending()
}

// Timeline is the read side of the message store.
type Timeline interface {
	Messages(conversationID string) []chat.Message
	Transcript(conversationID string) []*schema.Message
}

// Handler 会话控制面的HTTP处理器
type Handler struct {
	conversations Conversations
	timeline      Timeline
	now           func() time.Time
}

// New 创建会话处理器
func New(conversations Conversations, timeline Timeline) *Handler {
	return &Handler{
		conversations: conversations,
		timeline:      timeline,
		now:           time.Now,
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/{chatID}/open", h.handleOpen)
	r.Get("/chat/{chatID}/messages", h.handleMessages)
	r.Post("/chat/{chatID}/messages", h.handleSubmit)
	r.Put("/chat/{chatID}/draft", h.handleDraft)
	r.Post("/chat/{chatID}/abort", h.handleAbort)
	r.Delete("/chat/{chatID}/pending-transaction", h.handleClearPending)
	r.Get("/chat/{chatID}/transcript", h.handleTranscript)
}

// timelineResponse 会话时间线快照
type timelineResponse struct {
	ChatID             string                   `json:"chatId"`
	Messages           []chat.Message           `json:"messages"`
	Stream             stream.Snapshot          `json:"stream"`
	Phase              turn.Phase               `json:"phase"`
	Loading            bool                     `json:"loading"`
	Draft              string                   `json:"draft,omitempty"`
	PendingTransaction *chat.PendingTransaction `json:"pendingTransaction,omitempty"`
}

func (h *Handler) snapshot(v *conversation.View) timelineResponse {
	resp := timelineResponse{
		ChatID:   v.ID,
		Messages: h.timeline.Messages(v.ID),
		Stream:   v.State.Snapshot(),
		Phase:    v.Turn.Phase(),
		Loading:  v.Turn.Loading(h.now()),
		Draft:    v.Turn.Draft(),
	}
	if tx, ok := h.conversations.Pending(); ok && tx.ConversationID == v.ID {
		resp.PendingTransaction = &tx
	}
	return resp
}

// handleOpen 打开或切换会话
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var payload struct {
		InitialMessage string `json:"initialMessage"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if payload.InitialMessage != "" {
		h.conversations.QueueInitialMessage(chatID, payload.InitialMessage)
	}

	v, err := h.conversations.Open(r.Context(), chatID)
	if err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.snapshot(v))
}

// handleMessages 返回当前时间线
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	v, err := h.conversations.ViewFor(chi.URLParam(r, "chatID"))
	if err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.snapshot(v))
}

// handleSubmit 提交用户消息
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	v, err := h.conversations.ViewFor(chi.URLParam(r, "chatID"))
	if err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := v.Turn.Submit(r.Context(), payload.Content); err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, h.snapshot(v))
}

// handleDraft 保存未发送的输入，提交成功后清空
func (h *Handler) handleDraft(w http.ResponseWriter, r *http.Request) {
	v, err := h.conversations.ViewFor(chi.URLParam(r, "chatID"))
	if err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	v.Turn.SetDraft(payload.Content)
	w.WriteHeader(http.StatusNoContent)
}

// handleAbort 取消正在进行的回合
func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	v, err := h.conversations.ViewFor(chi.URLParam(r, "chatID"))
	if err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}
	cancelled := v.Turn.Cancel()
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"cancelled": cancelled,
		"stream":    v.State.Snapshot(),
	})
}

func (h *Handler) handleClearPending(w http.ResponseWriter, r *http.Request) {
	if _, err := h.conversations.ViewFor(chi.URLParam(r, "chatID")); err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}
	h.conversations.ClearPending()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if _, err := h.conversations.ViewFor(chatID); err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.timeline.Transcript(chatID))
}

// statusFor 将领域错误映射为HTTP状态码
func statusFor(err error) int {
	var subErr *turn.SubmissionError
	switch {
	case errors.As(err, &subErr):
		return http.StatusBadGateway
	case errors.Is(err, turn.ErrEmptyMessage), errors.Is(err, room.ErrEmptyRoom):
		return http.StatusBadRequest
	case errors.Is(err, turn.ErrForeignConversation):
		return http.StatusForbidden
	case errors.Is(err, conversation.ErrNoConversation), errors.Is(err, conversation.ErrNotOpen):
		return http.StatusNotFound
	case errors.Is(err, turn.ErrNoNetwork), errors.Is(err, turn.ErrTurnInFlight), errors.Is(err, turn.ErrHistoryInFlight):
		return http.StatusConflict
	case errors.Is(err, turn.ErrNotConnected), errors.Is(err, conversation.ErrSignedOut),
		errors.Is(err, conversation.ErrClosed), errors.Is(err, turn.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var (
	_ Conversations = (*conversation.Manager)(nil)
	_ Timeline      = (*chatService.Store)(nil)
)
