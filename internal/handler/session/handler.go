package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/lunark-client/internal/model/chat"
	"github.com/zhouzirui/lunark-client/internal/service/conversation"
	"github.com/zhouzirui/lunark-client/internal/service/socket"
	"github.com/zhouzirui/lunark-client/pkg/utils"
)

// Sessions is the part of the conversation manager that owns the connection.
type Sessions interface {
	Status() conversation.Status
	UpdateIdentity(ctx context.Context, next chat.Identity) error
	SignOut()
}

// IdentitySource yields the identity currently in use.
type IdentitySource interface {
	Current() chat.Identity
}

// Handler 会话与身份的HTTP处理器
type Handler struct {
	sessions Sessions
	identity IdentitySource
}

// New 创建身份处理器
func New(sessions Sessions, identity IdentitySource) *Handler {
	return &Handler{sessions: sessions, identity: identity}
}

// RegisterRoutes 注册身份相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)
	r.Put("/session", h.handleUpdate)
	r.Delete("/session", h.handleSignOut)
}

type statusResponse struct {
	conversation.Status
	Identity chat.Identity `json:"identity"`
}

func (h *Handler) status() statusResponse {
	return statusResponse{Status: h.sessions.Status(), Identity: h.identity.Current()}
}

// handleStatus 返回连接与房间状态
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.status())
}

// identityRequest 未提供的字段沿用当前值
type identityRequest struct {
	UserID       *string `json:"userId"`
	SessionToken *string `json:"sessionToken"`
	Address      *string `json:"address"`
	ChainID      *int64  `json:"chainId"`
}

func (req identityRequest) apply(cur chat.Identity) chat.Identity {
	if req.UserID != nil {
		cur.UserID = strings.TrimSpace(*req.UserID)
	}
	if req.SessionToken != nil {
		cur.SessionToken = strings.TrimSpace(*req.SessionToken)
	}
	if req.Address != nil {
		cur.Address = strings.TrimSpace(*req.Address)
	}
	if req.ChainID != nil {
		cur.ChainID = *req.ChainID
	}
	return cur
}

// handleUpdate 替换身份凭证，必要时重连或重新认证
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChainID != nil && *req.ChainID < 0 {
		utils.RespondError(w, http.StatusBadRequest, "chainId must not be negative")
		return
	}

	next := req.apply(h.identity.Current())
	if err := h.sessions.UpdateIdentity(r.Context(), next); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, socket.ErrAuthentication) {
			status = http.StatusUnauthorized
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.status())
}

// handleSignOut 断开连接并清除身份
func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	h.sessions.SignOut()
	w.WriteHeader(http.StatusNoContent)
}

var _ Sessions = (*conversation.Manager)(nil)
