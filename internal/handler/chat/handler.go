package chat

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/persona-chat/backend/internal/middleware"
	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/persona-chat/backend/internal/service/chat"
	"github.com/zhouzirui/persona-chat/backend/pkg/utils"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	manager *chatService.Manager
}

// New 创建聊天处理器
func New(manager *chatService.Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats", h.handleListSessions)
	r.Route("/chats/{personaID}", func(r chi.Router) {
		r.Get("/", h.handleGetSession)
		r.Delete("/", h.handleDeleteSession)
		r.Post("/focus", h.handleFocus)
		r.Post("/messages", h.handleSendMessage)
		r.Post("/clear", h.handleClear)
	})
	r.Get("/quota/{personaID}", h.handleQuota)
	r.Delete("/workspace", h.handleResetWorkspace)
}

// StreamEvent 发送消息时的SSE事件
type StreamEvent struct {
	Event   string        `json:"event"`
	Content string        `json:"content,omitempty"`
	Message *chat.Message `json:"message,omitempty"`
	Status  string        `json:"status,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// workspace 根据请求身份取得对应的工作区
func (h *Handler) workspace(w http.ResponseWriter, r *http.Request) (*chatService.Service, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "identity required")
		return nil, false
	}
	return h.manager.Workspace(id), true
}

// handleListSessions 列出当前工作区的全部会话，包括已持久化的历史对话
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.workspace(w, r)
	if !ok {
		return
	}
	sessions, err := svc.Conversations(r.Context())
	if err != nil {
		log.Printf("[chat] listing persisted conversations failed: %v", err)
	}
	utils.RespondJSON(w, http.StatusOK, sessions)
}

// handleGetSession 获取会话快照
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.workspace(w, r)
	if !ok {
		return
	}

	session, err := svc.Session(chi.URLParam(r, "personaID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleFocus 切换到某个角色，首次切换时加载历史
func (h *Handler) handleFocus(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.workspace(w, r)
	if !ok {
		return
	}

	session, err := svc.Focus(r.Context(), chi.URLParam(r, "personaID"))
	if errors.Is(err, chatService.ErrPersonaNotFound) {
		respondServiceError(w, err)
		return
	}
	if err != nil {
		// 加载失败时仍返回空会话
		log.Printf("[chat] focus load failed: %v", err)
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleSendMessage 发送消息并以SSE返回增量内容
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.workspace(w, r)
	if !ok {
		return
	}

	var payload struct {
		Content string `json:"content"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// 首个增量到达前不写响应头，便于把早期错误映射为状态码
	streaming := false
	startStream := func() {
		if streaming {
			return
		}
		streaming = true
		utils.SetupSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
	}

	result, err := svc.Send(r.Context(), chatService.SendRequest{
		PersonaID: chi.URLParam(r, "personaID"),
		Content:   payload.Content,
		OnDelta: func(delta string) {
			startStream()
			utils.SendSSEChunk(w, flusher, StreamEvent{Event: "delta", Content: delta})
		},
	})

	if err != nil && !streaming {
		respondSendError(w, err, result)
		return
	}

	startStream()
	switch {
	case err != nil:
		utils.SendSSEChunk(w, flusher, StreamEvent{Event: "error", Error: err.Error(), Message: messagePtr(result.Message)})
	case result.Status == chatService.SendCompleted:
		utils.SendSSEChunk(w, flusher, StreamEvent{Event: "message", Message: messagePtr(result.Message)})
	}
	utils.SendSSEChunk(w, flusher, StreamEvent{Event: "end", Status: string(result.Status)})
}

// handleClear 清空本地会话
func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.workspace(w, r)
	if !ok {
		return
	}

	personaID := chi.URLParam(r, "personaID")
	if err := svc.Clear(personaID); err != nil {
		respondServiceError(w, err)
		return
	}
	session, _ := svc.Session(personaID)
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleDeleteSession 删除会话（包括持久化数据）
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.workspace(w, r)
	if !ok {
		return
	}

	if err := svc.Delete(r.Context(), chi.URLParam(r, "personaID")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQuota 查询剩余额度
func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.workspace(w, r)
	if !ok {
		return
	}

	allowance, err := svc.Remaining(r.Context(), chi.URLParam(r, "personaID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, allowance)
}

// handleResetWorkspace 丢弃当前工作区，相当于访客刷新页面
func (h *Handler) handleResetWorkspace(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "identity required")
		return
	}
	h.manager.Reset(id)
	w.WriteHeader(http.StatusNoContent)
}

func respondSendError(w http.ResponseWriter, err error, result chatService.SendResult) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}
	if result.Message.ID != "" {
		body["message"] = result.Message
	}
	utils.RespondJSON(w, status, body)
}

func respondServiceError(w http.ResponseWriter, err error) {
	utils.RespondError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chatService.ErrPersonaNotFound):
		return http.StatusNotFound
	case errors.Is(err, chatService.ErrConcurrentSend):
		return http.StatusConflict
	case errors.Is(err, chatService.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, chatService.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, chatService.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func messagePtr(msg chat.Message) *chat.Message {
	if msg.ID == "" {
		return nil
	}
	return &msg
}
