package notify

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/persona-chat/backend/internal/middleware"
	chatService "github.com/zhouzirui/persona-chat/backend/internal/service/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/service/notify"
	"github.com/zhouzirui/persona-chat/backend/pkg/utils"
)

// Handler 未读提醒的HTTP处理器
type Handler struct {
	manager *chatService.Manager
	ws      *WebSocketHandler
}

// New 创建提醒处理器
func New(manager *chatService.Manager) *Handler {
	return &Handler{manager: manager, ws: NewWebSocketHandler(manager)}
}

// RegisterRoutes 注册提醒相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/notifications", h.handleList)
	r.Post("/notifications/read", h.handleMarkAllRead)
	r.Get("/ws/notifications", h.ws.handleWebSocket)
}

// Summary 当前工作区的未读状态
type Summary struct {
	HasUnread bool             `json:"hasUnread"`
	Indicator bool             `json:"indicator"`
	Focused   string           `json:"focused,omitempty"`
	Items     []notify.Preview `json:"items"`
}

func summarize(tracker *notify.Tracker) Summary {
	return Summary{
		HasUnread: tracker.HasAnyUnread(),
		Indicator: tracker.Indicator(),
		Focused:   tracker.Focused(),
		Items:     tracker.Notifications(),
	}
}

func (h *Handler) tracker(w http.ResponseWriter, r *http.Request) (*notify.Tracker, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "identity required")
		return nil, false
	}
	return h.manager.Workspace(id).Tracker(), true
}

// handleList 返回每个角色的最新消息及未读标记
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.tracker(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, summarize(tracker))
}

// handleMarkAllRead 全部标记为已读
func (h *Handler) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.tracker(w, r)
	if !ok {
		return
	}

	var payload struct {
		PersonaID string `json:"personaId"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	if payload.PersonaID != "" {
		tracker.Focus(payload.PersonaID)
	} else {
		tracker.MarkAllRead()
	}
	utils.RespondJSON(w, http.StatusOK, summarize(tracker))
}
