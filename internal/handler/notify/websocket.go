package notify

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/persona-chat/backend/internal/middleware"
	chatService "github.com/zhouzirui/persona-chat/backend/internal/service/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/service/notify"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
	outboxSize = 16
)

// WebSocketHandler 推送未读指示的变化
type WebSocketHandler struct {
	manager  *chatService.Manager
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(manager *chatService.Manager) *WebSocketHandler {
	return &WebSocketHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

type inboundMessage struct {
	Type      string `json:"type"`
	PersonaID string `json:"personaId"`
}

type outgoingMessage struct {
	Type      string   `json:"type"`
	HasUnread bool     `json:"hasUnread"`
	Summary   *Summary `json:"summary,omitempty"`
	Error     string   `json:"error,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "identity required", http.StatusUnauthorized)
		return
	}
	tracker := h.manager.Workspace(id).Tracker()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[ws] notifications connected for %s", id.Key())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbox := make(chan outgoingMessage, outboxSize)
	unsubscribe := tracker.Subscribe(func(hasUnread bool) {
		select {
		case outbox <- outgoingMessage{Type: "indicator", HasUnread: hasUnread, Timestamp: time.Now().Unix()}:
		default:
			log.Printf("[ws] outbox full for %s, dropping indicator update", id.Key())
		}
	})
	defer unsubscribe()

	go h.writeLoop(ctx, cancel, conn, outbox)

	outbox <- snapshotMessage(tracker)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "focus":
			tracker.Focus(msg.PersonaID)
		case "read":
			tracker.MarkAllRead()
		case "snapshot":
		default:
			h.enqueue(ctx, outbox, outgoingMessage{Type: "error", Error: "unknown message type", Timestamp: time.Now().Unix()})
			continue
		}
		h.enqueue(ctx, outbox, snapshotMessage(tracker))
	}
}

func snapshotMessage(tracker *notify.Tracker) outgoingMessage {
	summary := summarize(tracker)
	return outgoingMessage{
		Type:      "snapshot",
		HasUnread: summary.HasUnread,
		Summary:   &summary,
		Timestamp: time.Now().Unix(),
	}
}

func (h *WebSocketHandler) enqueue(ctx context.Context, outbox chan<- outgoingMessage, msg outgoingMessage) {
	select {
	case outbox <- msg:
	case <-ctx.Done():
	}
}

// writeLoop 串行写出消息并定期发送ping
func (h *WebSocketHandler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbox <-chan outgoingMessage) {
	defer cancel()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbox:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("[ws] write failed: %v", err)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
