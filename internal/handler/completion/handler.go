package completion

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/service/completion"
	"github.com/zhouzirui/persona-chat/backend/internal/service/stream"
	"github.com/zhouzirui/persona-chat/backend/pkg/utils"
)

// Handler 对外提供原始的补全流接口
type Handler struct {
	provider completion.Provider
}

// New 创建补全处理器，provider为nil时接口返回503
func New(provider completion.Provider) *Handler {
	return &Handler{provider: provider}
}

// RegisterRoutes 注册补全路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/completions", h.handleCompletion)
}

// handleCompletion 以 data: 帧的形式转发模型输出，结尾为 [DONE]
func (h *Handler) handleCompletion(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "ai completions unavailable")
		return
	}

	var req completion.Request
	if !utils.DecodeJSON(w, r, &req) {
		return
	}
	if req.PersonaID == "" {
		utils.RespondError(w, http.StatusBadRequest, "personaId is required")
		return
	}
	req.Messages = conversational(req.Messages)

	body, err := h.provider.Stream(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, completion.ErrPersonaNotFound):
			utils.RespondError(w, http.StatusNotFound, "persona not found")
		case errors.Is(err, stream.ErrTransport):
			log.Printf("[completion] upstream failed: %v", err)
			utils.RespondError(w, http.StatusBadGateway, "completion failed")
		default:
			log.Printf("[completion] stream failed: %v", err)
			utils.RespondError(w, http.StatusInternalServerError, "completion failed")
		}
		return
	}
	defer body.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(flushWriter{w: w}, body); err != nil {
		log.Printf("[completion] stream interrupted for persona=%s: %v", req.PersonaID, err)
	}
}

// conversational 丢弃错误提示等不能交给模型的消息
func conversational(messages []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Conversational() {
			out = append(out, msg)
		}
	}
	return out
}

type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}
