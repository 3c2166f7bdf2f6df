package completion

import (
	"context"
	"errors"
	"io"

	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
)

var ErrPersonaNotFound = errors.New("persona not found")

// Request is the body a provider sends for one reply.
type Request struct {
	PersonaID string         `json:"personaId"`
	Messages  []chat.Message `json:"messages"`
}

// Provider opens a framed token stream for a conversation. The returned body
// carries "data: " records ending with the done sentinel; closing it cancels
// the generation.
type Provider interface {
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
}
