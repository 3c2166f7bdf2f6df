package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/model/persona"
	"github.com/zhouzirui/persona-chat/backend/internal/service/stream"
)

// Generator produces model output for a persona conversation.
type Generator interface {
	StreamResponse(ctx context.Context, p persona.Persona, messages []chat.Message) (*schema.StreamReader[*schema.Message], error)
}

// Local serves completions from an in-process model.
type Local struct {
	generator Generator
	personas  persona.Store
}

func NewLocal(generator Generator, personas persona.Store) *Local {
	return &Local{generator: generator, personas: personas}
}

// Stream starts generation and frames each chunk through an in-memory pipe.
func (l *Local) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	p, ok := l.personas.FindByID(req.PersonaID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPersonaNotFound, req.PersonaID)
	}

	reader, err := l.generator.StreamResponse(ctx, p, req.Messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", stream.ErrTransport, err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer reader.Close()
		pw.CloseWithError(pump(reader, stream.NewEncoder(pw)))
	}()
	return pr, nil
}

func pump(reader *schema.StreamReader[*schema.Message], enc *stream.Encoder) error {
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			return enc.WriteDone()
		}
		if err != nil {
			log.Printf("[completion] model stream failed: %v", err)
			return err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		if err := enc.WriteDelta(chunk.Content); err != nil {
			// reader side closed
			return err
		}
	}
}
