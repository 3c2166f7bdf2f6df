package ai

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/persona-chat/backend/internal/config"
	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/model/persona"
)

const historyLimit = 20

var ErrEmptyConversation = errors.New("conversation has no messages to answer")

// Service encapsulates AI-powered chat functionality
type Service struct {
	streaming bool
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates a new AI service backed by the configured Ark model
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg.StreamResponse)
}

// NewServiceWithModel builds the prompt chain around an existing model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, streaming bool) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("examples", true),
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		streaming: streaming,
		chain:     runnable,
	}, nil
}

// StreamingEnabled 指示是否开启 SSE 流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.streaming
}

// GenerateResponse produces the whole reply in one call.
func (s *Service) GenerateResponse(ctx context.Context, p persona.Persona, messages []chat.Message) (*schema.Message, error) {
	input, err := s.buildChainInput(p, messages)
	if err != nil {
		return nil, err
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}

	log.Printf("[ai] generated response for persona=%s, length=%d", p.ID, len(response.Content))
	return response, nil
}

// StreamResponse streams reply chunks. When streaming is disabled the full
// reply is generated and returned as a single-chunk stream.
func (s *Service) StreamResponse(ctx context.Context, p persona.Persona, messages []chat.Message) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		response, err := s.GenerateResponse(ctx, p, messages)
		if err != nil {
			return nil, err
		}
		return schema.StreamReaderFromArray([]*schema.Message{response}), nil
	}

	input, err := s.buildChainInput(p, messages)
	if err != nil {
		return nil, err
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}

	return stream, nil
}

func (s *Service) buildChainInput(p persona.Persona, messages []chat.Message) (map[string]any, error) {
	history := buildHistoryMessages(messages)
	if len(history) == 0 {
		return nil, ErrEmptyConversation
	}

	var examples []*schema.Message
	if msg := ExampleDialogueMessage(p); msg != nil {
		examples = append(examples, msg)
	}

	return map[string]any{
		"system":   BuildSystemPrompt(p),
		"examples": examples,
		"history":  history,
	}, nil
}

// buildHistoryMessages keeps the newest conversational turns; error entries
// never reach the model.
func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	filtered := make([]chat.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Conversational() {
			filtered = append(filtered, msg)
		}
	}

	if len(filtered) > historyLimit {
		filtered = filtered[len(filtered)-historyLimit:]
	}

	history := make([]*schema.Message, 0, len(filtered))
	for _, msg := range filtered {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		case chat.RoleSystem:
			history = append(history, schema.SystemMessage(msg.Content))
		}
	}
	return history
}
