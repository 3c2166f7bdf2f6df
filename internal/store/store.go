package store

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
)

// ErrPersistence wraps every backend failure so callers can report it uniformly.
var ErrPersistence = errors.New("persistence failure")

// Store is the durable home for conversations and per-day message counts.
// Loading a conversation that was never saved returns an empty slice.
type Store interface {
	LoadConversation(ctx context.Context, userID, personaID string) ([]chat.Message, error)
	SaveConversation(ctx context.Context, userID, personaID string, messages []chat.Message) error
	DeleteConversation(ctx context.Context, userID, personaID string) error
	// ListConversations returns the persona ids userID has a saved
	// conversation with, sorted.
	ListConversations(ctx context.Context, userID string) ([]string, error)
	GetDailyCount(ctx context.Context, userID, personaID string, date time.Time) (int, error)
	SetDailyCount(ctx context.Context, userID, personaID string, date time.Time, count int) error
	Close() error
}

// DayKey formats date as the UTC calendar day used in every backend.
func DayKey(date time.Time) string {
	return date.UTC().Format(time.DateOnly)
}
