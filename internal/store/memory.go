package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
)

// MemoryStore keeps everything in process memory. Suitable for development
// and tests; data is lost on restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]chat.Message
	counts        map[string]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string][]chat.Message),
		counts:        make(map[string]int),
	}
}

func conversationKey(userID, personaID string) string {
	return userID + ":" + personaID
}

func countKey(userID, personaID string, date time.Time) string {
	return userID + ":" + personaID + ":" + DayKey(date)
}

// LoadConversation returns a copy of the stored messages.
func (s *MemoryStore) LoadConversation(_ context.Context, userID, personaID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.conversations[conversationKey(userID, personaID)]
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// SaveConversation replaces the stored transcript.
func (s *MemoryStore) SaveConversation(_ context.Context, userID, personaID string, messages []chat.Message) error {
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)

	s.mu.Lock()
	s.conversations[conversationKey(userID, personaID)] = copied
	s.mu.Unlock()
	return nil
}

// DeleteConversation removes the transcript; deleting a missing one is not an error.
func (s *MemoryStore) DeleteConversation(_ context.Context, userID, personaID string) error {
	s.mu.Lock()
	delete(s.conversations, conversationKey(userID, personaID))
	s.mu.Unlock()
	return nil
}

// ListConversations scans the stored transcripts of userID.
func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)
	for key := range s.conversations {
		if personaID, ok := strings.CutPrefix(key, userID+":"); ok {
			ids = append(ids, personaID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// GetDailyCount returns zero for days without a record.
func (s *MemoryStore) GetDailyCount(_ context.Context, userID, personaID string, date time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[countKey(userID, personaID, date)], nil
}

// SetDailyCount upserts the counter for one day.
func (s *MemoryStore) SetDailyCount(_ context.Context, userID, personaID string, date time.Time, count int) error {
	s.mu.Lock()
	s.counts[countKey(userID, personaID, date)] = max(0, count)
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
