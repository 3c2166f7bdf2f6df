package chat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
)

// ConversationStore is the persistence surface the session store needs.
type ConversationStore interface {
	LoadConversation(ctx context.Context, userID, personaID string) ([]chat.Message, error)
	SaveConversation(ctx context.Context, userID, personaID string, messages []chat.Message) error
	DeleteConversation(ctx context.Context, userID, personaID string) error
}

// ConversationLister is implemented by stores that can enumerate the
// conversations a user saved.
type ConversationLister interface {
	ListConversations(ctx context.Context, userID string) ([]string, error)
}

type sessionState struct {
	messages []chat.Message
	buffer   strings.Builder
	loading  bool
	loaded   bool
	// token of the send currently streaming into buffer
	token string
}

func (s *sessionState) snapshot(personaID string) chat.Session {
	messages := make([]chat.Message, len(s.messages))
	copy(messages, s.messages)
	return chat.Session{
		PersonaID:       personaID,
		Messages:        messages,
		StreamingBuffer: s.buffer.String(),
		IsLoading:       s.loading,
		Loaded:          s.loaded,
	}
}

// Store owns every persona session of one workspace. All mutations go
// through its methods; callers only ever see snapshots.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	registry *Registry
	persist  ConversationStore
	loads    singleflight.Group
	now      func() time.Time
}

// NewStore builds a store. persist may be nil for guest-only workspaces.
func NewStore(registry *Registry, persist ConversationStore) *Store {
	return &Store{
		sessions: make(map[string]*sessionState),
		registry: registry,
		persist:  persist,
		now:      time.Now,
	}
}

// session returns the live state for personaID. Callers hold s.mu.
func (s *Store) session(personaID string) *sessionState {
	state, ok := s.sessions[personaID]
	if !ok {
		state = &sessionState{messages: make([]chat.Message, 0, 16)}
		s.sessions[personaID] = state
	}
	return state
}

func (s *Store) newMessage(role chat.Role, content string) chat.Message {
	return chat.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: s.now().UTC(),
	}
}

// GetSession returns a snapshot, creating an empty session if needed.
func (s *Store) GetSession(personaID string) chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session(personaID).snapshot(personaID)
}

// Sessions returns a snapshot of every known session ordered by persona id.
func (s *Store) Sessions() []chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]chat.Session, 0, len(s.sessions))
	for id, state := range s.sessions {
		out = append(out, state.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonaID < out[j].PersonaID })
	return out
}

// LoadSession installs the persisted conversation for userID. Concurrent
// loads of the same persona share one fetch. On failure the session is
// reset to an empty conversation and the error is returned.
func (s *Store) LoadSession(ctx context.Context, personaID, userID string) error {
	if userID == "" || s.persist == nil {
		s.mu.Lock()
		s.session(personaID).loaded = true
		s.mu.Unlock()
		return nil
	}

	_, err, _ := s.loads.Do(personaID, func() (interface{}, error) {
		messages, err := s.persist.LoadConversation(ctx, userID, personaID)

		s.mu.Lock()
		defer s.mu.Unlock()

		state := s.session(personaID)
		if state.loading || len(state.messages) > 0 {
			// sends from this workspace got there first; their transcript wins
			state.loaded = true
			return nil, err
		}
		if err != nil {
			log.Printf("[chat] load persona=%s failed, starting empty: %v", personaID, err)
			messages = nil
		}
		state.messages = append(make([]chat.Message, 0, len(messages)+16), messages...)
		state.buffer.Reset()
		state.loaded = true
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	return nil
}

// AppendUserMessage adds content optimistically, marks the session loading
// and returns the conversation to send.
func (s *Store) AppendUserMessage(personaID, token, content string) (chat.Message, []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.session(personaID)
	msg := s.newMessage(chat.RoleUser, content)
	state.messages = append(state.messages, msg)
	state.buffer.Reset()
	state.loading = true
	state.token = token

	history := make([]chat.Message, len(state.messages))
	copy(history, state.messages)
	return msg, history
}

// AppendStreamDelta grows the streaming buffer. It returns false, dropping
// the delta, when token no longer holds the persona.
func (s *Store) AppendStreamDelta(personaID, token, delta string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.session(personaID)
	if state.token != token || !s.registry.IsCurrent(personaID, token) {
		return false
	}
	state.buffer.WriteString(delta)
	return true
}

// FinalizeAssistantMessage moves the buffer into a new assistant message.
// A second call for the same stream is a no-op.
func (s *Store) FinalizeAssistantMessage(personaID, token string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.session(personaID)
	if !state.loading || state.token != token || !s.registry.IsCurrent(personaID, token) {
		return chat.Message{}, false
	}
	msg := s.newMessage(chat.RoleAssistant, state.buffer.String())
	state.messages = append(state.messages, msg)
	state.buffer.Reset()
	state.loading = false
	state.token = ""
	return msg, true
}

// AbortStream discards a partial response.
func (s *Store) AbortStream(personaID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.session(personaID)
	if state.token != token {
		return
	}
	state.buffer.Reset()
	state.loading = false
	state.token = ""
}

// AppendErrorMessage records the failure of the send holding token. A
// buffer owned by a different live send is left alone.
func (s *Store) AppendErrorMessage(personaID, token, text string) chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.session(personaID)
	msg := s.newMessage(chat.RoleError, text)
	state.messages = append(state.messages, msg)
	if state.token != "" && state.token != token && s.registry.IsCurrent(personaID, state.token) {
		return msg
	}
	state.buffer.Reset()
	state.loading = false
	state.token = ""
	return msg
}

// ClearSession empties the local transcript and cancels any in-flight send.
// Persisted data is untouched.
func (s *Store) ClearSession(personaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(personaID)
}

// DeleteSession clears the local transcript, then removes the persisted one.
// The local session stays empty even when the remote delete fails.
func (s *Store) DeleteSession(ctx context.Context, personaID, userID string) error {
	s.mu.Lock()
	s.resetLocked(personaID)
	s.mu.Unlock()

	if userID == "" || s.persist == nil {
		return nil
	}
	if err := s.persist.DeleteConversation(ctx, userID, personaID); err != nil {
		log.Printf("[chat] delete persona=%s failed: %v", personaID, err)
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// SaveSession writes the current transcript for userID.
func (s *Store) SaveSession(ctx context.Context, personaID, userID string) error {
	if userID == "" || s.persist == nil {
		return nil
	}
	messages := s.GetSession(personaID).Messages
	if err := s.persist.SaveConversation(ctx, userID, personaID, messages); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// Callers hold s.mu.
func (s *Store) resetLocked(personaID string) {
	state := s.session(personaID)
	state.messages = make([]chat.Message, 0, 16)
	state.buffer.Reset()
	state.loading = false
	state.token = ""
	s.registry.Revoke(personaID)
}
