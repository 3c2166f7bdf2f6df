package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/model/identity"
	"github.com/zhouzirui/persona-chat/backend/internal/model/persona"
	"github.com/zhouzirui/persona-chat/backend/internal/service/completion"
	"github.com/zhouzirui/persona-chat/backend/internal/service/notify"
	"github.com/zhouzirui/persona-chat/backend/internal/service/quota"
	"github.com/zhouzirui/persona-chat/backend/internal/service/stream"
)

// Transcript texts for failed sends.
const (
	QuotaExceededText  = "You've reached your message limit for this character. Upgrade your plan or try again tomorrow."
	TransportErrorText = "Failed to send message. Please try again."
	SaveErrorText      = "Your conversation could not be saved."
)

var (
	ErrPersonaNotFound = completion.ErrPersonaNotFound
	ErrConcurrentSend  = errors.New("a message to this persona is already in flight")
	ErrEmptyMessage    = errors.New("message content is required")
	ErrQuotaExceeded   = quota.ErrQuotaExceeded
	ErrTransport       = stream.ErrTransport
)

// Quota is the subset of quota.Gate the orchestrator needs.
type Quota interface {
	CanSend(ctx context.Context, id identity.Identity, personaID string) (bool, error)
	RecordSend(ctx context.Context, id identity.Identity, personaID, responseID string) error
	Remaining(ctx context.Context, id identity.Identity, personaID string) (quota.Allowance, error)
}

// SendStatus describes how a send that did not fail ended.
type SendStatus string

const (
	SendCompleted SendStatus = "completed"
	SendCancelled SendStatus = "cancelled"
	SendFailed    SendStatus = "failed"
)

// SendRequest is one user message. OnDelta, if set, observes every accepted
// delta in order.
type SendRequest struct {
	PersonaID string
	Content   string
	OnDelta   func(delta string)
}

// SendResult carries the message the send ended with: the assistant reply
// when completed, the error entry when failed, nothing when cancelled.
type SendResult struct {
	Status  SendStatus
	Message chat.Message
}

// Service orchestrates every persona conversation of one workspace.
type Service struct {
	identity identity.Identity
	personas persona.Store
	provider completion.Provider
	quota    Quota
	store    *Store
	registry *Registry
	tracker  *notify.Tracker
	lister   ConversationLister
}

// Deps groups the collaborators shared by all workspaces.
type Deps struct {
	Personas persona.Store
	Provider completion.Provider
	Quota    Quota
	Persist  ConversationStore
}

// NewService builds a workspace orchestrator for id.
func NewService(id identity.Identity, deps Deps, tracker *notify.Tracker) *Service {
	registry := NewRegistry()
	persist := deps.Persist
	if id.IsGuest() {
		persist = nil
	}
	if tracker == nil {
		tracker = notify.NewTracker()
	}
	lister, _ := persist.(ConversationLister)
	return &Service{
		identity: id,
		personas: deps.Personas,
		provider: deps.Provider,
		quota:    deps.Quota,
		store:    NewStore(registry, persist),
		registry: registry,
		tracker:  tracker,
		lister:   lister,
	}
}

func (s *Service) Identity() identity.Identity { return s.identity }

func (s *Service) Tracker() *notify.Tracker { return s.tracker }

// Session returns a snapshot of personaID's conversation.
func (s *Service) Session(personaID string) (chat.Session, error) {
	if _, ok := s.personas.FindByID(personaID); !ok {
		return chat.Session{}, fmt.Errorf("%w: %s", ErrPersonaNotFound, personaID)
	}
	return s.store.GetSession(personaID), nil
}

// Conversations loads every conversation the user has persisted and returns
// all sessions of the workspace. A listing failure still returns the local
// sessions.
func (s *Service) Conversations(ctx context.Context) ([]chat.Session, error) {
	if s.lister == nil {
		return s.store.Sessions(), nil
	}

	ids, err := s.lister.ListConversations(ctx, s.identity.UserID)
	if err != nil {
		return s.store.Sessions(), fmt.Errorf("list conversations: %w", err)
	}
	for _, personaID := range ids {
		if _, ok := s.personas.FindByID(personaID); !ok {
			continue
		}
		if err := s.ensureLoaded(ctx, personaID); err != nil {
			log.Printf("[chat] load persona=%s for listing failed: %v", personaID, err)
		}
	}
	return s.store.Sessions(), nil
}

// Focus brings personaID into view, loading its history the first time.
// A failed load still focuses an empty conversation.
func (s *Service) Focus(ctx context.Context, personaID string) (chat.Session, error) {
	if _, ok := s.personas.FindByID(personaID); !ok {
		return chat.Session{}, fmt.Errorf("%w: %s", ErrPersonaNotFound, personaID)
	}

	s.tracker.Focus(personaID)
	err := s.ensureLoaded(ctx, personaID)
	return s.store.GetSession(personaID), err
}

// Send runs one message through the quota check, the provider stream and
// persistence. Failures after the message was accepted are recorded in the
// transcript as an error entry and returned wrapped.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	personaID := req.PersonaID
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return SendResult{}, ErrEmptyMessage
	}
	if _, ok := s.personas.FindByID(personaID); !ok {
		return SendResult{}, fmt.Errorf("%w: %s", ErrPersonaNotFound, personaID)
	}

	if err := s.ensureLoaded(ctx, personaID); err != nil {
		log.Printf("[chat] continuing with empty history for persona=%s: %v", personaID, err)
	}

	// reserve before the quota check
	res, ok := s.registry.TryReserve(personaID)
	if !ok {
		return SendResult{}, fmt.Errorf("%w: persona=%s", ErrConcurrentSend, personaID)
	}
	defer s.registry.Release(res)

	allowed, err := s.quota.CanSend(ctx, s.identity, personaID)
	if err != nil {
		log.Printf("[chat] quota check failed for %s persona=%s, allowing send: %v", s.identity.Key(), personaID, err)
		allowed = true
	}
	if !allowed {
		msg := s.store.AppendErrorMessage(personaID, res.Token, QuotaExceededText)
		return SendResult{Status: SendFailed, Message: msg}, fmt.Errorf("%w: persona=%s", ErrQuotaExceeded, personaID)
	}

	_, history := s.store.AppendUserMessage(personaID, res.Token, content)

	body, err := s.provider.Stream(ctx, completion.Request{PersonaID: personaID, Messages: history})
	if err != nil {
		if s.cancelled(ctx, res) {
			s.store.AbortStream(personaID, res.Token)
			return SendResult{Status: SendCancelled}, nil
		}
		return s.fail(res, err)
	}

	completed, err := s.consume(ctx, res, body, req.OnDelta)
	if err != nil && !s.cancelled(ctx, res) {
		return s.fail(res, err)
	}
	if !completed {
		s.store.AbortStream(personaID, res.Token)
		log.Printf("[chat] send cancelled for persona=%s", personaID)
		return SendResult{Status: SendCancelled}, nil
	}

	reply, ok := s.store.FinalizeAssistantMessage(personaID, res.Token)
	if !ok {
		return SendResult{Status: SendCancelled}, nil
	}
	s.tracker.RecordIncomingMessage(personaID, reply)

	// the reply is final; persistence outlives the request
	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.SaveSession(persistCtx, personaID, s.identity.UserID); err != nil {
		log.Printf("[chat] save failed for %s persona=%s: %v", s.identity.Key(), personaID, err)
		s.store.AppendErrorMessage(personaID, res.Token, SaveErrorText)
	}

	if err := s.quota.RecordSend(persistCtx, s.identity, personaID, res.Token); err != nil {
		log.Printf("[chat] quota record failed for %s persona=%s: %v", s.identity.Key(), personaID, err)
	}

	return SendResult{Status: SendCompleted, Message: reply}, nil
}

// consume drives the provider stream into the session buffer. It reports
// whether the stream ran to its end with the reservation still held.
func (s *Service) consume(ctx context.Context, res Reservation, body io.ReadCloser, onDelta func(string)) (bool, error) {
	consumer := stream.NewConsumer(body)
	defer consumer.Close()

	stop := context.AfterFunc(ctx, func() { _ = consumer.Close() })
	defer stop()

	for {
		delta, err := consumer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, err
		}
		if !s.store.AppendStreamDelta(res.PersonaID, res.Token, delta) {
			_ = consumer.Close()
			return false, nil
		}
		if onDelta != nil {
			onDelta(delta)
		}
	}

	return consumer.Completed() && s.registry.IsCurrent(res.PersonaID, res.Token), nil
}

func (s *Service) cancelled(ctx context.Context, res Reservation) bool {
	return ctx.Err() != nil || !s.registry.IsCurrent(res.PersonaID, res.Token)
}

func (s *Service) fail(res Reservation, cause error) (SendResult, error) {
	log.Printf("[chat] send failed for %s persona=%s: %v", s.identity.Key(), res.PersonaID, cause)
	msg := s.store.AppendErrorMessage(res.PersonaID, res.Token, TransportErrorText)
	if !errors.Is(cause, ErrTransport) {
		cause = fmt.Errorf("%w: %v", ErrTransport, cause)
	}
	return SendResult{Status: SendFailed, Message: msg}, cause
}

// Clear empties the local transcript and cancels any in-flight send.
func (s *Service) Clear(personaID string) error {
	if _, ok := s.personas.FindByID(personaID); !ok {
		return fmt.Errorf("%w: %s", ErrPersonaNotFound, personaID)
	}
	s.store.ClearSession(personaID)
	return nil
}

// Delete clears the conversation locally and in persistence.
func (s *Service) Delete(ctx context.Context, personaID string) error {
	if _, ok := s.personas.FindByID(personaID); !ok {
		return fmt.Errorf("%w: %s", ErrPersonaNotFound, personaID)
	}
	s.tracker.Forget(personaID)
	return s.store.DeleteSession(ctx, personaID, s.identity.UserID)
}

// Remaining reports the caller's allowance for personaID.
func (s *Service) Remaining(ctx context.Context, personaID string) (quota.Allowance, error) {
	if _, ok := s.personas.FindByID(personaID); !ok {
		return quota.Allowance{}, fmt.Errorf("%w: %s", ErrPersonaNotFound, personaID)
	}
	return s.quota.Remaining(ctx, s.identity, personaID)
}

// Active lists personas with a send in flight.
func (s *Service) Active() []string {
	return s.registry.Active()
}

// Close cancels every in-flight send and stops the tracker.
func (s *Service) Close() {
	for _, personaID := range s.registry.Active() {
		s.registry.Revoke(personaID)
	}
	s.tracker.Close()
}

func (s *Service) ensureLoaded(ctx context.Context, personaID string) error {
	if s.store.GetSession(personaID).Loaded {
		return nil
	}
	err := s.store.LoadSession(ctx, personaID, s.identity.UserID)
	if last, ok := s.store.GetSession(personaID).Last(); ok {
		s.tracker.Preview(personaID, last)
	}
	return err
}
