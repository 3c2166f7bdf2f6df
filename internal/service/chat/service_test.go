package chat

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/model/identity"
	"github.com/zhouzirui/persona-chat/backend/internal/model/persona"
	"github.com/zhouzirui/persona-chat/backend/internal/service/completion"
	"github.com/zhouzirui/persona-chat/backend/internal/service/notify"
	"github.com/zhouzirui/persona-chat/backend/internal/service/quota"
	"github.com/zhouzirui/persona-chat/backend/internal/store"
)

type fixture struct {
	svc      *Service
	provider *fakeProvider
	persist  *fakePersist
	gate     *quota.Gate
	counts   *store.MemoryStore
}

func newFixture(t *testing.T, id identity.Identity, provider *fakeProvider, limits quota.Limits) *fixture {
	t.Helper()
	counts := store.NewMemoryStore()
	gate := quota.NewGate(counts, quota.WithLimits(limits))
	persist := newFakePersist()
	tracker := notify.NewTracker(notify.WithDebounce(time.Hour))
	svc := NewService(id, Deps{
		Personas: persona.NewMemoryStore(persona.Seed()),
		Provider: provider,
		Quota:    gate,
		Persist:  persist,
	}, tracker)
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, provider: provider, persist: persist, gate: gate, counts: counts}
}

func freeUser() identity.Identity { return identity.User("u1", identity.TierFree) }

func TestSendCompletesAndPersists(t *testing.T) {
	f := newFixture(t, freeUser(), replying("Hello", " world"), quota.DefaultLimits())
	_, err := f.svc.Focus(context.Background(), "sherlock-holmes")
	require.NoError(t, err)

	var deltas []string
	result, err := f.svc.Send(context.Background(), SendRequest{
		PersonaID: "gandalf",
		Content:   "hi",
		OnDelta:   func(d string) { deltas = append(deltas, d) },
	})
	require.NoError(t, err)
	assert.Equal(t, SendCompleted, result.Status)
	assert.Equal(t, "Hello world", result.Message.Content)
	assert.Equal(t, []string{"Hello", " world"}, deltas)

	session, err := f.svc.Session("gandalf")
	require.NoError(t, err)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, chat.RoleUser, session.Messages[0].Role)
	assert.Equal(t, chat.RoleAssistant, session.Messages[1].Role)
	assert.False(t, session.IsLoading)

	require.Len(t, f.provider.requests, 1)
	assert.Equal(t, "hi", f.provider.requests[0].Messages[0].Content)

	assert.Len(t, f.persist.saved("u1", "gandalf"), 2)
	assert.True(t, f.svc.Tracker().IsUnread("gandalf"), "reply to an unfocused persona is unread")

	allowance, err := f.svc.Remaining(context.Background(), "gandalf")
	require.NoError(t, err)
	assert.Equal(t, 1, allowance.Used)
	assert.Equal(t, quota.DefaultFreeLimit-1, allowance.Remaining)
}

func TestSendQuotaExceeded(t *testing.T) {
	f := newFixture(t, freeUser(), replying("ok"), quota.Limits{Guest: 1, Free: 1})

	_, err := f.svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "one"})
	require.NoError(t, err)

	result, err := f.svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "two"})
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, SendFailed, result.Status)
	assert.Equal(t, QuotaExceededText, result.Message.Content)
	assert.Equal(t, 1, f.provider.Calls(), "no provider call once the quota is spent")

	last, _ := f.svc.store.GetSession("gandalf").Last()
	assert.Equal(t, chat.RoleError, last.Role)

	_, err = f.svc.Send(context.Background(), SendRequest{PersonaID: "tony-stark", Content: "other"})
	assert.NoError(t, err, "quota is per persona")
}

func TestSendRejectsConcurrentSend(t *testing.T) {
	pr, pw := io.Pipe()
	provider := &fakeProvider{respond: func(completion.Request) (io.ReadCloser, error) { return pr, nil }}
	f := newFixture(t, freeUser(), provider, quota.DefaultLimits())

	done := make(chan SendResult, 1)
	go func() {
		result, err := f.svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "first"})
		assert.NoError(t, err)
		done <- result
	}()
	require.Eventually(t, func() bool { return provider.Calls() == 1 }, time.Second, 5*time.Millisecond)

	_, err := f.svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "second"})
	require.ErrorIs(t, err, ErrConcurrentSend)
	assert.Len(t, f.svc.store.GetSession("gandalf").Messages, 1, "rejected send leaves no trace")

	_, _ = pw.Write([]byte("data: {\"content\":\"done\"}\n\ndata: [DONE]\n\n"))
	_ = pw.Close()

	select {
	case result := <-done:
		assert.Equal(t, SendCompleted, result.Status)
		assert.Equal(t, "done", result.Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("first send never finished")
	}
	assert.Empty(t, f.svc.Active())
}

func TestSendTransportErrorConsumesNoQuota(t *testing.T) {
	provider := &fakeProvider{respond: func(completion.Request) (io.ReadCloser, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	f := newFixture(t, freeUser(), provider, quota.DefaultLimits())

	result, err := f.svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "hi"})
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, SendFailed, result.Status)
	assert.Equal(t, TransportErrorText, result.Message.Content)

	session := f.svc.store.GetSession("gandalf")
	require.Len(t, session.Messages, 2)
	assert.Equal(t, chat.RoleUser, session.Messages[0].Role)
	assert.Equal(t, chat.RoleError, session.Messages[1].Role)
	assert.False(t, session.IsLoading)

	allowance, err := f.svc.Remaining(context.Background(), "gandalf")
	require.NoError(t, err)
	assert.Zero(t, allowance.Used)
	assert.Zero(t, f.persist.saves.Load())
}

func TestSendUnknownPersona(t *testing.T) {
	f := newFixture(t, freeUser(), replying("x"), quota.DefaultLimits())

	_, err := f.svc.Send(context.Background(), SendRequest{PersonaID: "moriarty", Content: "hi"})
	require.ErrorIs(t, err, ErrPersonaNotFound)
	assert.Zero(t, f.provider.Calls())

	_, err = f.svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendSaveFailureKeepsMessages(t *testing.T) {
	f := newFixture(t, freeUser(), replying("kept"), quota.DefaultLimits())
	f.persist.saveErr = errBackend

	result, err := f.svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, SendCompleted, result.Status)

	session := f.svc.store.GetSession("gandalf")
	require.Len(t, session.Messages, 3)
	assert.Equal(t, "kept", session.Messages[1].Content)
	assert.Equal(t, SaveErrorText, session.Messages[2].Content)
}

func TestSendGuestSkipsPersistence(t *testing.T) {
	f := newFixture(t, identity.Guest("g1"), replying("hey"), quota.Limits{Guest: 1, Free: 30})

	_, err := f.svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "hi"})
	require.NoError(t, err)
	assert.Zero(t, f.persist.saves.Load())
	assert.Zero(t, f.persist.loads.Load())

	_, err = f.svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "again"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestClearCancelsInFlightSend(t *testing.T) {
	pr, pw := io.Pipe()
	provider := &fakeProvider{respond: func(completion.Request) (io.ReadCloser, error) { return pr, nil }}
	f := newFixture(t, freeUser(), provider, quota.DefaultLimits())

	done := make(chan SendResult, 1)
	go func() {
		result, err := f.svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "hi"})
		assert.NoError(t, err)
		done <- result
	}()

	_, err := pw.Write([]byte("data: {\"content\":\"partial\"}\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.svc.store.GetSession("gandalf").StreamingBuffer == "partial"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.Clear("gandalf"))
	go func() {
		_, _ = pw.Write([]byte("data: {\"content\":\"late\"}\n"))
		_ = pw.Close()
	}()

	select {
	case result := <-done:
		assert.Equal(t, SendCancelled, result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("send was not cancelled")
	}

	session := f.svc.store.GetSession("gandalf")
	assert.Empty(t, session.Messages)
	assert.Empty(t, session.StreamingBuffer)
	assert.False(t, f.svc.Tracker().IsUnread("gandalf"))

	allowance, err := f.svc.Remaining(context.Background(), "gandalf")
	require.NoError(t, err)
	assert.Zero(t, allowance.Used)
}

func TestSendContextCancelled(t *testing.T) {
	pr, _ := io.Pipe()
	provider := &fakeProvider{respond: func(completion.Request) (io.ReadCloser, error) { return pr, nil }}
	f := newFixture(t, freeUser(), provider, quota.DefaultLimits())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan SendResult, 1)
	go func() {
		result, err := f.svc.Send(ctx, SendRequest{PersonaID: "gandalf", Content: "hi"})
		assert.NoError(t, err)
		done <- result
	}()
	require.Eventually(t, func() bool { return provider.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case result := <-done:
		assert.Equal(t, SendCancelled, result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("send ignored context cancellation")
	}

	session := f.svc.store.GetSession("gandalf")
	require.Len(t, session.Messages, 1, "user message stays, no error entry")
	assert.False(t, session.IsLoading)
}

func TestFocusLoadsHistoryOnce(t *testing.T) {
	f := newFixture(t, freeUser(), replying("x"), quota.DefaultLimits())
	f.persist.conversations["u1/gandalf"] = []chat.Message{
		{ID: "1", Role: chat.RoleUser, Content: "hello"},
		{ID: "2", Role: chat.RoleAssistant, Content: "A wizard is never late"},
	}

	session, err := f.svc.Focus(context.Background(), "gandalf")
	require.NoError(t, err)
	assert.Len(t, session.Messages, 2)
	assert.True(t, session.Loaded)

	_, err = f.svc.Focus(context.Background(), "gandalf")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.persist.loads.Load())

	previews := f.svc.Tracker().Notifications()
	require.Len(t, previews, 1)
	assert.Equal(t, "A wizard is never late", previews[0].Content)
	assert.False(t, previews[0].Unread)
}

func TestDeleteRemovesPersistedConversation(t *testing.T) {
	f := newFixture(t, freeUser(), replying("bye"), quota.DefaultLimits())

	_, err := f.svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, f.persist.saved("u1", "gandalf"))

	require.NoError(t, f.svc.Delete(context.Background(), "gandalf"))
	assert.Empty(t, f.persist.saved("u1", "gandalf"))
	assert.Empty(t, f.svc.store.GetSession("gandalf").Messages)
	assert.False(t, f.svc.Tracker().IsUnread("gandalf"))
}

func TestSendCountsReplyWhenClientLeavesAfterDone(t *testing.T) {
	counts := ctxCounts{store.NewMemoryStore()}
	gate := quota.NewGate(counts)
	persist := newFakePersist()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider := &fakeProvider{respond: func(completion.Request) (io.ReadCloser, error) {
		return closeHook{ReadCloser: sseBody("Hi"), onClose: cancel}, nil
	}}

	svc := NewService(freeUser(), Deps{
		Personas: persona.NewMemoryStore(persona.Seed()),
		Provider: provider,
		Quota:    gate,
		Persist:  persist,
	}, notify.NewTracker(notify.WithDebounce(time.Hour)))
	t.Cleanup(svc.Close)

	result, err := svc.Send(ctx, SendRequest{PersonaID: "gandalf", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, SendCompleted, result.Status)
	require.Error(t, ctx.Err(), "the request context ends with the stream")

	assert.Len(t, persist.saved("u1", "gandalf"), 2)
	allowance, err := gate.Remaining(context.Background(), freeUser(), "gandalf")
	require.NoError(t, err)
	assert.Equal(t, 1, allowance.Used)

	session, err := svc.Session("gandalf")
	require.NoError(t, err)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, "Hi", session.Messages[1].Content)
}

func TestQuotaRefusalDoesNotTouchInFlightSend(t *testing.T) {
	pr, pw := io.Pipe()
	provider := &fakeProvider{respond: func(completion.Request) (io.ReadCloser, error) { return pr, nil }}
	q := &scriptedQuota{answers: []bool{true, false}}
	svc := NewService(freeUser(), Deps{
		Personas: persona.NewMemoryStore(persona.Seed()),
		Provider: provider,
		Quota:    q,
		Persist:  newFakePersist(),
	}, notify.NewTracker(notify.WithDebounce(time.Hour)))
	t.Cleanup(svc.Close)

	done := make(chan SendResult, 1)
	go func() {
		result, err := svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "hi"})
		assert.NoError(t, err)
		done <- result
	}()

	_, err := pw.Write([]byte("data: {\"content\":\"Hello\"}\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return svc.store.GetSession("gandalf").StreamingBuffer == "Hello"
	}, time.Second, 5*time.Millisecond)

	_, err = svc.Send(context.Background(), SendRequest{PersonaID: "gandalf", Content: "again"})
	require.ErrorIs(t, err, ErrConcurrentSend)
	checks, _ := q.counts()
	assert.Equal(t, 1, checks, "a rejected concurrent send never asks the quota")

	_, _ = pw.Write([]byte("data: {\"content\":\" there\"}\n\ndata: [DONE]\n\n"))
	_ = pw.Close()

	select {
	case result := <-done:
		assert.Equal(t, SendCompleted, result.Status)
		assert.Equal(t, "Hello there", result.Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("first send never finished")
	}

	session := svc.store.GetSession("gandalf")
	require.Len(t, session.Messages, 2)
	assert.Equal(t, chat.RoleUser, session.Messages[0].Role)
	assert.Equal(t, chat.RoleAssistant, session.Messages[1].Role)
	_, recorded := q.counts()
	assert.Equal(t, 1, recorded)
}

func TestConversationsIncludesPersistedHistory(t *testing.T) {
	f := newFixture(t, freeUser(), replying("x"), quota.DefaultLimits())
	f.persist.conversations["u1/gandalf"] = []chat.Message{{ID: "1", Role: chat.RoleAssistant, Content: "Fly, you fools"}}
	f.persist.conversations["u1/tony-stark"] = []chat.Message{{ID: "2", Role: chat.RoleUser, Content: "suit up"}}
	f.persist.conversations["u1/retired-persona"] = []chat.Message{{ID: "3", Role: chat.RoleUser, Content: "hello?"}}
	f.persist.conversations["u2/harry-potter"] = []chat.Message{{ID: "4", Role: chat.RoleUser, Content: "not mine"}}

	sessions, err := f.svc.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "gandalf", sessions[0].PersonaID)
	assert.Equal(t, "Fly, you fools", sessions[0].Messages[0].Content)
	assert.True(t, sessions[0].Loaded)
	assert.Equal(t, "tony-stark", sessions[1].PersonaID)

	_, err = f.svc.Conversations(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.persist.loads.Load(), "each conversation is loaded once")

	f.persist.listErr = errBackend
	sessions, err = f.svc.Conversations(context.Background())
	assert.ErrorIs(t, err, errBackend)
	assert.Len(t, sessions, 2, "local sessions survive a listing failure")
}
