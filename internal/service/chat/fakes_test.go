package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/model/identity"
	"github.com/zhouzirui/persona-chat/backend/internal/service/completion"
	"github.com/zhouzirui/persona-chat/backend/internal/service/quota"
	"github.com/zhouzirui/persona-chat/backend/internal/service/stream"
	"github.com/zhouzirui/persona-chat/backend/internal/store"
)

var errBackend = errors.New("backend unavailable")

func sseBody(deltas ...string) io.ReadCloser {
	var buf bytes.Buffer
	enc := stream.NewEncoder(&buf)
	for _, d := range deltas {
		_ = enc.WriteDelta(d)
	}
	_ = enc.WriteDone()
	return io.NopCloser(&buf)
}

type fakeProvider struct {
	mu       sync.Mutex
	requests []completion.Request
	respond  func(req completion.Request) (io.ReadCloser, error)
}

func replying(deltas ...string) *fakeProvider {
	return &fakeProvider{respond: func(completion.Request) (io.ReadCloser, error) {
		return sseBody(deltas...), nil
	}}
}

func (p *fakeProvider) Stream(_ context.Context, req completion.Request) (io.ReadCloser, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	respond := p.respond
	p.mu.Unlock()
	return respond(req)
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fakePersist struct {
	mu            sync.Mutex
	conversations map[string][]chat.Message
	loadErr       error
	saveErr       error
	deleteErr     error
	listErr       error
	loadGate      chan struct{}
	loads         atomic.Int32
	saves         atomic.Int32
}

func newFakePersist() *fakePersist {
	return &fakePersist{conversations: make(map[string][]chat.Message)}
}

func (p *fakePersist) LoadConversation(_ context.Context, userID, personaID string) ([]chat.Message, error) {
	p.loads.Add(1)
	if p.loadGate != nil {
		<-p.loadGate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	return append([]chat.Message(nil), p.conversations[userID+"/"+personaID]...), nil
}

func (p *fakePersist) SaveConversation(ctx context.Context, userID, personaID string, messages []chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.saves.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.conversations[userID+"/"+personaID] = append([]chat.Message(nil), messages...)
	return nil
}

func (p *fakePersist) DeleteConversation(_ context.Context, userID, personaID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteErr != nil {
		return p.deleteErr
	}
	delete(p.conversations, userID+"/"+personaID)
	return nil
}

func (p *fakePersist) ListConversations(_ context.Context, userID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	var ids []string
	for key := range p.conversations {
		if personaID, ok := strings.CutPrefix(key, userID+"/"); ok {
			ids = append(ids, personaID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *fakePersist) saved(userID, personaID string) []chat.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conversations[userID+"/"+personaID]
}

// ctxCounts refuses cancelled contexts the way network-backed stores do.
type ctxCounts struct {
	*store.MemoryStore
}

func (c ctxCounts) GetDailyCount(ctx context.Context, userID, personaID string, date time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.MemoryStore.GetDailyCount(ctx, userID, personaID, date)
}

func (c ctxCounts) SetDailyCount(ctx context.Context, userID, personaID string, date time.Time, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemoryStore.SetDailyCount(ctx, userID, personaID, date, count)
}

// closeHook runs onClose when the body is closed.
type closeHook struct {
	io.ReadCloser
	onClose func()
}

func (c closeHook) Close() error {
	c.onClose()
	return c.ReadCloser.Close()
}

// scriptedQuota answers CanSend from a fixed script, then allows.
type scriptedQuota struct {
	mu       sync.Mutex
	answers  []bool
	checks   int
	recorded int
}

func (q *scriptedQuota) CanSend(context.Context, identity.Identity, string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checks++
	if len(q.answers) == 0 {
		return true, nil
	}
	answer := q.answers[0]
	q.answers = q.answers[1:]
	return answer, nil
}

func (q *scriptedQuota) RecordSend(context.Context, identity.Identity, string, string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recorded++
	return nil
}

func (q *scriptedQuota) Remaining(context.Context, identity.Identity, string) (quota.Allowance, error) {
	return quota.Allowance{}, nil
}

func (q *scriptedQuota) counts() (checks, recorded int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checks, q.recorded
}
