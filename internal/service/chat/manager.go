package chat

import (
	"log"
	"sync"

	"github.com/zhouzirui/persona-chat/backend/internal/model/identity"
	"github.com/zhouzirui/persona-chat/backend/internal/service/notify"
)

// GuestResetter forgets process-local guest counters.
type GuestResetter interface {
	ResetGuest(guestID string)
}

// Manager hands out one orchestrator per user or guest.
type Manager struct {
	mu         sync.Mutex
	deps       Deps
	trackerOpt []notify.Option
	workspaces map[string]*Service
}

// NewManager builds a manager sharing deps across workspaces. trackerOpts
// configure every workspace's notification tracker.
func NewManager(deps Deps, trackerOpts ...notify.Option) *Manager {
	return &Manager{
		deps:       deps,
		trackerOpt: trackerOpts,
		workspaces: make(map[string]*Service),
	}
}

// Workspace returns the orchestrator for id, creating it on first use.
func (m *Manager) Workspace(id identity.Identity) *Service {
	key := id.Key()

	m.mu.Lock()
	svc, ok := m.workspaces[key]
	if ok {
		m.mu.Unlock()
		return svc
	}
	svc = NewService(id, m.deps, notify.NewTracker(m.trackerOpt...))
	m.workspaces[key] = svc
	m.mu.Unlock()

	log.Printf("[chat] workspace created key=%s tier=%s", key, id.EffectiveTier())
	return svc
}

// Reset discards id's workspace, cancelling its sends. For guests this also
// forgets their quota, the way a page reload does.
func (m *Manager) Reset(id identity.Identity) {
	key := id.Key()

	m.mu.Lock()
	svc, ok := m.workspaces[key]
	delete(m.workspaces, key)
	m.mu.Unlock()

	if ok {
		svc.Close()
	}
	if id.IsGuest() {
		if resetter, ok := m.deps.Quota.(GuestResetter); ok {
			resetter.ResetGuest(id.GuestID)
		}
	}
	log.Printf("[chat] workspace reset key=%s", key)
}

// Len returns the number of live workspaces.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workspaces)
}

// Close shuts every workspace down.
func (m *Manager) Close() {
	m.mu.Lock()
	workspaces := m.workspaces
	m.workspaces = make(map[string]*Service)
	m.mu.Unlock()

	for _, svc := range workspaces {
		svc.Close()
	}
}
