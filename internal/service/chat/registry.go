package chat

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Reservation is the right to stream into one persona's session.
type Reservation struct {
	PersonaID string
	Token     string
}

// Registry admits at most one in-flight send per persona.
type Registry struct {
	mu     sync.Mutex
	active map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]string)}
}

// TryReserve claims personaID. It returns false without side effects when a
// send already holds it.
func (r *Registry) TryReserve(personaID string) (Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.active[personaID]; busy {
		return Reservation{}, false
	}
	res := Reservation{PersonaID: personaID, Token: uuid.NewString()}
	r.active[personaID] = res.Token
	return res, true
}

// Release frees the slot if res is still the current holder.
func (r *Registry) Release(res Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active[res.PersonaID] == res.Token {
		delete(r.active, res.PersonaID)
	}
}

// Revoke drops whatever reservation personaID holds. The flow that owned it
// sees IsCurrent turn false and stops writing.
func (r *Registry) Revoke(personaID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, held := r.active[personaID]
	delete(r.active, personaID)
	return held
}

func (r *Registry) IsCurrent(personaID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return token != "" && r.active[personaID] == token
}

// Active lists personas with a send in flight, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
