package persona

import "strings"

// Store is the read-only persona catalog.
type Store interface {
	List() []Persona
	Search(query string) []Persona
	FindByID(id string) (Persona, bool)
}

// MemoryStore serves a fixed catalog. Lookups go through an id index;
// listings keep catalog order.
type MemoryStore struct {
	items []Persona
	index map[string]int
}

// NewMemoryStore builds a catalog from items. Entries without an id are
// skipped and a repeated id keeps its first position.
func NewMemoryStore(items []Persona) *MemoryStore {
	s := &MemoryStore{index: make(map[string]int, len(items))}
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, dup := s.index[item.ID]; dup {
			continue
		}
		s.index[item.ID] = len(s.items)
		s.items = append(s.items, item)
	}
	return s
}

func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// Search returns personas whose id, name or title contains query, ignoring
// case, in catalog order. A blank query lists the whole catalog.
func (s *MemoryStore) Search(query string) []Persona {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return s.List()
	}

	out := make([]Persona, 0)
	for _, item := range s.items {
		if strings.Contains(item.ID, query) ||
			strings.Contains(strings.ToLower(item.Name), query) ||
			strings.Contains(strings.ToLower(item.Title), query) {
			out = append(out, item)
		}
	}
	return out
}

// FindByID looks up a persona by identifier.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	i, ok := s.index[id]
	if !ok {
		return Persona{}, false
	}
	return s.items[i], true
}
