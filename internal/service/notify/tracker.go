package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
)

const (
	DefaultGraceWindow = 5 * time.Second
	DefaultDebounce    = 300 * time.Millisecond

	previewLimit = 120
)

// Preview is the newest assistant message of one persona.
type Preview struct {
	PersonaID string    `json:"personaId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Unread    bool      `json:"unread"`
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithGraceWindow sets how long a focused persona keeps absorbing new
// messages as read.
func WithGraceWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d >= 0 {
			t.grace = d
		}
	}
}

// WithDebounce sets the delay before the aggregate indicator is recomputed.
func WithDebounce(d time.Duration) Option {
	return func(t *Tracker) {
		if d >= 0 {
			t.debounce = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker keeps per-persona unread flags for one workspace and a debounced
// "anything unread" indicator.
type Tracker struct {
	mu         sync.Mutex
	unread     map[string]bool
	lastReadAt map[string]time.Time
	latest     map[string]Preview
	focused    string

	indicator bool
	pending   bool
	timer     *time.Timer
	gen       uint64
	closed    bool

	listeners map[int]func(bool)
	nextID    int

	grace    time.Duration
	debounce time.Duration
	now      func() time.Time
}

// NewTracker returns a tracker with nothing unread.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		unread:     make(map[string]bool),
		lastReadAt: make(map[string]time.Time),
		latest:     make(map[string]Preview),
		listeners:  make(map[int]func(bool)),
		grace:      DefaultGraceWindow,
		debounce:   DefaultDebounce,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordIncomingMessage flags personaID unread for a new assistant message
// unless the persona is focused and was read within the grace window.
func (t *Tracker) RecordIncomingMessage(personaID string, msg chat.Message) {
	if msg.Role != chat.RoleAssistant {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	readAt, seen := t.lastReadAt[personaID]
	withinGrace := personaID == t.focused && seen && now.Sub(readAt) <= t.grace
	if !withinGrace {
		t.unread[personaID] = true
	}
	t.setPreviewLocked(personaID, msg)
	t.scheduleLocked()
}

// Preview stores msg as the persona's latest message without touching the
// unread flag. Used when a transcript is loaded from storage.
func (t *Tracker) Preview(personaID string, msg chat.Message) {
	if msg.Role != chat.RoleAssistant {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setPreviewLocked(personaID, msg)
}

// Focus marks personaID as the one being viewed and clears its flag.
func (t *Tracker) Focus(personaID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.focused = personaID
	t.unread[personaID] = false
	t.lastReadAt[personaID] = t.now()
	t.scheduleLocked()
}

// Focused returns the persona currently in view.
func (t *Tracker) Focused() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.focused
}

// MarkAllRead clears every flag.
func (t *Tracker) MarkAllRead() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id := range t.unread {
		t.unread[id] = false
		t.lastReadAt[id] = now
	}
	t.scheduleLocked()
}

// Forget drops everything known about personaID.
func (t *Tracker) Forget(personaID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.unread, personaID)
	delete(t.latest, personaID)
	t.scheduleLocked()
}

func (t *Tracker) IsUnread(personaID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isUnreadLocked(personaID)
}

// HasAnyUnread computes the aggregate synchronously.
func (t *Tracker) HasAnyUnread() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasAnyUnreadLocked()
}

// Indicator returns the last debounced aggregate.
func (t *Tracker) Indicator() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.indicator
}

// Pending reports whether a recompute is scheduled.
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Notifications lists the latest preview per persona, newest first.
func (t *Tracker) Notifications() []Preview {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Preview, 0, len(t.latest))
	for id, p := range t.latest {
		p.Unread = t.isUnreadLocked(id)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].PersonaID < out[j].PersonaID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Subscribe registers fn for indicator changes and returns its cancel func.
func (t *Tracker) Subscribe(fn func(bool)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Flush runs a pending recompute immediately.
func (t *Tracker) Flush() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	gen := t.gen
	t.mu.Unlock()
	t.recompute(gen)
}

// Close stops the debounce timer. Later updates are not published.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// recompute publishes the aggregate unless a newer update rescheduled it.
func (t *Tracker) recompute(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.timer = nil
	value := t.hasAnyUnreadLocked()
	changed := value != t.indicator
	t.indicator = value

	var listeners []func(bool)
	if changed {
		listeners = make([]func(bool), 0, len(t.listeners))
		for _, fn := range t.listeners {
			listeners = append(listeners, fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(value)
	}
}

// Callers hold t.mu.
func (t *Tracker) scheduleLocked() {
	if t.closed {
		return
	}
	t.pending = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.debounce, func() { t.recompute(gen) })
}

func (t *Tracker) isUnreadLocked(personaID string) bool {
	return personaID != t.focused && t.unread[personaID]
}

func (t *Tracker) hasAnyUnreadLocked() bool {
	for id := range t.unread {
		if t.isUnreadLocked(id) {
			return true
		}
	}
	return false
}

func (t *Tracker) setPreviewLocked(personaID string, msg chat.Message) {
	content := []rune(msg.Content)
	if len(content) > previewLimit {
		content = append(content[:previewLimit], '…')
	}
	t.latest[personaID] = Preview{
		PersonaID: personaID,
		Content:   string(content),
		Timestamp: msg.Timestamp,
	}
}
