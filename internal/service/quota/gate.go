package quota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/persona-chat/backend/internal/model/identity"
)

const (
	DefaultGuestLimit = 10
	DefaultFreeLimit  = 30

	// Unlimited marks tiers without a message cap.
	Unlimited = -1

	recentResponseLimit = 4096
)

var (
	ErrQuotaExceeded   = errors.New("message quota exceeded")
	ErrAlreadyRecorded = errors.New("response already counted")
	ErrMissingPersona  = errors.New("persona id is required")
)

// CountStore persists per-day counters for authenticated users.
type CountStore interface {
	GetDailyCount(ctx context.Context, userID, personaID string, date time.Time) (int, error)
	SetDailyCount(ctx context.Context, userID, personaID string, date time.Time, count int) error
}

// Limits maps tiers to message caps. Unlimited (-1) disables the cap.
type Limits struct {
	Guest int
	Free  int
}

// DefaultLimits mirrors the product's published plan limits.
func DefaultLimits() Limits {
	return Limits{Guest: DefaultGuestLimit, Free: DefaultFreeLimit}
}

// For returns the cap that applies to tier.
func (l Limits) For(tier identity.Tier) int {
	switch tier {
	case identity.TierGuest:
		return l.Guest
	case identity.TierFree:
		return l.Free
	default:
		return Unlimited
	}
}

// Allowance is the caller-facing view of remaining quota.
type Allowance struct {
	Tier      identity.Tier `json:"tier"`
	Limit     int           `json:"limit"`
	Used      int           `json:"used"`
	Remaining int           `json:"remaining"`
	Unlimited bool          `json:"unlimited"`
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source used to pick the calendar day.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithLimits overrides the default tier caps.
func WithLimits(limits Limits) Option {
	return func(g *Gate) {
		g.limits = limits
	}
}

type guestKey struct {
	guestID   string
	personaID string
}

// Gate decides whether a send is allowed and records consumption.
// Guest counters live in process memory for its whole lifetime;
// authenticated counters go through the CountStore keyed by UTC day.
type Gate struct {
	mu       sync.Mutex
	store    CountStore
	limits   Limits
	now      func() time.Time
	guests   map[guestKey]int
	recorded map[string]struct{}
	order    []string
}

// NewGate builds a gate backed by store.
func NewGate(store CountStore, opts ...Option) *Gate {
	g := &Gate{
		store:    store,
		limits:   DefaultLimits(),
		now:      time.Now,
		guests:   make(map[guestKey]int),
		recorded: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Today returns the UTC calendar day used for quota bookkeeping.
func (g *Gate) Today() time.Time {
	now := g.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// CanSend reports whether id may send another message to personaID.
func (g *Gate) CanSend(ctx context.Context, id identity.Identity, personaID string) (bool, error) {
	allowance, err := g.Remaining(ctx, id, personaID)
	if err != nil {
		return false, err
	}
	return allowance.Unlimited || allowance.Remaining > 0, nil
}

// Remaining reads the same counters CanSend uses.
func (g *Gate) Remaining(ctx context.Context, id identity.Identity, personaID string) (Allowance, error) {
	if personaID == "" {
		return Allowance{}, ErrMissingPersona
	}

	tier := id.EffectiveTier()
	limit := g.limits.For(tier)
	used, err := g.used(ctx, id, personaID)
	if err != nil {
		return Allowance{}, err
	}

	allowance := Allowance{Tier: tier, Limit: limit, Used: used}
	if limit == Unlimited {
		allowance.Unlimited = true
		allowance.Remaining = Unlimited
		return allowance, nil
	}
	allowance.Remaining = max(0, limit-used)
	return allowance, nil
}

// RecordSend counts one completed response. responseID guards against
// counting the same response twice.
func (g *Gate) RecordSend(ctx context.Context, id identity.Identity, personaID, responseID string) error {
	if personaID == "" {
		return ErrMissingPersona
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if responseID != "" {
		if _, seen := g.recorded[responseID]; seen {
			return ErrAlreadyRecorded
		}
	}

	tier := id.EffectiveTier()
	limit := g.limits.For(tier)

	if tier == identity.TierGuest {
		key := guestKey{guestID: id.GuestID, personaID: personaID}
		current := g.guests[key]
		if limit != Unlimited && current >= limit {
			return fmt.Errorf("%w: guest limit %d reached", ErrQuotaExceeded, limit)
		}
		g.guests[key] = current + 1
		g.remember(responseID)
		return nil
	}

	day := g.Today()
	current, err := g.store.GetDailyCount(ctx, id.UserID, personaID, day)
	if err != nil {
		return fmt.Errorf("read daily count: %w", err)
	}
	current = max(0, current)
	if limit != Unlimited && current >= limit {
		return fmt.Errorf("%w: daily limit %d reached", ErrQuotaExceeded, limit)
	}
	if err := g.store.SetDailyCount(ctx, id.UserID, personaID, day, current+1); err != nil {
		return fmt.Errorf("write daily count: %w", err)
	}
	g.remember(responseID)
	log.Printf("[quota] user=%s persona=%s day=%s count=%d", id.UserID, personaID, day.Format(time.DateOnly), current+1)
	return nil
}

// ResetGuest forgets every counter for guestID, as a page reload would.
func (g *Gate) ResetGuest(guestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for key := range g.guests {
		if key.guestID == guestID {
			delete(g.guests, key)
		}
	}
}

func (g *Gate) used(ctx context.Context, id identity.Identity, personaID string) (int, error) {
	if id.EffectiveTier() == identity.TierGuest {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.guests[guestKey{guestID: id.GuestID, personaID: personaID}], nil
	}

	count, err := g.store.GetDailyCount(ctx, id.UserID, personaID, g.Today())
	if err != nil {
		return 0, fmt.Errorf("read daily count: %w", err)
	}
	return max(0, count), nil
}

// remember keeps a bounded window of counted response ids. Callers hold g.mu.
func (g *Gate) remember(responseID string) {
	if responseID == "" {
		return
	}
	g.recorded[responseID] = struct{}{}
	g.order = append(g.order, responseID)
	if len(g.order) > recentResponseLimit {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.recorded, oldest)
	}
}
