package identity

import "strings"

// Tier is the subscription level that governs message quota.
type Tier string

const (
	TierGuest Tier = "guest"
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierUltra Tier = "ultra"
	TierAdmin Tier = "admin"
)

// ParseTier normalises a tier name. Unknown or empty names fall back to free.
func ParseTier(raw string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierGuest:
		return TierGuest
	case TierPro:
		return TierPro
	case TierUltra:
		return TierUltra
	case TierAdmin:
		return TierAdmin
	default:
		return TierFree
	}
}

// Identity describes who is chatting. A missing UserID always means guest.
type Identity struct {
	UserID  string `json:"userId,omitempty"`
	GuestID string `json:"guestId,omitempty"`
	Tier    Tier   `json:"tier"`
}

// Guest builds a guest identity bound to a client-held id.
func Guest(guestID string) Identity {
	return Identity{GuestID: guestID, Tier: TierGuest}
}

// User builds an authenticated identity.
func User(userID string, tier Tier) Identity {
	return Identity{UserID: userID, Tier: tier}
}

// IsGuest reports whether the identity has no durable user id.
func (i Identity) IsGuest() bool {
	return strings.TrimSpace(i.UserID) == ""
}

// EffectiveTier returns the tier used for quota decisions.
func (i Identity) EffectiveTier() Tier {
	if i.IsGuest() {
		return TierGuest
	}
	if i.Tier == "" || i.Tier == TierGuest {
		return TierFree
	}
	return i.Tier
}

// Key identifies the workspace that owns this identity's conversations.
func (i Identity) Key() string {
	if i.IsGuest() {
		return "guest:" + i.GuestID
	}
	return "user:" + i.UserID
}
