package chat

import "time"

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	// RoleError marks synthetic transcript entries describing a failed send.
	RoleError Role = "error"
)

// Message is a single turn in a persona conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversational reports whether the message belongs in a completion request.
func (m Message) Conversational() bool {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}
