package models

import "time"

// Role identifies the author of a chat message. Only the two conversational
// variants are ever persisted; the system preamble is built server-side and
// never leaves the relay.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the storable variants.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one persisted entry of a conversation transcript.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
