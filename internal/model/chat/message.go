package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role tags a turn in a session log.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the two roles a log may contain.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message persists individual turns of a conversation.
type Message struct {
	ID        string    `json:"id" bson:"id"`
	Role      Role      `json:"role" bson:"role"`
	Content   string    `json:"content" bson:"content"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

// NewMessage stamps a turn with a fresh identifier and the current UTC time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
