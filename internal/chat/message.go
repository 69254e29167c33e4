// Package chat owns the user-visible conversation: the transcript, the
// single sendMessage entry point, and the wiring between the completion
// coordinator and the backend sync client.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message roles as they appear in the transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleError     = "error"
)

// Message is one transcript entry. Content grows in place while an
// assistant stream is active and is frozen once the stream resolves.
type Message struct {
	ID               string    `json:"id"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"created_at"`
	ProcessingTimeMs int64     `json:"processing_time_ms,omitempty"`
	TokensUsed       int       `json:"tokens_used,omitempty"`
}

func newMessage(role, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
