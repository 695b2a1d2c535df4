package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message is a chat message. `IsLocal` is derived on our side and never transmitted.
type Message struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	IsLocal   bool   `json:"-"`
}

// NewMessage creates a local message with a fresh id.
func NewMessage(sender, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		IsLocal:   true,
	}
}
