package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole maps wire role labels onto Role. The backend labels assistant
// turns with the product name.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "assistant", "lunark":
		return RoleAssistant
	default:
		return RoleUser
	}
}

// Message is one turn of a conversation timeline.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"chatId"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	Transaction    *Transaction      `json:"transaction,omitempty"`
	ToolData       json.RawMessage   `json:"toolData,omitempty"`
	Memories       []json.RawMessage `json:"memories,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	out := m
	if m.Transaction != nil {
		tx := m.Transaction.Clone()
		out.Transaction = &tx
	}
	if m.ToolData != nil {
		out.ToolData = append(json.RawMessage(nil), m.ToolData...)
	}
	if m.Memories != nil {
		out.Memories = make([]json.RawMessage, len(m.Memories))
		for i, mem := range m.Memories {
			out.Memories[i] = append(json.RawMessage(nil), mem...)
		}
	}
	return out
}

// NewTempID returns a time-ordered identifier for optimistic messages.
func NewTempID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
