package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamp decodes either RFC3339 strings or epoch milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if raw == "" {
			t.Time = time.Time{}
			return nil
		}
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", raw, err)
		}
		t.Time = parsed
		return nil
	}

	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time)
}

// StreamResponse is one full content snapshot of an assistant turn.
type StreamResponse struct {
	MessageID   string            `json:"messageId"`
	ChatID      string            `json:"chatId"`
	Role        string            `json:"role"`
	Message     string            `json:"message"`
	Transaction *Transaction      `json:"transaction,omitempty"`
	ToolData    json.RawMessage   `json:"toolData,omitempty"`
	Memories    []json.RawMessage `json:"memories,omitempty"`
	UserID      string            `json:"userId"`
	Timestamp   Timestamp         `json:"timestamp"`
}

// Blank reports whether the snapshot carries no visible content.
func (r StreamResponse) Blank() bool {
	return strings.TrimSpace(r.Message) == ""
}

// ToMessage converts the snapshot into a timeline record. now is used when
// the backend omitted a timestamp.
func (r StreamResponse) ToMessage(now time.Time) Message {
	id := r.MessageID
	if id == "" {
		id = NewTempID()
	}
	ts := r.Timestamp.Time
	if ts.IsZero() {
		ts = now
	}
	return Message{
		ID:             id,
		ConversationID: r.ChatID,
		Role:           ParseRole(r.Role),
		Content:        r.Message,
		Transaction:    r.Transaction,
		ToolData:       r.ToolData,
		Memories:       r.Memories,
		UserID:         r.UserID,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
}

// StreamStatus is human-readable progress text for the current turn.
type StreamStatus struct {
	Status string `json:"status"`
}

// JoinedChat acknowledges a room join.
type JoinedChat struct {
	ChatID string `json:"chatId"`
}

// Authenticate binds a connection to a wallet identity.
type Authenticate struct {
	Address string `json:"address"`
}

// JoinChat requests membership of a conversation room.
type JoinChat struct {
	ChatID       string `json:"chatId"`
	UserID       string `json:"userId"`
	SessionToken string `json:"sessionToken"`
}

// LeaveChat retracts membership of a conversation room.
type LeaveChat struct {
	ChatID string `json:"chatId"`
}

// StreamAbort asks the backend to stop generating the current turn.
type StreamAbort struct {
	ChatID string `json:"chatId"`
}
