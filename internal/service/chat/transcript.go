package chat

import (
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/lunark-client/internal/model/chat"
)

// Transcript 将会话时间线转换为 eino 的消息格式，便于导出或交给下游模型工具。
func (s *Store) Transcript(conversationID string) []*schema.Message {
	return ToSchemaMessages(s.Messages(conversationID))
}

// ToSchemaMessages converts timeline messages, skipping blank ones.
func ToSchemaMessages(messages []chat.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}

		var m *schema.Message
		if msg.Role == chat.RoleAssistant {
			m = schema.AssistantMessage(msg.Content, nil)
		} else {
			m = schema.UserMessage(msg.Content)
		}

		m.Extra = map[string]any{
			"id":        msg.ID,
			"createdAt": msg.CreatedAt,
		}
		if msg.Transaction != nil {
			m.Extra["transactionId"] = msg.Transaction.ID
			m.Extra["transactionStatus"] = string(msg.Transaction.Status)
		}
		out = append(out, m)
	}
	return out
}
