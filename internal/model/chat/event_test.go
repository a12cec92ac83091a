package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimestampAcceptsMillisAndRFC3339(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want time.Time
	}{
		{name: "millis", raw: `1700000000000`, want: time.UnixMilli(1700000000000).UTC()},
		{name: "millis string", raw: `"1700000000000"`, want: time.UnixMilli(1700000000000).UTC()},
		{name: "rfc3339", raw: `"2024-05-01T10:00:00Z"`, want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "null", raw: `null`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &ts))
			require.True(t, tc.want.Equal(ts.Time), "got %s want %s", ts.Time, tc.want)
		})
	}
}

func TestTimestampRejectsGarbage(t *testing.T) {
	var ts Timestamp
	require.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestStreamResponseToMessage(t *testing.T) {
	var resp StreamResponse
	payload := `{"messageId":"m1","chatId":"c1","role":"lunark","message":"Hello","userId":"u1","timestamp":1700000000000}`
	require.NoError(t, json.Unmarshal([]byte(payload), &resp))

	msg := resp.ToMessage(time.Now())
	require.Equal(t, "m1", msg.ID)
	require.Equal(t, "c1", msg.ConversationID)
	require.Equal(t, RoleAssistant, msg.Role)
	require.Equal(t, "Hello", msg.Content)
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), msg.CreatedAt)
}

func TestStreamResponseWithoutIDGetsTempID(t *testing.T) {
	now := time.Now()
	msg := StreamResponse{Message: "hi"}.ToMessage(now)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, now, msg.CreatedAt)
}

func TestBlankSnapshot(t *testing.T) {
	require.True(t, StreamResponse{Message: "  \n\t"}.Blank())
	require.False(t, StreamResponse{Message: " a "}.Blank())
}

func TestMessageCloneIsDeep(t *testing.T) {
	orig := Message{
		ID:          "m1",
		Memories:    []json.RawMessage{json.RawMessage(`{"k":1}`)},
		Transaction: &Transaction{ID: "tx", Data: TransactionData{Details: map[string]any{"a": 1}}},
	}
	cp := orig.Clone()
	cp.Transaction.Data.Details["a"] = 2
	cp.Memories[0][2] = 'x'

	require.Equal(t, 1, orig.Transaction.Data.Details["a"])
	require.Equal(t, `{"k":1}`, string(orig.Memories[0]))
}
