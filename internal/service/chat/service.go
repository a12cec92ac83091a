package chat

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/lunark-client/internal/model/chat"
)

var (
	ErrConversationRequired = errors.New("conversation id is required")
	ErrMessageRequired      = errors.New("message id is required")
	ErrNoAssistantMessage   = errors.New("no assistant message in timeline")
	ErrAlreadyAttached      = errors.New("latest assistant message already carries a transaction")
)

// ChangeKind describes a timeline mutation.
type ChangeKind string

const (
	ChangeReset    ChangeKind = "reset"
	ChangeAppend   ChangeKind = "append"
	ChangeUpdate   ChangeKind = "update"
	ChangeRollback ChangeKind = "rollback"
)

// Change is published to subscribers after every mutation.
type Change struct {
	Kind           ChangeKind   `json:"kind"`
	ConversationID string       `json:"chatId"`
	Message        chat.Message `json:"message"`
}

// ApplyResult reports what ApplySnapshot did.
type ApplyResult int

const (
	Ignored ApplyResult = iota
	Created
	Updated
)

// Store holds one ordered message timeline per conversation. It is the only
// shared mutable state of the client; writers are the stream accumulator,
// the transaction reconciler and the turn controller.
type Store struct {
	mu        sync.RWMutex
	timelines map[string][]chat.Message
	now       func() time.Time

	subMu  sync.Mutex
	subs   map[uint64]chan Change
	nextID uint64
}

// NewStore bootstraps an empty in-memory timeline store.
func NewStore() *Store {
	return &Store{
		timelines: make(map[string][]chat.Message),
		now:       func() time.Time { return time.Now().UTC() },
		subs:      make(map[uint64]chan Change),
	}
}

// Replace installs a full history for a conversation.
func (s *Store) Replace(conversationID string, messages []chat.Message) error {
	if conversationID == "" {
		return ErrConversationRequired
	}

	copied := make([]chat.Message, 0, len(messages))
	for _, m := range messages {
		m = m.Clone()
		m.ConversationID = conversationID
		copied = append(copied, m)
	}

	s.mu.Lock()
	s.timelines[conversationID] = copied
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeReset, ConversationID: conversationID})
	return nil
}

// Append adds a message at the end of its conversation's timeline.
func (s *Store) Append(message chat.Message) error {
	if message.ConversationID == "" {
		return ErrConversationRequired
	}
	if message.ID == "" {
		return ErrMessageRequired
	}

	now := s.now()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	if message.UpdatedAt.IsZero() {
		message.UpdatedAt = message.CreatedAt
	}
	message = message.Clone()

	s.mu.Lock()
	s.timelines[message.ConversationID] = append(s.timelines[message.ConversationID], message)
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeAppend, ConversationID: message.ConversationID, Message: message.Clone()})
	return nil
}

// Remove deletes a message; only used to roll back an optimistic submission.
func (s *Store) Remove(conversationID, messageID string) bool {
	s.mu.Lock()
	timeline := s.timelines[conversationID]
	idx := indexOf(timeline, messageID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	removed := timeline[idx]
	s.timelines[conversationID] = append(timeline[:idx:idx], timeline[idx+1:]...)
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeRollback, ConversationID: conversationID, Message: removed})
	return true
}

// ApplySnapshot folds a full content snapshot into the timeline. A blank
// snapshot never touches the timeline. An unknown id is appended; a known id
// gets its content replaced, and its side metadata replaced only when the
// snapshot carries some.
func (s *Store) ApplySnapshot(snapshot chat.Message) (ApplyResult, error) {
	if snapshot.ConversationID == "" {
		return Ignored, ErrConversationRequired
	}
	if snapshot.ID == "" {
		return Ignored, ErrMessageRequired
	}
	if strings.TrimSpace(snapshot.Content) == "" {
		return Ignored, nil
	}

	now := s.now()

	s.mu.Lock()
	timeline := s.timelines[snapshot.ConversationID]
	idx := indexOf(timeline, snapshot.ID)
	if idx < 0 {
		msg := snapshot.Clone()
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		msg.UpdatedAt = now
		s.timelines[snapshot.ConversationID] = append(timeline, msg)
		s.mu.Unlock()

		s.publish(Change{Kind: ChangeAppend, ConversationID: msg.ConversationID, Message: msg.Clone()})
		return Created, nil
	}

	msg := timeline[idx]
	msg.Content = snapshot.Content
	msg.UpdatedAt = now
	if len(snapshot.Memories) > 0 {
		msg.Memories = snapshot.Clone().Memories
	}
	if len(snapshot.ToolData) > 0 {
		msg.ToolData = append([]byte(nil), snapshot.ToolData...)
	}
	if snapshot.Transaction != nil {
		tx := snapshot.Transaction.Clone()
		msg.Transaction = &tx
	}
	timeline[idx] = msg
	out := msg.Clone()
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeUpdate, ConversationID: out.ConversationID, Message: out})
	return Updated, nil
}

// AttachTransaction attaches the record built by build to the most recent
// assistant message of the conversation, if that message carries no
// transaction yet. Lookup and write happen under one lock so concurrent
// attempts can never attach twice.
func (s *Store) AttachTransaction(conversationID string, build func(target chat.Message) chat.Transaction) (string, error) {
	s.mu.Lock()
	timeline := s.timelines[conversationID]
	idx := -1
	for i := len(timeline) - 1; i >= 0; i-- {
		if timeline[i].Role == chat.RoleAssistant {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return "", ErrNoAssistantMessage
	}
	if timeline[idx].Transaction != nil {
		s.mu.Unlock()
		return timeline[idx].ID, ErrAlreadyAttached
	}

	tx := build(timeline[idx].Clone())
	timeline[idx].Transaction = &tx
	timeline[idx].UpdatedAt = s.now()
	out := timeline[idx].Clone()
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeUpdate, ConversationID: conversationID, Message: out})
	return out.ID, nil
}

// Messages returns a copy of the conversation's timeline.
func (s *Store) Messages(conversationID string) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	timeline := s.timelines[conversationID]
	copied := make([]chat.Message, len(timeline))
	for i, m := range timeline {
		copied[i] = m.Clone()
	}
	return copied
}

// Message looks up a single message.
func (s *Store) Message(conversationID, messageID string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	timeline := s.timelines[conversationID]
	idx := indexOf(timeline, messageID)
	if idx < 0 {
		return chat.Message{}, false
	}
	return timeline[idx].Clone(), true
}

// Len returns the number of messages in the conversation.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timelines[conversationID])
}

// Forget drops a conversation's timeline.
func (s *Store) Forget(conversationID string) {
	s.mu.Lock()
	_, ok := s.timelines[conversationID]
	delete(s.timelines, conversationID)
	s.mu.Unlock()

	if ok {
		s.publish(Change{Kind: ChangeReset, ConversationID: conversationID})
	}
}

// Subscribe returns a channel of changes and a function that cancels the
// subscription. Slow subscribers miss changes instead of blocking writers.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Change, buffer)

	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(change Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func indexOf(timeline []chat.Message, messageID string) int {
	for i := range timeline {
		if timeline[i].ID == messageID {
			return i
		}
	}
	return -1
}
