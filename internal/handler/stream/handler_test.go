package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/lunark-client/internal/model/chat"
	chatService "github.com/zhouzirui/lunark-client/internal/service/chat"
	"github.com/zhouzirui/lunark-client/internal/service/conversation"
	"github.com/zhouzirui/lunark-client/internal/service/stream"
)

type stubViews struct {
	mu   sync.Mutex
	view *conversation.View
}

func (s *stubViews) ViewFor(chatID string) (*conversation.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == nil {
		return nil, conversation.ErrNoConversation
	}
	if s.view.ID != chatID {
		return nil, conversation.ErrNotOpen
	}
	return s.view, nil
}

func (s *stubViews) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = nil
}

type sseEvent struct {
	name string
	data string
}

// readEvent 读取下一条带事件名的SSE消息，跳过心跳注释
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			return ev
		}
	}
}

func setup(t *testing.T) (*httptest.Server, *chatService.Store, *stubViews) {
	t.Helper()
	store := chatService.NewStore()
	state := stream.NewState("Lunark is thinking...")
	views := &stubViews{view: &conversation.View{ID: "c1", State: state}}

	handler := New(store, views)
	handler.poll = 5 * time.Millisecond

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store, views
}

func subscribe(t *testing.T, url string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	return bufio.NewReader(resp.Body)
}

func TestEventsStreamTimelineChanges(t *testing.T) {
	srv, store, views := setup(t)
	_ = store.Replace("c1", []chat.Message{{ID: "1", Role: chat.RoleUser, Content: "Hi"}})

	r := subscribe(t, srv.URL+"/chat/c1/events")

	ready := readEvent(t, r)
	if ready.name != "ready" {
		t.Fatalf("expected ready, got %s", ready.name)
	}
	var snap readyEvent
	if err := json.Unmarshal([]byte(ready.data), &snap); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if len(snap.Messages) != 1 || snap.Stream.Phase != chat.StreamIdle {
		t.Fatalf("unexpected ready payload: %+v", snap)
	}

	// 其他会话的变更不推送
	_ = store.Append(chat.Message{ID: "x", ConversationID: "other", Role: chat.RoleUser, Content: "elsewhere"})
	_ = store.Append(chat.Message{ID: "2", ConversationID: "c1", Role: chat.RoleUser, Content: "Swap"})

	ev := readEvent(t, r)
	if ev.name != string(chatService.ChangeAppend) {
		t.Fatalf("expected append, got %s", ev.name)
	}
	var change chatService.Change
	if err := json.Unmarshal([]byte(ev.data), &change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.ConversationID != "c1" || change.Message.ID != "2" {
		t.Fatalf("unexpected change: %+v", change)
	}

	views.view.State.Begin()
	ev = readEvent(t, r)
	if ev.name != "stream" || !strings.Contains(ev.data, string(chat.StreamAwaitingFirstToken)) {
		t.Fatalf("expected stream phase event, got %+v", ev)
	}
}

func TestEventsCloseWhenConversationSwitches(t *testing.T) {
	srv, _, views := setup(t)
	r := subscribe(t, srv.URL+"/chat/c1/events")
	readEvent(t, r)

	views.close()
	if ev := readEvent(t, r); ev.name != "closed" {
		t.Fatalf("expected closed, got %s", ev.name)
	}
}

func TestEventsRequireOpenConversation(t *testing.T) {
	srv, _, _ := setup(t)

	resp, err := http.Get(srv.URL + "/chat/c2/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
