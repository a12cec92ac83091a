package turn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/lunark-client/internal/api"
	"github.com/zhouzirui/lunark-client/internal/model/chat"
	chatsvc "github.com/zhouzirui/lunark-client/internal/service/chat"
	"github.com/zhouzirui/lunark-client/internal/service/identity"
	"github.com/zhouzirui/lunark-client/internal/service/stream"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	starts    int
	aborts    []string
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) StartStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeConn) AbortStream(chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, chatID)
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	postErr  error
	posted   []api.PostMessageRequest
	history  api.History
	fetches  int
	release  chan struct{}
	fetching chan struct{}
}

func (f *fakeBackend) PostMessage(_ context.Context, req api.PostMessageRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, req)
	return f.postErr
}

func (f *fakeBackend) FetchHistory(ctx context.Context, _ string) (api.History, error) {
	f.mu.Lock()
	f.fetches++
	release, fetching := f.release, f.fetching
	f.mu.Unlock()

	if fetching != nil {
		close(fetching)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return api.History{}, ctx.Err()
		}
	}
	return f.history, nil
}

type fixture struct {
	ctrl    *Controller
	store   *chatsvc.Store
	state   *stream.State
	conn    *fakeConn
	backend *fakeBackend
	ids     *identity.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   chatsvc.NewStore(),
		state:   stream.NewState("Lunark is thinking..."),
		conn:    &fakeConn{connected: true},
		backend: &fakeBackend{history: api.History{ID: "c1", UserID: "u1"}},
		ids:     identity.NewStore(chat.Identity{UserID: "u1", SessionToken: "t", ChainID: 1}),
	}
	f.ctrl = New("c1", Deps{
		Timeline: f.store,
		Conn:     f.conn,
		Backend:  f.backend,
		Identity: f.ids,
		State:    f.state,
	}, Options{StaleAfter: 5 * time.Minute})
	t.Cleanup(f.ctrl.Close)
	return f
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.ctrl.Submit(ctx, "   "), ErrEmptyMessage)

	f.ids.SetChainID(0)
	require.ErrorIs(t, f.ctrl.Submit(ctx, "Hi"), ErrNoNetwork)
	f.ids.SetChainID(1)

	f.conn.connected = false
	require.ErrorIs(t, f.ctrl.Submit(ctx, "Hi"), ErrNotConnected)
	f.conn.connected = true

	f.state.Begin()
	f.state.MarkStreaming()
	require.ErrorIs(t, f.ctrl.Submit(ctx, "Hi"), ErrTurnInFlight)

	require.Zero(t, f.store.Len("c1"))
	require.Empty(t, f.backend.posted)
}

func TestSubmitAppendsOptimisticMessage(t *testing.T) {
	f := newFixture(t)
	f.ctrl.SetDraft("Hi")

	require.NoError(t, f.ctrl.Submit(context.Background(), "Hi"))

	msgs := f.store.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, chat.RoleUser, msgs[0].Role)
	require.Equal(t, "Hi", msgs[0].Content)
	require.Equal(t, "u1", msgs[0].UserID)
	require.NotEmpty(t, msgs[0].ID)

	require.Empty(t, f.ctrl.Draft())
	require.Equal(t, chat.StreamAwaitingFirstToken, f.state.Phase())
	require.Equal(t, PhaseUserSubmitted, f.ctrl.Phase())
	require.True(t, f.ctrl.Loading(time.Now()))
	require.Equal(t, 1, f.conn.starts)
	require.Equal(t, []api.PostMessageRequest{{ChatID: "c1", Content: "Hi", ChainID: 1, UserID: "u1"}}, f.backend.posted)

	// the first turn is still unanswered
	require.ErrorIs(t, f.ctrl.Submit(context.Background(), "again"), ErrTurnInFlight)
}

func TestRejectedSubmissionRollsBack(t *testing.T) {
	f := newFixture(t)
	f.backend.postErr = &api.Error{Status: http.StatusBadRequest, Message: "Insufficient credits"}

	err := f.ctrl.Submit(context.Background(), "Hi")
	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	require.Equal(t, "Insufficient credits", subErr.Reason)

	require.Zero(t, f.store.Len("c1"))
	require.Equal(t, chat.StreamIdle, f.state.Phase())
	require.Equal(t, PhaseIdle, f.ctrl.Phase())
	require.False(t, f.ctrl.Loading(time.Now()))
}

func TestRejectedSubmissionFallsBackToGenericReason(t *testing.T) {
	f := newFixture(t)
	f.backend.postErr = errors.New("connection refused")

	err := f.ctrl.Submit(context.Background(), "Hi")
	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	require.Equal(t, FallbackReason, subErr.Error())
	require.ErrorIs(t, err, f.backend.postErr)
}

func TestCancelOnlyWhileStreaming(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.ctrl.Cancel())

	require.NoError(t, f.ctrl.Submit(context.Background(), "Hi"))
	require.False(t, f.ctrl.Cancel())
	require.Empty(t, f.conn.aborts)
}

func TestCancelMidStreamForcesIdle(t *testing.T) {
	f := newFixture(t)
	acc := stream.NewAccumulator("c1", f.store, f.state, stream.Options{FrameDelay: stream.DefaultFrameDelay})
	defer acc.Stop()

	require.NoError(t, f.ctrl.Submit(context.Background(), "Hi"))
	acc.Apply(chat.StreamResponse{MessageID: "m1", ChatID: "c1", Role: "assistant", Message: "Working on"})
	require.Equal(t, PhaseStreaming, f.ctrl.Phase())

	require.True(t, f.ctrl.Cancel())
	require.Equal(t, []string{"c1"}, f.conn.aborts)
	require.Equal(t, chat.StreamIdle, f.state.Phase())
	require.Equal(t, PhaseIdle, f.ctrl.Phase())
	require.False(t, f.ctrl.Loading(time.Now()))

	acc.End()
	require.Never(t, func() bool { return f.state.Phase() != chat.StreamIdle }, 60*time.Millisecond, 5*time.Millisecond)
	require.False(t, f.ctrl.Loading(time.Now()))
}

func TestStaleTurnStopsLoading(t *testing.T) {
	f := newFixture(t)
	sent := time.Now().Add(-6 * time.Minute)
	require.NoError(t, f.store.Replace("c1", []chat.Message{
		{ID: "a", Role: chat.RoleAssistant, Content: "Welcome", CreatedAt: sent.Add(-time.Minute)},
		{ID: "u", Role: chat.RoleUser, Content: "Hi", CreatedAt: sent},
	}))

	require.True(t, f.ctrl.Loading(sent.Add(4*time.Minute)))
	require.False(t, f.ctrl.Loading(sent.Add(5*time.Minute)))
	require.False(t, f.ctrl.Loading(time.Now()))

	// an abandoned turn does not block the next one
	require.NoError(t, f.ctrl.Submit(context.Background(), "anyone?"))
}

func TestLoadHistoryGuardsInFlight(t *testing.T) {
	f := newFixture(t)
	f.backend.history.Messages = []chat.Message{{ID: "1", Role: chat.RoleUser, Content: "old"}}
	f.backend.release = make(chan struct{})
	f.backend.fetching = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.ctrl.LoadHistory(context.Background()) }()
	<-f.backend.fetching

	require.ErrorIs(t, f.ctrl.LoadHistory(context.Background()), ErrHistoryInFlight)
	close(f.backend.release)
	require.NoError(t, <-done)

	require.True(t, f.ctrl.HistoryLoaded())
	require.NoError(t, f.ctrl.LoadHistory(context.Background()))
	require.Equal(t, 1, f.backend.fetches)
	require.Len(t, f.store.Messages("c1"), 1)
}

func TestLoadHistoryRejectsForeignConversation(t *testing.T) {
	f := newFixture(t)
	f.backend.history.UserID = "someone-else"
	f.backend.history.Messages = []chat.Message{{ID: "1", Role: chat.RoleUser, Content: "secret"}}

	require.ErrorIs(t, f.ctrl.LoadHistory(context.Background()), ErrForeignConversation)
	require.Zero(t, f.store.Len("c1"))
	require.False(t, f.ctrl.HistoryLoaded())
}

func TestCloseAbortsHistoryRequest(t *testing.T) {
	f := newFixture(t)
	f.backend.release = make(chan struct{})
	f.backend.fetching = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.ctrl.LoadHistory(context.Background()) }()
	<-f.backend.fetching

	f.ctrl.Close()
	require.ErrorIs(t, <-done, context.Canceled)
	require.ErrorIs(t, f.ctrl.Submit(context.Background(), "Hi"), ErrClosed)
}
