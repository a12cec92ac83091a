package reconcile

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/lunark-client/internal/metrics"
	"github.com/zhouzirui/lunark-client/internal/model/chat"
	chatsvc "github.com/zhouzirui/lunark-client/internal/service/chat"
	"github.com/zhouzirui/lunark-client/internal/service/identity"
)

func pendingTx(id, conversationID string) chat.PendingTransaction {
	return chat.PendingTransaction{
		ID:             id,
		ConversationID: conversationID,
		Type:           chat.KindTransfer,
		Transaction:    chat.TxPayload{To: "0xdead", Value: "1000", ChainID: 1},
		ButtonText:     "Send",
	}
}

func reply(conversationID, id string) chat.Message {
	return chat.Message{ID: id, ConversationID: conversationID, Role: chat.RoleAssistant, Content: "Here is your transfer"}
}

func setup(t *testing.T, opts Options) (*Reconciler, *chatsvc.Store) {
	t.Helper()
	store := chatsvc.NewStore()
	r := New(store, identity.NewStore(chat.Identity{UserID: "u1", SessionToken: "t"}), opts)
	t.Cleanup(r.Close)
	r.SetConversation("c1")
	return r, store
}

func fastOptions() Options {
	return Options{
		Schedule:   []time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 50 * time.Millisecond},
		ClearAfter: 80 * time.Millisecond,
	}
}

func TestAttachesImmediatelyWhenMessageExists(t *testing.T) {
	r, store := setup(t, fastOptions())
	_, err := store.ApplySnapshot(reply("c1", "m1"))
	require.NoError(t, err)

	require.True(t, r.OnPendingTransaction(pendingTx("tx1", "c1")))

	msg, _ := store.Message("c1", "m1")
	require.NotNil(t, msg.Transaction)
	require.Equal(t, "tx1", msg.Transaction.ID)
	require.Equal(t, chat.StatusPending, msg.Transaction.Status)
	require.Nil(t, msg.Transaction.Hash)
	require.Equal(t, "m1", msg.Transaction.MessageID)
	require.Equal(t, "u1", msg.Transaction.UserID)
	require.Equal(t, int64(1), msg.Transaction.Data.ChainID)

	_, ok := r.Pending()
	require.True(t, ok)
	require.Eventually(t, func() bool { _, ok := r.Pending(); return !ok }, time.Second, 5*time.Millisecond)
}

func TestPendingBeforeMessageIsAttachedByRetry(t *testing.T) {
	r, store := setup(t, Options{})
	start := time.Now()
	require.True(t, r.OnPendingTransaction(pendingTx("tx1", "c1")))

	time.Sleep(150 * time.Millisecond)
	_, err := store.ApplySnapshot(reply("c1", "m2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msg, _ := store.Message("c1", "m2")
		return msg.Transaction != nil
	}, time.Second, 5*time.Millisecond)
	// attached by the 300ms retry, well before the 500ms one
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetryBoundClearsSlotWithoutAttachment(t *testing.T) {
	m := metrics.New()
	r, store := setup(t, Options{Metrics: m})
	require.NoError(t, store.Append(chat.Message{ID: "u", ConversationID: "c1", Role: chat.RoleUser, Content: "send"}))

	require.True(t, r.OnPendingTransaction(pendingTx("tx1", "c1")))
	_, ok := r.Pending()
	require.True(t, ok)

	require.Eventually(t, func() bool { _, ok := r.Pending(); return !ok }, 3*time.Second, 20*time.Millisecond)
	for _, msg := range store.Messages("c1") {
		require.Nil(t, msg.Transaction)
	}
	expected := `
# HELP lunark_reconcile_events_total Pending transaction reconciliation outcomes.
# TYPE lunark_reconcile_events_total counter
lunark_reconcile_events_total{result="missed"} 1
lunark_reconcile_events_total{result="received"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "lunark_reconcile_events_total"))

	// a message arriving after the window is never attached
	_, err := store.ApplySnapshot(reply("c1", "late"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	msg, _ := store.Message("c1", "late")
	require.Nil(t, msg.Transaction)
}

func TestConversationSwitchCancelsRetries(t *testing.T) {
	r, store := setup(t, fastOptions())
	require.True(t, r.OnPendingTransaction(pendingTx("tx1", "c1")))

	r.SetConversation("c2")
	_, ok := r.Pending()
	require.False(t, ok)

	_, err := store.ApplySnapshot(reply("c1", "a1"))
	require.NoError(t, err)
	_, err = store.ApplySnapshot(reply("c2", "b1"))
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	msgA, _ := store.Message("c1", "a1")
	msgB, _ := store.Message("c2", "b1")
	require.Nil(t, msgA.Transaction)
	require.Nil(t, msgB.Transaction)
}

func TestEventsForOtherConversationsAreDropped(t *testing.T) {
	r, store := setup(t, fastOptions())
	_, err := store.ApplySnapshot(reply("c2", "m1"))
	require.NoError(t, err)

	require.False(t, r.OnPendingTransaction(pendingTx("tx1", "c2")))
	require.False(t, r.OnPendingTransaction(pendingTx("tx2", "")))
	_, ok := r.Pending()
	require.False(t, ok)

	msg, _ := store.Message("c2", "m1")
	require.Nil(t, msg.Transaction)
}

func TestAtMostOneTransactionPerMessage(t *testing.T) {
	r, store := setup(t, fastOptions())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.OnPendingTransaction(pendingTx(fmt.Sprintf("tx%d", i), "c1"))
		}(i)
	}
	wg.Wait()

	_, err := store.ApplySnapshot(reply("c1", "m1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msg, _ := store.Message("c1", "m1")
		return msg.Transaction != nil
	}, time.Second, 5*time.Millisecond)

	attachedID := func() string {
		msg, _ := store.Message("c1", "m1")
		return msg.Transaction.ID
	}
	first := attachedID()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, first, attachedID())
}

func TestExistingTransactionIsNeverReplaced(t *testing.T) {
	r, store := setup(t, fastOptions())
	_, err := store.ApplySnapshot(reply("c1", "m1"))
	require.NoError(t, err)

	require.True(t, r.OnPendingTransaction(pendingTx("tx1", "c1")))
	require.True(t, r.OnPendingTransaction(pendingTx("tx2", "c1")))
	time.Sleep(100 * time.Millisecond)

	msg, _ := store.Message("c1", "m1")
	require.Equal(t, "tx1", msg.Transaction.ID)
}

func TestClearCancelsRetries(t *testing.T) {
	r, store := setup(t, fastOptions())
	require.True(t, r.OnPendingTransaction(pendingTx("tx1", "c1")))
	r.Clear()

	_, err := store.ApplySnapshot(reply("c1", "m1"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	msg, _ := store.Message("c1", "m1")
	require.Nil(t, msg.Transaction)
}

func TestClearAfterIsLaterThanLastRetry(t *testing.T) {
	schedule := []time.Duration{100 * time.Millisecond, 2 * time.Second}

	opts := Options{Schedule: schedule, ClearAfter: 2 * time.Second}.withDefaults()
	require.Greater(t, opts.ClearAfter, 2*time.Second)

	opts = Options{Schedule: schedule, ClearAfter: 3 * time.Second}.withDefaults()
	require.Equal(t, 3*time.Second, opts.ClearAfter)
}
