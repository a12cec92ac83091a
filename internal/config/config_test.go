package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "SOCKET_URL", "TX_RETRY_SCHEDULE", "TX_PENDING_CLEAR_AFTER", "SOCKET_RECONNECT_ATTEMPTS", "WALLET_CHAIN_ID"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8090", cfg.Server.Addr)
	require.Equal(t, 3, cfg.Socket.MaxReconnectAttempts)
	require.Equal(t, time.Second, cfg.Socket.ReconnectDelay)
	require.Equal(t, DefaultRetrySchedule(), cfg.Chat.RetrySchedule)
	require.Equal(t, 2500*time.Millisecond, cfg.Chat.PendingClearAfter)
	require.Equal(t, 5*time.Minute, cfg.Chat.StaleTurnAfter)
}

func TestLoadRetryScheduleOverride(t *testing.T) {
	t.Setenv("TX_RETRY_SCHEDULE", "50ms, 200ms,1s")
	t.Setenv("TX_PENDING_CLEAR_AFTER", "1500ms")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, time.Second}, cfg.Chat.RetrySchedule)
	require.Equal(t, 1500*time.Millisecond, cfg.Chat.PendingClearAfter)
}

func TestLoadRejectsDecreasingSchedule(t *testing.T) {
	t.Setenv("TX_RETRY_SCHEDULE", "300ms,100ms")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsClearBeforeLastRetry(t *testing.T) {
	t.Setenv("TX_RETRY_SCHEDULE", "100ms,3s")
	t.Setenv("TX_PENDING_CLEAR_AFTER", "2s")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsClearAtLastRetry(t *testing.T) {
	t.Setenv("TX_RETRY_SCHEDULE", "100ms,2s")
	t.Setenv("TX_PENDING_CLEAR_AFTER", "2s")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("TX_PENDING_CLEAR_AFTER", "2001ms")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 2001*time.Millisecond, cfg.Chat.PendingClearAfter)
}

func TestLoadRejectsBadAttempts(t *testing.T) {
	t.Setenv("SOCKET_RECONNECT_ATTEMPTS", "0")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadIdentity(t *testing.T) {
	t.Setenv("LUNARK_USER_ID", "u1")
	t.Setenv("LUNARK_SESSION_TOKEN", "tok")
	t.Setenv("WALLET_ADDRESS", "0xABC")
	t.Setenv("WALLET_CHAIN_ID", "8453")

	cfg, err := Load()
	require.NoError(t, err)

	id := cfg.Identity.Identity()
	require.True(t, id.Valid())
	require.Equal(t, int64(8453), id.ChainID)
	require.Equal(t, "0xabc", id.NormalizedAddress())
}

func TestServerAddrWithHost(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
}
