package wallet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/lunark-client/internal/model/chat"
	"github.com/zhouzirui/lunark-client/internal/service/identity"
)

func TestHeadlessSwitcherRecordsChain(t *testing.T) {
	ids := identity.NewStore(chat.Identity{UserID: "u", SessionToken: "t", ChainID: 1})
	s := NewHeadlessSwitcher(ids)

	require.NoError(t, s.SwitchNetwork(context.Background(), chat.Network{ChainID: 8453, Name: "Base"}))
	require.Equal(t, int64(8453), ids.Current().ChainID)

	require.ErrorIs(t, s.SwitchNetwork(context.Background(), chat.Network{Name: "bogus"}), ErrInvalidNetwork)
	require.Equal(t, int64(8453), ids.Current().ChainID)
}
