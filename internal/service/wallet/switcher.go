// Package wallet is the boundary to the external wallet. The backend may ask
// the client to switch chains; the wallet decides whether that happens.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/lunark-client/internal/model/chat"
	"github.com/zhouzirui/lunark-client/pkg/logger"
)

// ErrInvalidNetwork is returned for a descriptor without a chain id.
var ErrInvalidNetwork = errors.New("wallet: network without chain id")

// Switcher handles networkSwitch requests.
type Switcher interface {
	SwitchNetwork(ctx context.Context, network chat.Network) error
}

// ChainSetter records the chain the wallet is on.
type ChainSetter interface {
	SetChainID(chainID int64)
}

// HeadlessSwitcher accepts every switch request and records the new chain
// id. It stands in for a wallet when the client runs without one.
type HeadlessSwitcher struct {
	chains ChainSetter
	log    *logrus.Entry
}

// NewHeadlessSwitcher 创建无界面钱包适配器
func NewHeadlessSwitcher(chains ChainSetter) *HeadlessSwitcher {
	return &HeadlessSwitcher{chains: chains, log: logger.WithComponent("wallet")}
}

func (s *HeadlessSwitcher) SwitchNetwork(_ context.Context, network chat.Network) error {
	if network.ChainID == 0 {
		return fmt.Errorf("switch to %q: %w", network.Name, ErrInvalidNetwork)
	}
	s.chains.SetChainID(network.ChainID)
	s.log.WithFields(logrus.Fields{
		"chainId": network.ChainID,
		"name":    network.Name,
	}).Info("switched network")
	return nil
}
