package chat

import "strings"

// Identity is the credential context a socket session is bound to.
type Identity struct {
	UserID       string `json:"userId"`
	SessionToken string `json:"-"`
	Address      string `json:"address,omitempty"`
	ChainID      int64  `json:"chainId,omitempty"`
}

// Valid reports whether the identity can authenticate a connection.
func (i Identity) Valid() bool {
	return i.UserID != "" && i.SessionToken != ""
}

// NormalizedAddress is the wallet address in the form the backend expects.
func (i Identity) NormalizedAddress() string {
	return strings.ToLower(strings.TrimSpace(i.Address))
}

// ConnState is the lifecycle of a socket session.
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateAuthenticated ConnState = "authenticated"
)

// Live reports whether events can be emitted in this state.
func (s ConnState) Live() bool {
	return s == StateConnected || s == StateAuthenticated
}

// StreamState is the client-local state of the current assistant turn.
type StreamState string

const (
	StreamIdle               StreamState = "idle"
	StreamAwaitingFirstToken StreamState = "awaitingFirstToken"
	StreamStreaming          StreamState = "streaming"
)

// Network describes a chain the backend asks the wallet to switch to.
type Network struct {
	ChainID     int64  `json:"chainId"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	RPCURL      string `json:"rpcUrl"`
	ExplorerURL string `json:"explorerUrl"`
}
