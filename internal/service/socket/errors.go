package socket

import (
	"errors"

	"github.com/gorilla/websocket"
)

var (
	// ErrAuthentication means no usable identity was available. Callers
	// treat it as a no-op and retry once credentials exist.
	ErrAuthentication = errors.New("socket: no valid identity")
	// ErrReconnectExhausted means the bounded retry budget ran out; only an
	// explicit Connect starts a new attempt.
	ErrReconnectExhausted = errors.New("socket: reconnect attempts exhausted")
	ErrNotConnected       = errors.New("socket: not connected")
	ErrClosed             = errors.New("socket: client closed")
)

// IsRetryableError reports whether a dropped connection should be
// re-established automatically. A normal close or a policy violation from
// the server is final.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation)
}
