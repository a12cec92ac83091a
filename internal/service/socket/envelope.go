package socket

import (
	"encoding/json"
	"fmt"
)

// Event names on the wire. connect, disconnect and connect_error are
// dispatched locally by the client and never sent.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventError        = "error"

	EventAuthenticate  = "authenticate"
	EventAuthenticated = "authenticated"

	EventJoinChat   = "joinChat"
	EventJoinedChat = "joinedChat"
	EventLeaveChat  = "leaveChat"

	EventStreamStart    = "streamStart"
	EventStreamAbort    = "streamAbort"
	EventStopStream     = "stopStream"
	EventStreamResponse = "streamResponse"
	EventStreamEnd      = "streamEnd"
	EventStreamStatus   = "streamStatus"

	EventPendingTransaction = "pendingTransaction"
	EventNetworkSwitch      = "networkSwitch"
)

// Envelope is a single named event frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode frame: missing event name")
	}
	return env, nil
}

type errorPayload struct {
	Message string `json:"message"`
}

func errorData(err error) json.RawMessage {
	data, _ := json.Marshal(errorPayload{Message: err.Error()})
	return data
}
