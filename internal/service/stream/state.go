// Package stream folds streamed assistant snapshots into the timeline and
// tracks the per-conversation stream state.
package stream

import (
	"sync"

	"github.com/zhouzirui/lunark-client/internal/model/chat"
)

// Snapshot is a point-in-time view of a State.
type Snapshot struct {
	Phase  chat.StreamState `json:"phase"`
	Status string           `json:"status,omitempty"`
}

// State is the client-local stream state of one conversation. Every
// transition bumps an epoch so that deferred work scheduled for an older
// turn can tell it has been overtaken.
type State struct {
	mu            sync.Mutex
	phase         chat.StreamState
	status        string
	epoch         uint64
	suppressed    bool
	defaultStatus string
}

// NewState returns an idle state. defaultStatus is shown while waiting for
// the first token.
func NewState(defaultStatus string) *State {
	return &State{phase: chat.StreamIdle, defaultStatus: defaultStatus}
}

// Begin starts a new turn: idle -> awaitingFirstToken.
func (s *State) Begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.phase = chat.StreamAwaitingFirstToken
	s.status = s.defaultStatus
	s.suppressed = false
	return s.epoch
}

// MarkStreaming records that content arrived. It reports false when the turn
// was cancelled locally; late snapshots then never bring the indicator back.
func (s *State) MarkStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppressed {
		return false
	}
	s.phase = chat.StreamStreaming
	return true
}

// Cancel forces idle immediately and ignores the rest of the current turn.
func (s *State) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.phase = chat.StreamIdle
	s.status = ""
	s.suppressed = true
}

// Reset returns to idle without suppressing anything, e.g. on a
// conversation switch or a failed submission.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.phase = chat.StreamIdle
	s.status = ""
	s.suppressed = false
}

// Epoch identifies the current turn.
func (s *State) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// FinishIfEpoch moves to idle only if no other transition happened since
// epoch was read.
func (s *State) FinishIfEpoch(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.phase = chat.StreamIdle
	s.status = ""
	return true
}

// SetStatus updates the progress text unless the turn was cancelled.
func (s *State) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppressed {
		return
	}
	s.status = status
}

func (s *State) Phase() chat.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *State) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Phase: s.phase, Status: s.status}
}
