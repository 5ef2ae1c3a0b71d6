package srv

import (
	"context"
	"slices"
	"sync"

	"github.com/codeGROOVE-dev/parley/pkg/logger"
)

// State is the lifecycle stage of a socket.
type State int

// Session states. Rejected and Closed are terminal.
const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoined
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateRejected, StateClosed},
	StateAuthenticating: {StateJoined, StateRejected, StateClosed},
	StateJoined:         {StateClosed},
}

// session tracks one socket's state. Transitions are serialized so the
// read loop and shutdown paths agree on the final state.
type session struct {
	id    string
	ip    string
	state State
	mu    sync.Mutex
}

func newSession(id, ip string) *session {
	return &session{id: id, ip: ip, state: StateConnecting}
}

// transition moves the session to next. It refuses and logs illegal moves,
// including any move out of a terminal state.
func (s *session) transition(ctx context.Context, next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(transitions[s.state], next) {
		logger.Warn(ctx, "illegal session transition refused", logger.Fields{
			"session_id": s.id,
			"from":       s.state.String(),
			"to":         next.String(),
		})
		return false
	}
	logger.Debug(ctx, "session transition", logger.Fields{
		"session_id": s.id,
		"from":       s.state.String(),
		"to":         next.String(),
	})
	s.state = next
	return true
}

// State returns the current state.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
