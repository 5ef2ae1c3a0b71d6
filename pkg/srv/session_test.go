package srv

import (
	"context"
	"testing"
)

func TestSessionTransitions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		path  []State
		legal []bool
		final State
	}{
		{
			name:  "happy path",
			path:  []State{StateAuthenticating, StateJoined, StateClosed},
			legal: []bool{true, true, true},
			final: StateClosed,
		},
		{
			name:  "rejected during authentication",
			path:  []State{StateAuthenticating, StateRejected, StateJoined, StateClosed},
			legal: []bool{true, true, false, false},
			final: StateRejected,
		},
		{
			name:  "cannot skip authentication",
			path:  []State{StateJoined},
			legal: []bool{false},
			final: StateConnecting,
		},
		{
			name:  "joined cannot be rejected",
			path:  []State{StateAuthenticating, StateJoined, StateRejected},
			legal: []bool{true, true, false},
			final: StateJoined,
		},
		{
			name:  "closed is terminal",
			path:  []State{StateClosed, StateAuthenticating},
			legal: []bool{true, false},
			final: StateClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession("s", "127.0.0.1")
			for i, next := range tt.path {
				if got := s.transition(ctx, next); got != tt.legal[i] {
					t.Errorf("transition to %s = %v, want %v", next, got, tt.legal[i])
				}
			}
			if s.State() != tt.final {
				t.Errorf("final state = %s, want %s", s.State(), tt.final)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	if StateJoined.String() != "joined" || State(42).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
