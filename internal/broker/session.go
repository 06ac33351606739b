package broker

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ItsAzM8/himmelblau/internal/ipc"
)

// State is a position in the per-request authentication state machine.
type State string

const (
	StateReceived    State = "received"
	StateLookup      State = "lookup"
	StateOnlineAuth  State = "online-auth"
	StateOfflineAuth State = "offline-auth"
	StateVerify      State = "verify"
	StateSuccess     State = "success"
	StateDenied      State = "denied"
	StateDeferred    State = "deferred"
)

// transitions is the closed set of legal state-machine edges. The only
// edge that revisits an earlier phase is the explicit network-fallback
// retry from OnlineAuth to OfflineAuth.
var transitions = map[State][]State{
	StateReceived:    {StateLookup, StateDeferred},
	StateLookup:      {StateOnlineAuth, StateOfflineAuth, StateDenied, StateDeferred},
	StateOnlineAuth:  {StateVerify, StateOfflineAuth, StateDenied, StateDeferred},
	StateOfflineAuth: {StateVerify, StateDenied, StateDeferred},
	StateVerify:      {StateSuccess, StateDenied, StateDeferred},
}

func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateDenied, StateDeferred:
		return true
	default:
		return false
	}
}

// AuthSession is the transient per-request state: one exists per in-flight
// IPC request and is discarded once a terminal response is sent. It is
// owned by the arbiter and never persisted.
type AuthSession struct {
	ID       string
	UPN      string
	Op       ipc.Op
	Deadline time.Time

	state State
	// trace records every state visited, in order.
	trace []State
}

func NewSession(op ipc.Op, upn string, deadline time.Time) *AuthSession {
	return &AuthSession{
		ID:       uuid.NewString(),
		UPN:      upn,
		Op:       op,
		Deadline: deadline,
		state:    StateReceived,
		trace:    []State{StateReceived},
	}
}

func (s *AuthSession) State() State { return s.state }

// Trace returns the states visited so far.
func (s *AuthSession) Trace() []State {
	out := make([]State, len(s.trace))
	copy(out, s.trace)
	return out
}

// Advance moves the session to next, enforcing that states only progress
// along legal edges: no state is skipped and none revisited outside the
// explicit retry transitions.
func (s *AuthSession) Advance(next State) error {
	for _, allowed := range transitions[s.state] {
		if next == allowed {
			s.state = next
			s.trace = append(s.trace, next)
			return nil
		}
	}
	return fmt.Errorf("illegal state transition %s -> %s", s.state, next)
}

// mustAdvance is for transitions the arbiter knows are legal; a violation
// is a programming error, not a runtime condition.
func (s *AuthSession) mustAdvance(next State) {
	if err := s.Advance(next); err != nil {
		panic(err)
	}
}
