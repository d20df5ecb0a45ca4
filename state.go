package ably

import (
	"time"

	"github.com/guspan-tanadi/ably-jsfromably/proto"
)

// ConnectionState is the lifecycle state of a logical connection.
type ConnectionState int

const (
	StateInitialized ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateSuspended
	StateClosing
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateInitialized:  "initialized",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateDisconnected: "disconnected",
	StateSuspended:    "suspended",
	StateClosing:      "closing",
	StateClosed:       "closed",
	StateFailed:       "failed",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ConnectionEvent names a state change. It equals the name of the new state,
// except for EventUpdate, which reports new connection details without a
// change of state.
type ConnectionEvent string

// EventUpdate is emitted for connected to connected changes, for example
// after an in-place reauthorization.
const EventUpdate ConnectionEvent = "update"

func eventFor(s ConnectionState) ConnectionEvent {
	return ConnectionEvent(s.String())
}

// ConnectionStateChange describes one transition. RetryIn is set when the
// client has scheduled a reconnection attempt.
type ConnectionStateChange struct {
	Previous ConnectionState
	Current  ConnectionState
	Event    ConnectionEvent
	Reason   *proto.ErrorInfo
	RetryIn  time.Duration
}

// statePolicy says what a state does with outbound messages.
type statePolicy struct {
	sendEvents  bool
	queueEvents bool
	terminal    bool
	err         func() *proto.ErrorInfo
}

var statePolicies = map[ConnectionState]statePolicy{
	StateInitialized:  {queueEvents: true, err: errDisconnected},
	StateConnecting:   {queueEvents: true, err: errDisconnected},
	StateConnected:    {sendEvents: true},
	StateDisconnected: {queueEvents: true, err: errDisconnected},
	StateSuspended:    {err: errSuspended},
	StateClosing:      {err: errClosing},
	StateClosed:       {terminal: true, err: errClosed},
	StateFailed:       {terminal: true, err: errFailed},
}

func (s ConnectionState) policy() statePolicy {
	return statePolicies[s]
}

// stateError returns the error sends fail with in state s, or nil.
func (s ConnectionState) stateError() *proto.ErrorInfo {
	if p := s.policy(); p.err != nil {
		return p.err()
	}
	return nil
}

var transitions = map[ConnectionState][]ConnectionState{
	StateInitialized:  {StateConnecting, StateClosed, StateFailed},
	StateConnecting:   {StateConnected, StateDisconnected, StateFailed, StateClosing},
	StateConnected:    {StateConnected, StateDisconnected, StateSuspended, StateFailed, StateClosing},
	StateDisconnected: {StateConnecting, StateSuspended, StateClosing, StateClosed, StateFailed},
	StateSuspended:    {StateConnecting, StateClosing, StateClosed, StateFailed},
	StateClosing:      {StateClosed, StateFailed},
	StateClosed:       {StateConnecting},
	StateFailed:       {StateConnecting},
}

// canTransition reports whether the manager may move from one state to
// another. Moves out of closed and failed happen only on an explicit
// Connect.
func canTransition(from, to ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
