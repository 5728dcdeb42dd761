package signaling

import "fmt"

// PeerState tracks a connection through the signaling lifecycle.
// Authenticated doubles as "unmatched": a matched peer returns to it
// when its session ends.
type PeerState string

const (
	StateConnected     PeerState = "connected"
	StateChallenged    PeerState = "challenged"
	StateAuthenticated PeerState = "authenticated"
	StateMatched       PeerState = "matched"
	StateClosed        PeerState = "closed"
)

var peerTransitions = map[PeerState][]PeerState{
	StateConnected:     {StateChallenged, StateClosed},
	StateChallenged:    {StateAuthenticated, StateClosed},
	StateAuthenticated: {StateMatched, StateClosed},
	StateMatched:       {StateAuthenticated, StateClosed},
	StateClosed:        nil,
}

// TransitionPeer validates and returns the new state. All peer state
// changes in the registry go through here; an illegal transition is a
// bug in the caller, not a recoverable protocol condition.
func TransitionPeer(from, to PeerState) (PeerState, error) {
	for _, next := range peerTransitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("illegal peer transition %s -> %s", from, to)
}

// SessionState tracks a matched pair.
type SessionState string

const (
	SessionPending SessionState = "pending"
	SessionActive  SessionState = "active"
	SessionClosed  SessionState = "closed"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionPending: {SessionActive, SessionClosed},
	SessionActive:  {SessionClosed},
	SessionClosed:  nil,
}

// TransitionSession validates and returns the new state.
func TransitionSession(from, to SessionState) (SessionState, error) {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("illegal session transition %s -> %s", from, to)
}
