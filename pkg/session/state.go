// Package session owns the finite-state model of the chat session. The
// session is an external, unreliable thing observed only through DOM
// signals; this package keeps one authoritative State consistent with
// those signals, with the admission layer, and with the resource
// coordinator's pause/recreate/resume sequencing.
package session

// State is the engine's view of the chat session. Exactly one value is
// held at any time.
type State string

const (
	// StateInit is the starting state and the state forced after any
	// resource recreate or cleared ban scare: nothing is assumed, full
	// signal re-detection runs.
	StateInit State = "INIT"

	// StateQRPending means the login QR is on screen awaiting a scan.
	StateQRPending State = "QR_PENDING"

	// StateAuthenticated is the only state in which delivery is permitted.
	StateAuthenticated State = "AUTHENTICATED"

	// StateDisconnected means the authenticated UI anchor disappeared.
	StateDisconnected State = "DISCONNECTED"

	// StateReconnecting is the circuit breaker's half-open path: a page
	// reload has been requested and detection is about to rerun.
	StateReconnecting State = "RECONNECTING"

	// StateSuspectedBan is the quarantine state: a ban signal was seen
	// once and a delayed re-verification is pending.
	StateSuspectedBan State = "SUSPECTED_BAN"

	// StateBanned is terminal absent external operator action.
	StateBanned State = "BANNED"

	// StateCircuitOpen means consecutive delivery failures tripped the
	// breaker; admission is rejected until the cooldown elapses.
	StateCircuitOpen State = "CIRCUIT_OPEN"
)

// Terminal reports whether the state admits no further transitions
// without operator intervention.
func (s State) Terminal() bool {
	return s == StateBanned
}

// SuppressesSampling reports whether the polling loop must skip its
// normal signal checks in this state. Only the quarantine re-verification
// timer samples during SUSPECTED_BAN; CIRCUIT_OPEN waits on its cooldown.
func (s State) SuppressesSampling() bool {
	switch s {
	case StateBanned, StateSuspectedBan, StateCircuitOpen:
		return true
	}
	return false
}

// transitions is the complete edge set. A transition absent here is a
// bug in the caller and is refused.
var transitions = map[State][]State{
	StateInit:          {StateQRPending, StateAuthenticated, StateSuspectedBan, StateCircuitOpen},
	StateQRPending:     {StateAuthenticated, StateSuspectedBan, StateCircuitOpen, StateInit},
	StateAuthenticated: {StateDisconnected, StateSuspectedBan, StateCircuitOpen, StateInit},
	StateDisconnected:  {StateAuthenticated, StateQRPending, StateSuspectedBan, StateCircuitOpen, StateInit},
	StateReconnecting:  {StateAuthenticated, StateQRPending, StateSuspectedBan, StateCircuitOpen, StateInit},
	StateSuspectedBan:  {StateBanned, StateInit},
	StateCircuitOpen:   {StateReconnecting, StateInit},
	StateBanned:        {},
}

func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
