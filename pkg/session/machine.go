package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Guard errors, one per rejecting state. All are terminal from the
// queue's point of view: retrying the same job against the same state
// cannot succeed.
var (
	ErrNotAuthenticated = errors.New("session: not authenticated")
	ErrBanned           = errors.New("session: account banned")
	ErrCircuitOpen      = errors.New("session: circuit open")
)

// Machine holds the current session state and applies transitions fed by
// the polling loop, the ban detector, the breaker, and delivery outcomes.
type Machine struct {
	mu         sync.Mutex
	state      State
	delivering bool
	qrPayload  string
	logger     *slog.Logger
}

// NewMachine creates a machine in StateInit.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{state: StateInit, logger: logger}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to the given state if the edge exists. Returns whether
// the move happened. Callers hold m.mu.
func (m *Machine) transition(to State, reason string) bool {
	if m.state == to {
		return false
	}
	if !canTransition(m.state, to) {
		m.logger.Debug("transition refused", "from", m.state, "to", to, "reason", reason)
		return false
	}
	m.logger.Info("session state change", "from", m.state, "to", to, "reason", reason)
	m.state = to
	return true
}

// ObserveQR records that the login QR is on screen. The payload is kept
// for credential issuance and replaced whenever the chat app rotates it.
func (m *Machine) ObserveQR(payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qrPayload = payload
	m.transition(StateQRPending, "qr signal observed")
}

// ObserveAuthenticated records that the authenticated UI anchor is
// present.
func (m *Machine) ObserveAuthenticated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transition(StateAuthenticated, "authenticated signal observed") {
		m.qrPayload = ""
	}
}

// ObserveDisconnected records that the authenticated anchor disappeared.
// Ignored while a delivery is in progress: navigation disrupts the DOM
// transiently and must not read as a disconnect.
func (m *Machine) ObserveDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delivering {
		return
	}
	if m.state != StateAuthenticated {
		return
	}
	m.transition(StateDisconnected, "authenticated signal lost")
}

// SuspectBan enters quarantine. Returns true if the state actually moved,
// letting the detector arm exactly one re-verification timer.
func (m *Machine) SuspectBan() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() || m.state == StateSuspectedBan {
		return false
	}
	return m.transition(StateSuspectedBan, "ban signal with no authenticated signal")
}

// ConfirmBan moves from quarantine to the terminal BANNED state.
func (m *Machine) ConfirmBan() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(StateBanned, "ban signal persisted through re-verification")
}

// ClearSuspicion resolves a false-positive ban scare. The machine resets
// to INIT rather than restoring any prior state: session identity is
// uncertain after a scare, so detection must rerun from scratch.
func (m *Machine) ClearSuspicion() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSuspectedBan {
		return false
	}
	return m.transition(StateInit, "ban signal cleared on re-verification")
}

// OpenCircuit records that the failure threshold was reached.
func (m *Machine) OpenCircuit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(StateCircuitOpen, "delivery failure threshold reached")
}

// BeginReconnect leaves CIRCUIT_OPEN after its cooldown; the caller is
// responsible for requesting the page reload.
func (m *Machine) BeginReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCircuitOpen {
		return false
	}
	return m.transition(StateReconnecting, "breaker cooldown elapsed")
}

// Reset forces INIT after a resource recreate: the new browser holds no
// assumptions worth keeping.
func (m *Machine) Reset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return
	}
	m.state = StateInit
	m.delivering = false
	m.qrPayload = ""
	m.logger.Info("session state reset", "reason", reason)
}

// ForceBanned is the startup path for a persisted ban flag: a fresh
// process must refuse to drive the session while the flag is set.
func (m *Machine) ForceBanned() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateBanned
	m.logger.Warn("session forced to BANNED by persisted ban flag")
}

// BeginDelivery is the admission guard: it succeeds only in
// AUTHENTICATED, atomically raising the delivery-in-progress flag. Every
// exit path of the delivery must call EndDelivery.
func (m *Machine) BeginDelivery() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateAuthenticated:
		m.delivering = true
		return nil
	case StateBanned, StateSuspectedBan:
		return fmt.Errorf("%w (state %s)", ErrBanned, m.state)
	case StateCircuitOpen:
		return ErrCircuitOpen
	default:
		return fmt.Errorf("%w (state %s)", ErrNotAuthenticated, m.state)
	}
}

// EndDelivery lowers the delivery-in-progress flag.
func (m *Machine) EndDelivery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivering = false
}

// DeliveryInProgress reports whether a delivery is running. The polling
// loop consults this before evaluating the disconnect edge.
func (m *Machine) DeliveryInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivering
}

// QRPayload returns the last observed QR payload, empty when none is
// pending.
func (m *Machine) QRPayload() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qrPayload
}
