package delivery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/relaygate/relaygate/pkg/admission"
	"github.com/relaygate/relaygate/pkg/queue"
	"github.com/relaygate/relaygate/pkg/session"
)

// MessageSender is the delivery capability the handler drives. Satisfied
// by *Sender; tests substitute a fake.
type MessageSender interface {
	Send(ctx context.Context, phone, message string) error
}

// Handler is the queue's job processor: admission gate first, then the
// state machine guard, then the delivery protocol. Outcomes feed back
// into the circuit breaker.
type Handler struct {
	ramp    *admission.Ramp
	breaker *admission.Breaker
	machine *session.Machine
	sender  MessageSender
	logger  *slog.Logger
}

// NewHandler wires the admission gate around the sender.
func NewHandler(ramp *admission.Ramp, breaker *admission.Breaker, machine *session.Machine, sender MessageSender, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ramp: ramp, breaker: breaker, machine: machine, sender: sender, logger: logger}
}

// Terminal error kinds persisted on failed job records.
const (
	KindInvalidRecipient = "invalid_recipient"
	KindNotAuthenticated = "not_authenticated"
	KindBanned           = "banned"
	KindCircuitOpen      = "circuit_open"
	KindCapExceeded      = "cap_exceeded"
)

// Handle processes one job. Errors marked queue.NonRetryable are
// terminal kinds: invalid recipient, not-authenticated, cap-exceeded,
// circuit-open. Everything else retries and counts toward the breaker.
func (h *Handler) Handle(ctx context.Context, job queue.Job) error {
	// Breaker first: while open, nothing attempts delivery.
	if h.breaker.Open() {
		return queue.NonRetryable(KindCircuitOpen, session.ErrCircuitOpen)
	}

	if err := h.ramp.Admit(ctx); err != nil {
		if errors.Is(err, admission.ErrCapExceeded) {
			return queue.NonRetryable(KindCapExceeded, err)
		}
		return err
	}

	err := h.sender.Send(ctx, job.Phone, job.Message)
	if err == nil {
		h.breaker.RecordSuccess()
		return nil
	}

	// Guard rejections and invalid recipients are terminal and do not
	// count as delivery failures: nothing was attempted, or the failure
	// is the recipient's, not the session's.
	switch {
	case errors.Is(err, ErrInvalidRecipient):
		return queue.NonRetryable(KindInvalidRecipient, err)
	case errors.Is(err, session.ErrBanned):
		return queue.NonRetryable(KindBanned, err)
	case errors.Is(err, session.ErrCircuitOpen):
		return queue.NonRetryable(KindCircuitOpen, err)
	case errors.Is(err, session.ErrNotAuthenticated):
		return queue.NonRetryable(KindNotAuthenticated, err)
	}

	if h.breaker.RecordFailure() {
		h.machine.OpenCircuit()
	}
	h.logger.Warn("delivery failed", "job_id", job.ID, "error", err,
		"consecutive_failures", h.breaker.FailureCount())
	return err
}
