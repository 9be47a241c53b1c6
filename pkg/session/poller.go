package session

import (
	"context"
	"log/slog"
	"time"
)

// Breaker is the slice of the circuit breaker the poller needs for the
// half-open transition.
type Breaker interface {
	CooldownElapsed() bool
	Reset()
}

// Poller samples the page on a fixed period and drives machine
// transitions. It is the only normal-path caller of the sampler; the
// quarantine timer is the one exception.
type Poller struct {
	machine  *Machine
	sampler  Sampler
	detector *Detector
	breaker  Breaker

	// reload performs the lightweight page reload used on the breaker's
	// half-open path (not a full resource restart).
	reload func(ctx context.Context) error

	interval time.Duration
	logger   *slog.Logger
}

// NewPoller wires the polling loop.
func NewPoller(machine *Machine, sampler Sampler, detector *Detector, breaker Breaker, reload func(ctx context.Context) error, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		machine:  machine,
		sampler:  sampler,
		detector: detector,
		breaker:  breaker,
		reload:   reload,
		interval: interval,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one polling iteration. Exposed so tests drive the loop
// deterministically.
func (p *Poller) Tick(ctx context.Context) {
	state := p.machine.State()

	// CIRCUIT_OPEN owns its own exit: reload the page and rerun
	// detection once the cooldown allows a half-open attempt.
	if state == StateCircuitOpen {
		if !p.breaker.CooldownElapsed() {
			return
		}
		if !p.machine.BeginReconnect() {
			return
		}
		if err := p.reload(ctx); err != nil {
			p.logger.Warn("half-open reload failed", "error", err)
		}
		p.breaker.Reset()
		return
	}

	if state.SuppressesSampling() {
		return
	}

	// Navigation during a send disrupts the DOM; sampling now would
	// misread it as a disconnect.
	if p.machine.DeliveryInProgress() {
		return
	}

	sig, err := p.sampler.Sample(ctx)
	if err != nil {
		p.logger.Warn("signal sample failed", "error", err)
		return
	}

	p.detector.Observe(sig)
	if p.machine.State() == StateSuspectedBan {
		return
	}

	switch {
	case sig.Authenticated:
		p.machine.ObserveAuthenticated()
	case sig.QRVisible:
		p.machine.ObserveQR(sig.QRPayload)
	default:
		p.machine.ObserveDisconnected()
	}
}
