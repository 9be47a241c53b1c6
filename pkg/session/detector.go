package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRecheckDelay is how long a suspected ban sits in quarantine
// before re-verification.
const DefaultRecheckDelay = 30 * time.Second

// Detector runs the two-phase ban confirmation. A single DOM sample can
// be a false positive (a transient render glitch during navigation), so
// the first positive only quarantines; the verdict comes from a delayed
// resample.
type Detector struct {
	mu      sync.Mutex
	timer   Timer // the one outstanding re-verification timer, nil when none
	machine *Machine
	sampler Sampler
	clock   Clock
	delay   time.Duration
	logger  *slog.Logger

	// onConfirmed fires once when the ban is confirmed: persist the ban
	// record and force the queue pause.
	onConfirmed func(ctx context.Context)

	// sampleTimeout bounds the re-verification sample.
	sampleTimeout time.Duration
}

// NewDetector creates a detector feeding the given machine.
func NewDetector(machine *Machine, sampler Sampler, clock Clock, onConfirmed func(ctx context.Context), logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Detector{
		machine:       machine,
		sampler:       sampler,
		clock:         clock,
		delay:         DefaultRecheckDelay,
		logger:        logger,
		onConfirmed:   onConfirmed,
		sampleTimeout: 15 * time.Second,
	}
}

// SetRecheckDelay overrides the quarantine delay. Tests shorten it.
func (d *Detector) SetRecheckDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// Observe feeds one polled sample into the detector. Quarantine starts
// when the ban keyword is present and the authenticated anchor is not;
// an authenticated page showing ban-like text is treated as noise.
func (d *Detector) Observe(sig Signals) {
	if !sig.BanText || sig.Authenticated {
		return
	}
	if !d.machine.SuspectBan() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		// Should not happen: SuspectBan only succeeds once per
		// quarantine. Keep the earlier timer.
		return
	}
	d.logger.Warn("ban signal observed, entering quarantine", "recheck_in", d.delay)
	d.timer = d.clock.AfterFunc(d.delay, d.recheck)
}

// recheck is the timer callback deciding the quarantine.
func (d *Detector) recheck() {
	ctx, cancel := context.WithTimeout(context.Background(), d.sampleTimeout)
	defer cancel()

	sig, err := d.sampler.Sample(ctx)
	if err != nil {
		// A failed sample is inconclusive: it must neither confirm nor
		// clear the ban. Re-arm and decide on a sample that executes.
		d.logger.Warn("quarantine resample failed, re-arming", "error", err)
		d.mu.Lock()
		d.timer = d.clock.AfterFunc(d.delay, d.recheck)
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	d.timer = nil
	d.mu.Unlock()

	if sig.BanText {
		if d.machine.ConfirmBan() {
			d.logger.Error("ban confirmed")
			if d.onConfirmed != nil {
				d.onConfirmed(ctx)
			}
		}
		return
	}
	d.logger.Info("ban signal cleared, resetting for full re-detection")
	d.machine.ClearSuspicion()
}

// Stop cancels any outstanding re-verification timer.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
