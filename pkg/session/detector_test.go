package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSampler returns a scripted sequence of samples.
type fakeSampler struct {
	mu      sync.Mutex
	signals Signals
	err     error
	calls   int
}

func (f *fakeSampler) set(sig Signals, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = sig
	f.err = err
}

func (f *fakeSampler) Sample(context.Context) (Signals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.signals, f.err
}

func newTestDetector(t *testing.T) (*Detector, *Machine, *fakeSampler, *FakeClock, *int) {
	t.Helper()
	machine := NewMachine(nil)
	sampler := &fakeSampler{}
	clock := NewFakeClock(time.Now())
	confirmed := 0
	det := NewDetector(machine, sampler, clock, func(context.Context) { confirmed++ }, nil)
	return det, machine, sampler, clock, &confirmed
}

func TestDetector_ConfirmsPersistentBan(t *testing.T) {
	det, machine, sampler, clock, confirmed := newTestDetector(t)
	machine.ObserveAuthenticated()

	det.Observe(Signals{BanText: true})
	require.Equal(t, StateSuspectedBan, machine.State())
	require.Equal(t, 1, clock.PendingTimers())

	sampler.set(Signals{BanText: true}, nil)
	clock.Advance(DefaultRecheckDelay)

	assert.Equal(t, StateBanned, machine.State())
	assert.Equal(t, 1, *confirmed)
	assert.Equal(t, 0, clock.PendingTimers())
}

func TestDetector_ClearedScareResetsToInit(t *testing.T) {
	det, machine, sampler, clock, confirmed := newTestDetector(t)
	machine.ObserveAuthenticated()

	det.Observe(Signals{BanText: true})
	require.Equal(t, StateSuspectedBan, machine.State())

	sampler.set(Signals{Authenticated: true}, nil)
	clock.Advance(DefaultRecheckDelay)

	assert.Equal(t, StateInit, machine.State(), "cleared scare goes to INIT, not back to AUTHENTICATED")
	assert.Equal(t, 0, *confirmed)
}

func TestDetector_AuthenticatedSuppressesQuarantine(t *testing.T) {
	det, machine, _, clock, _ := newTestDetector(t)
	machine.ObserveAuthenticated()

	// Ban-like text on an authenticated page is noise.
	det.Observe(Signals{BanText: true, Authenticated: true})
	assert.Equal(t, StateAuthenticated, machine.State())
	assert.Equal(t, 0, clock.PendingTimers())
}

func TestDetector_SingleOutstandingTimer(t *testing.T) {
	det, machine, _, clock, _ := newTestDetector(t)
	machine.ObserveAuthenticated()

	det.Observe(Signals{BanText: true})
	det.Observe(Signals{BanText: true})
	det.Observe(Signals{BanText: true})

	assert.Equal(t, StateSuspectedBan, machine.State())
	assert.Equal(t, 1, clock.PendingTimers(), "only one re-verification timer may be armed")
}

func TestDetector_FailedResampleIsInconclusive(t *testing.T) {
	det, machine, sampler, clock, confirmed := newTestDetector(t)
	machine.ObserveAuthenticated()

	det.Observe(Signals{BanText: true})
	require.Equal(t, StateSuspectedBan, machine.State())

	// The resample errors: neither confirm nor clear, re-arm instead.
	sampler.set(Signals{}, errors.New("renderer crashed"))
	clock.Advance(DefaultRecheckDelay)

	assert.Equal(t, StateSuspectedBan, machine.State())
	assert.Equal(t, 0, *confirmed)
	require.Equal(t, 1, clock.PendingTimers(), "detector re-arms after an inconclusive sample")

	// A later conclusive sample decides.
	sampler.set(Signals{BanText: true}, nil)
	clock.Advance(DefaultRecheckDelay)
	assert.Equal(t, StateBanned, machine.State())
	assert.Equal(t, 1, *confirmed)
}

func TestDetector_StopCancelsTimer(t *testing.T) {
	det, machine, sampler, clock, confirmed := newTestDetector(t)
	machine.ObserveAuthenticated()

	det.Observe(Signals{BanText: true})
	require.Equal(t, 1, clock.PendingTimers())

	det.Stop()
	sampler.set(Signals{BanText: true}, nil)
	clock.Advance(DefaultRecheckDelay)

	assert.Equal(t, StateSuspectedBan, machine.State(), "stopped timer must not decide")
	assert.Equal(t, 0, *confirmed)
}
