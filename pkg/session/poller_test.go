package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBreaker implements Breaker with settable cooldown eligibility.
type fakeBreaker struct {
	cooldownElapsed bool
	resets          int
}

func (b *fakeBreaker) CooldownElapsed() bool { return b.cooldownElapsed }
func (b *fakeBreaker) Reset()                { b.resets++ }

type pollerFixture struct {
	poller  *Poller
	machine *Machine
	sampler *fakeSampler
	breaker *fakeBreaker
	clock   *FakeClock
	reloads int
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	f := &pollerFixture{
		machine: NewMachine(nil),
		sampler: &fakeSampler{},
		breaker: &fakeBreaker{},
		clock:   NewFakeClock(time.Now()),
	}
	detector := NewDetector(f.machine, f.sampler, f.clock, nil, nil)
	reload := func(context.Context) error {
		f.reloads++
		return nil
	}
	f.poller = NewPoller(f.machine, f.sampler, detector, f.breaker, reload, time.Second, nil)
	return f
}

func TestPoller_DetectsQRThenAuth(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	f.sampler.set(Signals{QRVisible: true, QRPayload: "qr-data"}, nil)
	f.poller.Tick(ctx)
	assert.Equal(t, StateQRPending, f.machine.State())
	assert.Equal(t, "qr-data", f.machine.QRPayload())

	f.sampler.set(Signals{Authenticated: true}, nil)
	f.poller.Tick(ctx)
	assert.Equal(t, StateAuthenticated, f.machine.State())
}

func TestPoller_DetectsDisconnect(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	f.sampler.set(Signals{Authenticated: true}, nil)
	f.poller.Tick(ctx)
	require.Equal(t, StateAuthenticated, f.machine.State())

	f.sampler.set(Signals{}, nil)
	f.poller.Tick(ctx)
	assert.Equal(t, StateDisconnected, f.machine.State())
}

func TestPoller_SkipsWhileDelivering(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	f.sampler.set(Signals{Authenticated: true}, nil)
	f.poller.Tick(ctx)
	require.NoError(t, f.machine.BeginDelivery())

	// Page is mid-navigation: anchor gone. Must not read as disconnect.
	f.sampler.set(Signals{}, nil)
	before := f.sampler.calls
	f.poller.Tick(ctx)
	assert.Equal(t, before, f.sampler.calls, "no sampling during delivery")
	assert.Equal(t, StateAuthenticated, f.machine.State())
}

func TestPoller_SuppressedStates(t *testing.T) {
	for _, state := range []State{StateSuspectedBan, StateBanned} {
		t.Run(string(state), func(t *testing.T) {
			f := newPollerFixture(t)
			f.machine.SuspectBan()
			if state == StateBanned {
				f.machine.ConfirmBan()
			}
			require.Equal(t, state, f.machine.State())

			f.sampler.set(Signals{Authenticated: true}, nil)
			f.poller.Tick(context.Background())
			assert.Zero(t, f.sampler.calls, "no sampling in %s", state)
			assert.Equal(t, state, f.machine.State())
		})
	}
}

func TestPoller_CircuitOpenWaitsForCooldown(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	f.machine.OpenCircuit()

	f.poller.Tick(ctx)
	assert.Equal(t, StateCircuitOpen, f.machine.State())
	assert.Zero(t, f.reloads)
	assert.Zero(t, f.sampler.calls)

	f.breaker.cooldownElapsed = true
	f.poller.Tick(ctx)
	assert.Equal(t, StateReconnecting, f.machine.State())
	assert.Equal(t, 1, f.reloads, "half-open requests a page reload, not a restart")
	assert.Equal(t, 1, f.breaker.resets)
}

func TestPoller_SampleErrorLeavesStateAlone(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	f.sampler.set(Signals{Authenticated: true}, nil)
	f.poller.Tick(ctx)
	require.Equal(t, StateAuthenticated, f.machine.State())

	f.sampler.set(Signals{}, errors.New("page crashed"))
	f.poller.Tick(ctx)
	assert.Equal(t, StateAuthenticated, f.machine.State())
}

func TestPoller_BanSignalQuarantines(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()

	f.sampler.set(Signals{Authenticated: true}, nil)
	f.poller.Tick(ctx)

	f.sampler.set(Signals{BanText: true}, nil)
	f.poller.Tick(ctx)
	assert.Equal(t, StateSuspectedBan, f.machine.State())

	// Further ticks are suppressed while quarantined.
	calls := f.sampler.calls
	f.poller.Tick(ctx)
	assert.Equal(t, calls, f.sampler.calls)
}
