package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/pkg/admission"
	"github.com/relaygate/relaygate/pkg/kv"
	"github.com/relaygate/relaygate/pkg/queue"
	"github.com/relaygate/relaygate/pkg/session"
)

// These tests run the real Sender under the real Handler against a
// scripted page, covering the full admission-gate → guard → protocol
// path.

func newE2EFixture(t *testing.T, page *fakePage) (*Handler, *session.Machine, *admission.Breaker) {
	t.Helper()
	machine := session.NewMachine(nil)
	breaker := admission.NewBreaker(5, 5*time.Minute, nil)
	ramp := admission.NewRamp(kv.NewMemoryStore(), 100, 50, 2000, nil)
	sender := NewSender(page, machine, Config{
		SendURLTemplate: "https://chat.test/send?phone=%s",
		Selectors:       testSelectors,
		ReadyTimeout:    100 * time.Millisecond,
		InvalidTimeout:  50 * time.Millisecond,
		ConfirmTimeout:  50 * time.Millisecond,
		TypeDelay:       time.Millisecond,
	}, nil)
	return NewHandler(ramp, breaker, machine, sender, nil), machine, breaker
}

func TestEndToEnd_AuthenticatedJobSucceeds(t *testing.T) {
	page := newFakePage()
	page.setWait(testSelectors.ChatReady, nil, 0)
	page.setWait(testSelectors.SentConfirmation, nil, 0)

	handler, machine, breaker := newE2EFixture(t, page)
	machine.ObserveAuthenticated()

	// Pre-existing failures are wiped by the success.
	breaker.RecordFailure()
	breaker.RecordFailure()

	err := handler.Handle(context.Background(), queue.Job{ID: "j1", Phone: "15551234567", Message: "hello"})

	require.NoError(t, err)
	assert.Equal(t, 0, breaker.FailureCount())
	assert.Equal(t, []string{"hello"}, page.typed)
	assert.False(t, machine.DeliveryInProgress())
}

func TestEndToEnd_CircuitOpenNeverTouchesPage(t *testing.T) {
	page := newFakePage()
	handler, machine, breaker := newE2EFixture(t, page)
	machine.ObserveAuthenticated()

	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}
	require.True(t, breaker.Open())

	err := handler.Handle(context.Background(), queue.Job{ID: "j2", Phone: "15551234567", Message: "hello"})

	assert.True(t, queue.IsNonRetryable(err))
	assert.ErrorIs(t, err, session.ErrCircuitOpen)
	assert.Empty(t, page.navigated, "an open breaker must short-circuit before any page op")
}

func TestEndToEnd_UnauthenticatedJobTerminal(t *testing.T) {
	page := newFakePage()
	handler, _, breaker := newE2EFixture(t, page)
	// Machine left in INIT.

	err := handler.Handle(context.Background(), queue.Job{ID: "j3", Phone: "15551234567", Message: "hello"})

	assert.True(t, queue.IsNonRetryable(err))
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
	assert.Empty(t, page.navigated)
	assert.Equal(t, 0, breaker.FailureCount(), "guard rejections are not delivery failures")
}
