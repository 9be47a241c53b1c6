package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/pkg/browser"
	"github.com/relaygate/relaygate/pkg/config"
	"github.com/relaygate/relaygate/pkg/session"
)

// fakePage scripts per-selector wait outcomes with optional latency.
type fakePage struct {
	mu        sync.Mutex
	waitErr   map[string]error         // nil entry = visible immediately
	waitDelay map[string]time.Duration // latency before the outcome
	navErr    error

	navigated []string
	typed     []string
	pressed   []string
	clicked   []string

	// clickHook, when set, runs synchronously after a click is recorded,
	// before Click returns.
	clickHook func()
}

func newFakePage() *fakePage {
	return &fakePage{
		waitErr:   make(map[string]error),
		waitDelay: make(map[string]time.Duration),
	}
}

func (p *fakePage) setWait(selector string, err error, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitErr[selector] = err
	p.waitDelay[selector] = delay
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	return p.navErr
}

func (p *fakePage) WaitFor(_ context.Context, selector string, _ time.Duration) error {
	p.mu.Lock()
	err, ok := p.waitErr[selector]
	delay := p.waitDelay[selector]
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		return browser.ErrTimeout
	}
	return err
}

func (p *fakePage) TextContent(context.Context, string) (string, error) { return "", nil }

func (p *fakePage) Type(_ context.Context, _, text string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed = append(p.typed, text)
	return nil
}

func (p *fakePage) Press(_ context.Context, _, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pressed = append(p.pressed, key)
	return nil
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	p.clicked = append(p.clicked, selector)
	hook := p.clickHook
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

var testSelectors = config.Selectors{
	QRCode:           "#qr",
	AuthAnchor:       "#chats",
	ChatReady:        "#composer",
	InvalidRecipient: "#invalid",
	MessageInput:     "#input",
	SendButton:       "#send",
	SentConfirmation: "#check",
}

func newTestSender(page *fakePage) (*Sender, *session.Machine) {
	machine := session.NewMachine(nil)
	machine.ObserveAuthenticated()
	sender := NewSender(page, machine, Config{
		SendURLTemplate: "https://chat.test/send?phone=%s",
		Selectors:       testSelectors,
		ReadyTimeout:    200 * time.Millisecond,
		InvalidTimeout:  100 * time.Millisecond,
		ConfirmTimeout:  50 * time.Millisecond,
		TypeDelay:       time.Millisecond,
	}, nil)
	return sender, machine
}

func TestSend_Success(t *testing.T) {
	page := newFakePage()
	page.setWait(testSelectors.ChatReady, nil, 0)
	page.setWait(testSelectors.SentConfirmation, nil, 0)

	sender, machine := newTestSender(page)
	err := sender.Send(context.Background(), "15551234567", "hello")

	require.NoError(t, err)
	assert.Equal(t, []string{"https://chat.test/send?phone=15551234567"}, page.navigated)
	assert.Equal(t, []string{"hello"}, page.typed)
	assert.Equal(t, []string{"Enter"}, page.pressed)
	assert.Empty(t, page.clicked, "no fallback needed")
	assert.False(t, machine.DeliveryInProgress(), "flag cleared on success")
}

func TestSend_InvalidRecipientWins(t *testing.T) {
	page := newFakePage()
	page.setWait(testSelectors.InvalidRecipient, nil, 0)
	page.setWait(testSelectors.ChatReady, nil, 50*time.Millisecond)

	sender, machine := newTestSender(page)
	err := sender.Send(context.Background(), "15550000000", "hello")

	assert.ErrorIs(t, err, ErrInvalidRecipient)
	assert.Empty(t, page.typed, "nothing typed for an invalid recipient")
	assert.False(t, machine.DeliveryInProgress(), "flag cleared on failure")
}

func TestSend_NeitherSignal(t *testing.T) {
	page := newFakePage() // every wait times out

	sender, machine := newTestSender(page)
	err := sender.Send(context.Background(), "15551234567", "hello")

	assert.ErrorIs(t, err, ErrChatNotReady)
	assert.False(t, machine.DeliveryInProgress())
}

func TestSend_FallbackSubmit(t *testing.T) {
	page := newFakePage()
	page.setWait(testSelectors.ChatReady, nil, 0)
	// Confirmation never appears via keyboard submit; appears after the
	// fallback click.
	page.setWait(testSelectors.SentConfirmation, browser.ErrTimeout, 0)

	sender, machine := newTestSender(page)

	// Flip the confirmation to visible once the send button is clicked.
	page.clickHook = func() {
		page.setWait(testSelectors.SentConfirmation, nil, 0)
	}

	err := sender.Send(context.Background(), "15551234567", "hello")

	require.NoError(t, err)
	assert.Equal(t, []string{testSelectors.SendButton}, page.clicked)
	assert.False(t, machine.DeliveryInProgress())
}

func TestSend_FallbackExhausted(t *testing.T) {
	page := newFakePage()
	page.setWait(testSelectors.ChatReady, nil, 0)
	page.setWait(testSelectors.SentConfirmation, browser.ErrTimeout, 0)

	sender, machine := newTestSender(page)
	err := sender.Send(context.Background(), "15551234567", "hello")

	assert.ErrorIs(t, err, ErrNotConfirmed)
	assert.Equal(t, []string{testSelectors.SendButton}, page.clicked, "exactly one fallback attempt")
	assert.False(t, machine.DeliveryInProgress())
}

func TestSend_GuardRejectsOutsideAuthenticated(t *testing.T) {
	page := newFakePage()
	machine := session.NewMachine(nil)
	sender := NewSender(page, machine, Config{
		SendURLTemplate: "https://chat.test/send?phone=%s",
		Selectors:       testSelectors,
	}, nil)

	err := sender.Send(context.Background(), "15551234567", "hello")

	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
	assert.Empty(t, page.navigated, "guard rejection must not touch the page")
}

func TestSend_NavigateFailureClearsFlag(t *testing.T) {
	page := newFakePage()
	page.navErr = errors.New("net::ERR_DISCONNECTED")

	sender, machine := newTestSender(page)
	err := sender.Send(context.Background(), "15551234567", "hello")

	require.Error(t, err)
	assert.False(t, machine.DeliveryInProgress())
}
