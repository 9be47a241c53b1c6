package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaygate/relaygate/pkg/browser"
	"github.com/relaygate/relaygate/pkg/config"
	"github.com/relaygate/relaygate/pkg/session"
)

var (
	// ErrInvalidRecipient means the chat application reported the number
	// unknown. Terminal; retrying the same number cannot succeed.
	ErrInvalidRecipient = errors.New("delivery: invalid recipient")

	// ErrNotConfirmed means the message was submitted but no delivery
	// evidence appeared in time. Retryable.
	ErrNotConfirmed = errors.New("delivery: confirmation not observed")

	// ErrChatNotReady means neither the chat surface nor the invalid
	// dialog appeared. Retryable.
	ErrChatNotReady = errors.New("delivery: chat surface never became ready")
)

const (
	raceTagReady   = "ready"
	raceTagInvalid = "invalid"
)

// Config tunes the send procedure.
type Config struct {
	SendURLTemplate string
	Selectors       config.Selectors

	// ReadyTimeout bounds the wait for the chat surface.
	ReadyTimeout time.Duration

	// InvalidTimeout bounds the invalid-recipient wait. Shorter than
	// ReadyTimeout so a bad number fails fast.
	InvalidTimeout time.Duration

	// ConfirmTimeout bounds each wait for delivery evidence.
	ConfirmTimeout time.Duration

	// TypeDelay is the mean inter-character typing delay.
	TypeDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 25 * time.Second
	}
	if c.InvalidTimeout <= 0 {
		c.InvalidTimeout = 10 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 8 * time.Second
	}
	if c.TypeDelay <= 0 {
		c.TypeDelay = 80 * time.Millisecond
	}
}

// Sender executes the delivery protocol against the live page.
type Sender struct {
	page    browser.Page
	machine *session.Machine
	cfg     Config
	logger  *slog.Logger
}

// NewSender creates a sender.
func NewSender(page browser.Page, machine *session.Machine, cfg Config, logger *slog.Logger) *Sender {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{page: page, machine: machine, cfg: cfg, logger: logger}
}

// Send delivers one message. It runs only when the state machine permits
// and holds the delivery-in-progress flag for its whole duration, so the
// polling loop does not misread navigation noise as a disconnect. The
// flag is cleared on every exit path.
func (s *Sender) Send(ctx context.Context, phone, message string) error {
	if err := s.machine.BeginDelivery(); err != nil {
		return err
	}
	defer s.machine.EndDelivery()

	url := fmt.Sprintf(s.cfg.SendURLTemplate, phone)
	if err := s.page.Navigate(ctx, url); err != nil {
		return fmt.Errorf("open chat: %w", err)
	}

	sel := s.cfg.Selectors
	result := FirstSignal(ctx,
		Branch{Tag: raceTagInvalid, Timeout: s.cfg.InvalidTimeout, Wait: s.waitFor(sel.InvalidRecipient)},
		Branch{Tag: raceTagReady, Timeout: s.cfg.ReadyTimeout, Wait: s.waitFor(sel.ChatReady)},
	)
	switch result.Tag {
	case raceTagInvalid:
		s.logger.Warn("recipient invalid", "phone", phone)
		return ErrInvalidRecipient
	case raceTagReady:
	default:
		if result.Err != nil {
			return fmt.Errorf("waiting for chat surface: %w", result.Err)
		}
		return ErrChatNotReady
	}

	if err := s.page.Type(ctx, sel.MessageInput, message, s.cfg.TypeDelay); err != nil {
		return fmt.Errorf("type message: %w", err)
	}
	if err := s.page.Press(ctx, sel.MessageInput, "Enter"); err != nil {
		return fmt.Errorf("submit message: %w", err)
	}

	if err := s.confirm(ctx); err == nil {
		s.logger.Info("message delivered", "phone", phone)
		return nil
	} else if !errors.Is(err, browser.ErrTimeout) {
		return fmt.Errorf("verify delivery: %w", err)
	}

	// No confirmation evidence: one fallback submission before failing.
	s.logger.Warn("no delivery confirmation, trying fallback submit", "phone", phone)
	if err := s.page.Click(ctx, sel.SendButton); err != nil {
		return fmt.Errorf("fallback submit: %w", err)
	}
	if err := s.confirm(ctx); err != nil {
		if errors.Is(err, browser.ErrTimeout) {
			return ErrNotConfirmed
		}
		return fmt.Errorf("verify delivery after fallback: %w", err)
	}
	s.logger.Info("message delivered after fallback submit", "phone", phone)
	return nil
}

func (s *Sender) confirm(ctx context.Context) error {
	return s.page.WaitFor(ctx, s.cfg.Selectors.SentConfirmation, s.cfg.ConfirmTimeout)
}

func (s *Sender) waitFor(selector string) func(ctx context.Context, timeout time.Duration) error {
	return func(ctx context.Context, timeout time.Duration) error {
		return s.page.WaitFor(ctx, selector, timeout)
	}
}
