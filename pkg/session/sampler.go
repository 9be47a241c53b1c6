package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/relaygate/relaygate/pkg/browser"
	"github.com/relaygate/relaygate/pkg/config"
)

// Signals is one sample of the DOM-observable session indicators.
type Signals struct {
	// QRVisible reports the login QR element on screen.
	QRVisible bool

	// QRPayload is the QR element's payload text when visible.
	QRPayload string

	// Authenticated reports the authenticated-UI anchor present.
	Authenticated bool

	// BanText reports a ban keyword in the page text.
	BanText bool
}

// Sampler produces session signals. An error means the sample failed to
// execute and says nothing about the session; callers treat it as
// inconclusive.
type Sampler interface {
	Sample(ctx context.Context) (Signals, error)
}

// probeTimeout bounds the per-selector existence checks. Short on
// purpose: the poller runs these every tick and absent elements must not
// stall it.
const probeTimeout = 2 * time.Second

// DOMSampler probes the live page for session signals using the
// configured selectors.
type DOMSampler struct {
	page       browser.Page
	selectors  config.Selectors
	banPhrases []string
}

// NewDOMSampler creates a sampler over the given page.
func NewDOMSampler(page browser.Page, selectors config.Selectors, banPhrases []string) *DOMSampler {
	return &DOMSampler{page: page, selectors: selectors, banPhrases: banPhrases}
}

// Sample implements Sampler.
func (s *DOMSampler) Sample(ctx context.Context) (Signals, error) {
	var sig Signals

	authenticated, err := s.visible(ctx, s.selectors.AuthAnchor)
	if err != nil {
		return Signals{}, err
	}
	sig.Authenticated = authenticated

	qrVisible, err := s.visible(ctx, s.selectors.QRCode)
	if err != nil {
		return Signals{}, err
	}
	if qrVisible {
		sig.QRVisible = true
		payload, err := s.page.TextContent(ctx, s.selectors.QRCode)
		if err != nil {
			return Signals{}, err
		}
		sig.QRPayload = payload
	}

	banText, err := s.banVisible(ctx)
	if err != nil {
		return Signals{}, err
	}
	sig.BanText = banText

	return sig, nil
}

// visible distinguishes "element absent" (timeout, not an error) from a
// failed probe.
func (s *DOMSampler) visible(ctx context.Context, selector string) (bool, error) {
	err := s.page.WaitFor(ctx, selector, probeTimeout)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, browser.ErrTimeout) {
		return false, nil
	}
	return false, err
}

func (s *DOMSampler) banVisible(ctx context.Context) (bool, error) {
	text, err := s.page.TextContent(ctx, "body")
	if err != nil {
		return false, err
	}
	lower := strings.ToLower(text)
	for _, phrase := range s.banPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true, nil
		}
	}
	return false, nil
}
