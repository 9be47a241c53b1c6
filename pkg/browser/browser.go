// Package browser provides the page-automation surface over Playwright.
//
// The orchestration engine never touches Playwright directly: it depends on
// the Page interface, which exposes exactly the operations the engine
// needs — navigate, bounded wait, read text, type, press, click. The
// Driver owns the single Playwright browser instance; there is never more
// than one, because the chat provider enforces a single active session.
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by WaitFor when the selector does not appear
// within the bound. Callers distinguish "absent" from "probe failed".
var ErrTimeout = errors.New("browser: wait timed out")

// Page is the automation capability the orchestration core depends on.
type Page interface {
	// Navigate loads url and waits for the DOM to be ready.
	Navigate(ctx context.Context, url string) error

	// WaitFor blocks until an element matching selector is visible, or
	// returns ErrTimeout after the given bound.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error

	// TextContent returns the text of the first element matching selector.
	TextContent(ctx context.Context, selector string) (string, error)

	// Type focuses selector and types text with a randomized
	// inter-character delay centered on delay.
	Type(ctx context.Context, selector, text string, delay time.Duration) error

	// Press sends a single key (e.g. "Enter") to the element at selector.
	Press(ctx context.Context, selector, key string) error

	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error
}
