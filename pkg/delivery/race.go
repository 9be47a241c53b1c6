// Package delivery implements the per-job send procedure: admission
// gating, the guarded navigate-type-submit-verify sequence, and the
// first-signal race that distinguishes a ready chat surface from an
// invalid recipient.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/relaygate/relaygate/pkg/browser"
)

// Branch is one competitor in a first-signal race. Wait returns nil when
// the branch's signal appeared, browser.ErrTimeout when its bound passed
// without it.
type Branch struct {
	Tag     string
	Timeout time.Duration
	Wait    func(ctx context.Context, timeout time.Duration) error
}

// RaceResult is the tagged outcome of FirstSignal. Tag is the winning
// branch, or empty when no branch's signal appeared; Err carries any
// hard (non-timeout) branch failure.
type RaceResult struct {
	Tag string
	Err error
}

// FirstSignal runs every branch concurrently and returns the first one
// whose signal appears. Branches that lose keep running to their own
// bounded timeouts in the background; page waits are not cancellable
// mid-flight.
func FirstSignal(ctx context.Context, branches ...Branch) RaceResult {
	type branchResult struct {
		tag string
		err error
	}
	results := make(chan branchResult, len(branches))

	for _, b := range branches {
		b := b
		go func() {
			results <- branchResult{tag: b.Tag, err: b.Wait(ctx, b.Timeout)}
		}()
	}

	var hardErrs []error
	for range branches {
		select {
		case <-ctx.Done():
			return RaceResult{Err: ctx.Err()}
		case res := <-results:
			if res.err == nil {
				return RaceResult{Tag: res.tag}
			}
			if !errors.Is(res.err, browser.ErrTimeout) {
				hardErrs = append(hardErrs, res.err)
			}
		}
	}
	return RaceResult{Err: errors.Join(hardErrs...)}
}
