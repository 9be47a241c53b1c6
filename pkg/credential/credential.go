// Package credential issues short-lived, single-use access tokens for the
// login QR payload. At most one token is valid at any instant: issuing a
// new token invalidates the previous one, and a token is burned on its
// first successful read. Raw QR material is never exposed through the
// status surface, only through a token read.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/pkg/kv"
)

const (
	activeTokenKey  = "active-credential"
	tokenKeyPrefix  = "credential:"
	issueCounterKey = "credential-issue-count"

	// TokenTTL bounds how long an issued token stays readable.
	TokenTTL = 60 * time.Second

	// issueWindow and issueLimit rate-limit issuance separately from the
	// general API limit.
	issueWindow = time.Minute
	issueLimit  = 10
)

var (
	// ErrTokenInvalid is returned for unknown, expired, superseded, or
	// already-burned tokens. Callers cannot distinguish which; that is
	// deliberate.
	ErrTokenInvalid = errors.New("credential: token invalid")

	// ErrIssueRateLimited is returned when issuance exceeds its own
	// bounded counter.
	ErrIssueRateLimited = errors.New("credential: issuance rate limited")

	// ErrNoPending is returned when there is no QR payload to grant
	// access to.
	ErrNoPending = errors.New("credential: no pending credential")
)

// Issuer manages the single active QR access token.
type Issuer struct {
	store  kv.Store
	logger *slog.Logger
}

// NewIssuer creates an issuer over the given store.
func NewIssuer(store kv.Store, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{store: store, logger: logger}
}

// Issue mints a new token granting one read of payload, invalidating any
// previously issued token.
func (i *Issuer) Issue(ctx context.Context, payload string) (string, error) {
	count, err := i.store.IncrWithExpiry(ctx, issueCounterKey, issueWindow)
	if err != nil {
		return "", fmt.Errorf("issuance counter: %w", err)
	}
	if count > issueLimit {
		return "", ErrIssueRateLimited
	}

	// Invalidate the prior token before the new one becomes active, so
	// there is never a window with two readable tokens.
	if prior, err := i.store.Get(ctx, activeTokenKey); err == nil {
		if err := i.store.Delete(ctx, tokenKeyPrefix+prior); err != nil {
			return "", fmt.Errorf("invalidate prior token: %w", err)
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return "", fmt.Errorf("read active token: %w", err)
	}

	token := uuid.NewString()
	if err := i.store.Set(ctx, tokenKeyPrefix+token, payload, TokenTTL); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	if err := i.store.Set(ctx, activeTokenKey, token, TokenTTL); err != nil {
		return "", fmt.Errorf("store active token: %w", err)
	}
	i.logger.Info("credential issued", "ttl", TokenTTL)
	return token, nil
}

// Read returns the payload for token and burns it. A second read of the
// same token fails with ErrTokenInvalid.
func (i *Issuer) Read(ctx context.Context, token string) (string, error) {
	payload, err := i.store.Get(ctx, tokenKeyPrefix+token)
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}

	if err := i.store.Delete(ctx, tokenKeyPrefix+token); err != nil {
		return "", fmt.Errorf("burn token: %w", err)
	}
	if active, err := i.store.Get(ctx, activeTokenKey); err == nil && active == token {
		if err := i.store.Delete(ctx, activeTokenKey); err != nil {
			return "", fmt.Errorf("clear active token: %w", err)
		}
	}
	return payload, nil
}

// HasPending reports whether an unburned token currently exists. Exposed
// through the status read; the token itself never is.
func (i *Issuer) HasPending(ctx context.Context) (bool, error) {
	_, err := i.store.Get(ctx, activeTokenKey)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read active token: %w", err)
	}
	return true, nil
}
