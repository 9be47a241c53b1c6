// Package queue is the durable job queue: at-least-once, Redis-backed,
// one job in flight at a time. Serial processing is a correctness
// requirement, not a throughput choice — there is exactly one automation
// resource and the chat provider enforces a single active session.
package queue

import (
	"errors"
	"time"
)

// Job is a single delivery request. The id doubles as the deduplication
// key; the queue guarantees at most one record per id.
type Job struct {
	ID      string `json:"id"`
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// Status is a job record's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is the persisted view of a job, kept after resolution so
// callers can query terminal outcomes the queue itself no longer holds.
// ErrorKind is set when the job fails: a stable code clients can branch
// on without parsing LastError.
type Record struct {
	Job        Job       `json:"job"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ErrDuplicate is returned by Enqueue when a job with the same id
// already exists.
var ErrDuplicate = errors.New("queue: duplicate job id")

// ErrJobNotFound is returned by Lookup for unknown or expired ids.
var ErrJobNotFound = errors.New("queue: job not found")

// KindDeliveryFailed is the error kind recorded when retries exhaust or
// a terminal error carries no more specific kind.
const KindDeliveryFailed = "delivery_failed"

// nonRetryable wraps errors whose retry cannot succeed: invalid
// recipient, not-authenticated, cap-exceeded, circuit-open. The kind is
// the stable code persisted on the record.
type nonRetryable struct {
	err  error
	kind string
}

func (e *nonRetryable) Error() string { return e.err.Error() }
func (e *nonRetryable) Unwrap() error { return e.err }

// NonRetryable marks err as terminal: the queue fails the job
// immediately instead of retrying, recording kind on the record.
func NonRetryable(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err, kind: kind}
}

// IsNonRetryable reports whether err carries the terminal marking.
func IsNonRetryable(err error) bool {
	var t *nonRetryable
	return errors.As(err, &t)
}

// ErrorKind extracts the terminal kind from err, defaulting to
// KindDeliveryFailed when none was attached.
func ErrorKind(err error) string {
	var t *nonRetryable
	if errors.As(err, &t) && t.kind != "" {
		return t.kind
	}
	return KindDeliveryFailed
}
