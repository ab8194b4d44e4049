// ABOUTME: Failure taxonomy for outbound sends
// ABOUTME: Classifies arbitrary errors into the kinds the state machine acts on

package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// FailureKind categorizes a failed send.
type FailureKind int

// Failure kinds
const (
	// Permanent failures are reported and not retried.
	Permanent FailureKind = iota
	// RateLimited carries the wait the platform asked for.
	RateLimited
	// TargetGone means the destination thread no longer exists.
	TargetGone
	// Transient covers timeouts while downloading or uploading.
	Transient
	// Rejected means the content is unsupported or too large.
	Rejected
)

func (k FailureKind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case TargetGone:
		return "target_gone"
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	default:
		return "permanent"
	}
}

// SendError is returned by platform senders.
type SendError struct {
	Kind FailureKind
	Wait time.Duration // set for RateLimited
	Err  error
}

func (e *SendError) Error() string {
	if e.Kind == RateLimited {
		return fmt.Sprintf("%s (wait %s): %v", e.Kind, e.Wait, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// NewSendError builds a SendError.
func NewSendError(kind FailureKind, err error) *SendError {
	return &SendError{Kind: kind, Err: err}
}

// RateLimitError builds a RateLimited SendError.
func RateLimitError(wait time.Duration, err error) *SendError {
	return &SendError{Kind: RateLimited, Wait: wait, Err: err}
}

// Classify maps any error to a SendError. Deadline and network timeouts
// count as Transient; anything unrecognized is Permanent.
func Classify(err error) *SendError {
	if err == nil {
		return nil
	}

	var se *SendError
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewSendError(Transient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewSendError(Transient, err)
	}

	return NewSendError(Permanent, err)
}

// ErrPanic wraps a recovered handler panic.
var ErrPanic = errors.New("relay handler panicked")
