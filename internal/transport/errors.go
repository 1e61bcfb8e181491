package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reason classifies a failed delivery.
type Reason int

const (
	ReasonUnknown Reason = iota
	// ReasonBlocked: the member cannot receive DMs from this worker. Permanent.
	ReasonBlocked
	// ReasonRateLimited: the provider throttled the worker. Retryable.
	ReasonRateLimited
	// ReasonTransient: network or timeout. Retryable.
	ReasonTransient
	// ReasonUnavailable: the worker connection is gone.
	ReasonUnavailable
)

func (r Reason) String() string {
	switch r {
	case ReasonBlocked:
		return "blocked"
	case ReasonRateLimited:
		return "rate_limited"
	case ReasonTransient:
		return "transient"
	case ReasonUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

func (r Reason) Retryable() bool { return r == ReasonRateLimited || r == ReasonTransient }

var ErrDisconnected = errors.New("transport: worker disconnected")

// DeliveryError carries a classification and an optional provider retry hint.
type DeliveryError struct {
	Reason     Reason
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s): %v", e.Reason, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Blocked marks err as a permanent per-member failure.
func Blocked(err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Reason: ReasonBlocked, Err: err}
}

// Throttled marks err as provider throttling, with the provider's hint if any.
func Throttled(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Reason: ReasonRateLimited, RetryAfter: max(after, 0), Err: err}
}

// Transient marks err as retryable I/O trouble.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Reason: ReasonTransient, Err: err}
}

// ReasonOf classifies err. Deadline errors count as transient.
func ReasonOf(err error) Reason {
	var de *DeliveryError
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.As(err, &de):
		return de.Reason
	case errors.Is(err, ErrDisconnected):
		return ReasonUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTransient
	default:
		return ReasonUnknown
	}
}

// RetryAfterOf returns the provider retry hint carried by err, or 0.
func RetryAfterOf(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}
