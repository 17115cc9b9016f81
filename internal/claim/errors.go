package claim

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TransportKind classifies a failed network round trip.
type TransportKind string

// Transport fault classes.
const (
	TransportTimeout          TransportKind = "timeout"
	TransportConnectionFailed TransportKind = "connection_failed"
	TransportHTTPStatus       TransportKind = "http_status"
)

// TransportError wraps a failed or retryable fetch outcome.
type TransportError struct {
	Kind       TransportKind
	StatusCode int
	// RetryAfter carries the target's Retry-After hint, zero if absent.
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case TransportHTTPStatus:
		return fmt.Sprintf("transport: http status %d", e.StatusCode)
	default:
		return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the engine should attempt the fetch again:
// timeouts, connection failures, 5xx, and 429.
func (e *TransportError) Retryable() bool {
	switch e.Kind {
	case TransportTimeout, TransportConnectionFailed:
		return true
	case TransportHTTPStatus:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// ParseKind classifies extraction failures. None are retryable: a malformed
// page is assumed stable across immediate retries.
type ParseKind string

// Parse fault classes.
const (
	ParseMalformedMarkup  ParseKind = "malformed_markup"
	ParseSelectorMissing  ParseKind = "selector_missing"
	ParseUnexpectedSchema ParseKind = "unexpected_schema"
)

// ParseError reports that extraction could not produce a Result.
type ParseError struct {
	Kind   ParseKind
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %s: %s", e.Kind, e.Detail)
}

// RejectedError marks a well-formed page stating the claim is already spent.
// This is a business outcome, not a fault, and must never trigger a retry.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "claim rejected: " + e.Reason
}

// FailureKind is the taxonomy surfaced to subscribers on a Failed terminal
// state, so clients can distinguish "try later" from "already done".
type FailureKind string

// Failure classes delivered in terminal events.
const (
	FailTransport   FailureKind = "transport"
	FailParse       FailureKind = "parse"
	FailRejected    FailureKind = "claim_rejected"
	FailRateLimited FailureKind = "rate_limited"
)

// Failure is the payload of a Failed terminal state.
type Failure struct {
	Kind     FailureKind `json:"kind"`
	Detail   string      `json:"detail"`
	Attempts int         `json:"attempts"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %s", f.Kind, f.Attempts, f.Detail)
}

// FailureFor maps a pipeline error onto the terminal taxonomy.
func FailureFor(err error, attempts int) Failure {
	var te *TransportError
	if errors.As(err, &te) {
		return Failure{Kind: FailTransport, Detail: te.Error(), Attempts: attempts}
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return Failure{Kind: FailParse, Detail: pe.Error(), Attempts: attempts}
	}
	var re *RejectedError
	if errors.As(err, &re) {
		return Failure{Kind: FailRejected, Detail: re.Reason, Attempts: attempts}
	}
	return Failure{Kind: FailTransport, Detail: err.Error(), Attempts: attempts}
}
