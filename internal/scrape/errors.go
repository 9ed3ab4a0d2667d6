package scrape

import (
	"context"
	"errors"
	"fmt"

	"github.com/gridwell/datafeeds/internal/resilience"
)

// Kind is the coarse error taxonomy the runner bases retry and outcome
// decisions on. Kinds classify faults, they are not Go types; adapters attach
// them to whatever underlying error they hit.
type Kind string

const (
	KindNetworkTimeout     Kind = "NetworkTimeout"
	KindHTTPServerError    Kind = "HttpServerError"
	KindElementTimeout     Kind = "ElementTimeout"
	KindStaleElement       Kind = "StaleElement"
	KindDownloadAmbiguous  Kind = "DownloadAmbiguous"
	KindDownloadMissing    Kind = "DownloadMissing"
	KindInvalidCredentials Kind = "InvalidCredentials"
	KindAccountNotFound    Kind = "AccountNotFound"
	KindNoData             Kind = "NoDataAvailable"
	KindParseError         Kind = "ParseError"
	KindCancelled          Kind = "Cancelled"
	KindDeadlineExpired    Kind = "RunDeadlineExpired"
	KindUnknown            Kind = ""
)

// Retryable reports whether a fresh attempt may recover from the kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkTimeout, KindHTTPServerError, KindElementTimeout,
		KindStaleElement, KindDownloadAmbiguous, KindDownloadMissing:
		return true
	default:
		return false
	}
}

// Declines reports whether the kind means the portal has no data for the
// source rather than a fault (account not provisioned, nothing in window).
func (k Kind) Declines() bool {
	return k == KindAccountNotFound || k == KindNoData
}

// Error is a classified scraper fault.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError classifies an underlying error.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain. Unclassified network-level
// transients map to NetworkTimeout; context expiry maps to Cancelled or
// RunDeadlineExpired. Everything else is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExpired
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var te *resilience.TransientError
	if errors.As(err, &te) {
		if resilience.IsTransientHTTPStatus(te.StatusCode) && te.StatusCode >= 500 {
			return KindHTTPServerError
		}
		return KindNetworkTimeout
	}
	if resilience.IsTransient(err) {
		return KindNetworkTimeout
	}
	return KindUnknown
}

// Retryable is the runner's ShouldRetry predicate over raw errors.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}
