package scrape

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gridwell/datafeeds/internal/resilience"
)

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{
		KindNetworkTimeout, KindHTTPServerError, KindElementTimeout,
		KindStaleElement, KindDownloadAmbiguous, KindDownloadMissing,
	}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("expected %s retryable", k)
		}
	}

	terminal := []Kind{
		KindInvalidCredentials, KindAccountNotFound, KindNoData,
		KindParseError, KindCancelled, KindDeadlineExpired, KindUnknown,
	}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("expected %s not retryable", k)
		}
	}
}

func TestKindDeclines(t *testing.T) {
	if !KindAccountNotFound.Declines() || !KindNoData.Declines() {
		t.Error("expected account-not-found and no-data to decline")
	}
	if KindInvalidCredentials.Declines() {
		t.Error("invalid credentials is a failure, not a decline")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"classified", NewError(KindInvalidCredentials, errors.New("bad login")), KindInvalidCredentials},
		{"wrapped classified", fmt.Errorf("outer: %w", Errorf(KindElementTimeout, "selector")), KindElementTimeout},
		{"deadline", context.DeadlineExceeded, KindDeadlineExpired},
		{"cancel", context.Canceled, KindCancelled},
		{"transient 503", resilience.NewTransientError(errors.New("x"), 503), KindHTTPServerError},
		{"transient conn", resilience.NewTransientError(errors.New("x"), 0), KindNetworkTimeout},
		{"io timeout string", errors.New("dial tcp: i/o timeout"), KindNetworkTimeout},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	e := Errorf(KindDownloadMissing, "no file after %ds", 30)
	want := "DownloadMissing: no file after 30s"
	if e.Error() != want {
		t.Errorf("got %q, want %q", e.Error(), want)
	}
	if (&Error{Kind: KindNoData}).Error() != "NoDataAvailable" {
		t.Error("kind-only error should print the kind")
	}
}
