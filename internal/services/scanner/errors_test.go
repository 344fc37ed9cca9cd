package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/playwright-community/playwright-go"

	"scriptguard/internal/services/extractor"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"no targets", fmt.Errorf("site s: %w", extractor.ErrNoTargets), CodeNoTargets},
		{"automation sentinel", fmt.Errorf("start: %w", ErrAutomationUnavailable), CodeAutomationAbsent},
		{"driver message", errors.New("please install the driver (v1.52.0) first"), CodeAutomationAbsent},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), CodeTimeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, CodeTimeout},
		{"timeout message", errors.New("Timeout 60000ms exceeded."), CodeTimeout},
		{"navigation typed", &extractor.NavigationError{URL: "https://x.test", Err: errors.New("boom")}, CodeNavigation},
		{"navigation wrapping timeout", &extractor.NavigationError{URL: "https://x.test", Err: context.DeadlineExceeded}, CodeTimeout},
		{"navigation wrapping driver timeout", &extractor.NavigationError{URL: "https://x.test", Err: fmt.Errorf("page.goto https://x.test: %w", playwright.ErrTimeout)}, CodeTimeout},
		{"navigation wrapping timeout message", &extractor.NavigationError{URL: "https://x.test", Err: errors.New("Timeout 60000ms exceeded.")}, CodeTimeout},
		{"navigation message", errors.New("net::ERR_NAME_NOT_RESOLVED at https://x.test"), CodeNavigation},
		{"other", errors.New("duplicate key value violates unique constraint"), CodeTask},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
	if Classify(nil) != "" {
		t.Fatalf("nil error has no code")
	}
}

func TestRetryable(t *testing.T) {
	for _, code := range []string{CodeAutomationAbsent, CodeTimeout, CodeNavigation, CodeTask} {
		if !Retryable(code) {
			t.Fatalf("%s should be retryable", code)
		}
	}
	if Retryable(CodeNoTargets) {
		t.Fatalf("NO_TARGETS should not be retryable")
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncate("héllo", 2); got != "hé" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("ok", 10); got != "ok" {
		t.Fatalf("truncate = %q", got)
	}
}
