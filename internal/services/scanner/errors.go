package scanner

import (
	"context"
	"errors"
	"net"
	"strings"
	"unicode/utf8"

	"scriptguard/internal/services/extractor"
)

// Stable error codes recorded on failed scan runs.
const (
	CodeNoTargets        = "NO_TARGETS"
	CodeAutomationAbsent = "PLAYWRIGHT_NOT_INSTALLED"
	CodeTimeout          = "TIMEOUT"
	CodeNavigation       = "NAV_ERROR"
	CodeTask             = "TASK_ERROR"
)

// MaxErrorMessage bounds the stored error message in runes.
const MaxErrorMessage = 500

// ErrAutomationUnavailable marks failures to start the browser automation
// environment (driver or browser binaries missing, launch refused).
var ErrAutomationUnavailable = errors.New("automation environment unavailable")

// RunError is returned by Job.Execute when a run ends failed.
type RunError struct {
	RunID string
	Code  string
	Err   error
}

func (e *RunError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return "scan run " + e.RunID + " failed (" + e.Code + "): " + e.Err.Error()
}

func (e *RunError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether another attempt of the same run could succeed.
func (e *RunError) Retryable() bool {
	return e != nil && Retryable(e.Code)
}

func Retryable(code string) bool {
	return code != CodeNoTargets
}

var (
	automationHints = []string{
		"please install the driver",
		"could not install driver",
		"executable doesn't exist",
		"browsertype.launch",
	}
	timeoutHints    = []string{"timeout", "timed out", "deadline exceeded"}
	navigationHints = []string{"net::err_", "navigat", "connection refused", "no such host", "page.goto"}
)

// Classify maps err onto the run error taxonomy. Typed errors are matched
// first, then the message, in taxonomy order, falling back to TASK_ERROR.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var nav *extractor.NavigationError
	var netErr net.Error
	switch {
	case errors.Is(err, extractor.ErrNoTargets):
		return CodeNoTargets
	case errors.Is(err, ErrAutomationUnavailable):
		return CodeAutomationAbsent
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout
	case errors.As(err, &nav):
		// Browser drivers report their own navigation timeouts as plain errors.
		if nav.Err != nil && containsAny(strings.ToLower(nav.Err.Error()), timeoutHints) {
			return CodeTimeout
		}
		return CodeNavigation
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, automationHints):
		return CodeAutomationAbsent
	case containsAny(msg, timeoutHints):
		return CodeTimeout
	case containsAny(msg, navigationHints):
		return CodeNavigation
	}
	return CodeTask
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
