package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Result is the outcome of one webhook attempt.
type Result struct {
	StatusCode int
	Err        error
	RetryAfter time.Duration
}

func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r Result) message() string {
	switch {
	case r.Err != nil && r.StatusCode > 0:
		return fmt.Sprintf("HTTP %d: %v", r.StatusCode, r.Err)
	case r.Err != nil:
		return r.Err.Error()
	default:
		return fmt.Sprintf("HTTP %d %s", r.StatusCode, http.StatusText(r.StatusCode))
	}
}

// Triage classifies a failed attempt.
func Triage(r Result) (TriageLabel, string) {
	switch code := r.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return TriageAuthFailure, fmt.Sprintf("target rejected credentials (HTTP %d); fix auth before replaying", code)
	case code == http.StatusTooManyRequests:
		return TriageRateLimited, "target is rate limiting; safe to replay after a delay"
	case code >= 500:
		return TriageTransient, fmt.Sprintf("target returned HTTP %d; safe to replay", code)
	case code >= 400:
		return TriagePermanent, fmt.Sprintf("target rejected request with HTTP %d; needs a human fix", code)
	}
	if r.Err == nil {
		return TriageUnknown, "no error detail"
	}
	if isTimeout(r.Err) {
		return TriageTransient, "attempt timed out; safe to replay"
	}
	if errors.Is(r.Err, syscall.ECONNREFUSED) || strings.Contains(strings.ToLower(r.Err.Error()), "connection refused") {
		return TriageTransient, "connection refused; safe to replay"
	}
	return TriageUnknown, "unclassified error: " + r.Err.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
