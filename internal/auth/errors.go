package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Foreground auth failures, as shown to the user.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailNotConfirmed  = errors.New("email not confirmed")
	ErrUserExists         = errors.New("user already registered")
	ErrRateLimited        = errors.New("too many attempts, try again later")
	ErrWeakPassword       = errors.New("password too weak")
	ErrServiceUnavailable = errors.New("auth service unavailable")
)

var sentinels = []error{
	ErrInvalidCredentials,
	ErrEmailNotConfirmed,
	ErrUserExists,
	ErrRateLimited,
	ErrWeakPassword,
	ErrServiceUnavailable,
}

// classifiers map fragments of backend error messages to sentinels. The
// first match wins.
var classifiers = []struct {
	fragments []string
	err       error
}{
	{[]string{"invalid login credentials", "invalid credentials", "invalid_grant", "invalid email or password", "wrong password"}, ErrInvalidCredentials},
	{[]string{"email not confirmed", "email_not_confirmed"}, ErrEmailNotConfirmed},
	{[]string{"already registered", "already exists", "user_already_exists", "email_exists"}, ErrUserExists},
	{[]string{"rate limit", "too many requests", "over_request_rate_limit", "status 429"}, ErrRateLimited},
	{[]string{"password should", "weak password", "weak_password", "password must be"}, ErrWeakPassword},
	{[]string{"network", "connection refused", "no such host", "timeout", "timed out", "service unavailable", "bad gateway", "status 502", "status 503", "status 504", "failed to fetch"}, ErrServiceUnavailable},
}

// Classify maps an error from an auth provider onto one of the sentinel
// errors by matching its message. The result wraps both the sentinel and err.
// Errors that match nothing are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return err
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	msg := strings.ToLower(err.Error())
	for _, c := range classifiers {
		for _, f := range c.fragments {
			if strings.Contains(msg, f) {
				return fmt.Errorf("%w: %w", c.err, err)
			}
		}
	}
	return err
}
