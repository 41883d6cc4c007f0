package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"Invalid login credentials", ErrInvalidCredentials},
		{"auth: status 400: invalid_grant", ErrInvalidCredentials},
		{"Email not confirmed", ErrEmailNotConfirmed},
		{"User already registered", ErrUserExists},
		{"email rate limit exceeded", ErrRateLimited},
		{"auth: status 429: Too Many Requests", ErrRateLimited},
		{"Password should be at least 6 characters", ErrWeakPassword},
		{"dial tcp 127.0.0.1:9999: connect: connection refused", ErrServiceUnavailable},
		{"auth: status 503: Service Unavailable", ErrServiceUnavailable},
	}

	for _, tt := range tests {
		err := Classify(errors.New(tt.msg))
		if !errors.Is(err, tt.want) {
			t.Errorf("Classify(%q) = %v, want %v", tt.msg, err, tt.want)
		}
	}
}

func TestClassifyKeepsCause(t *testing.T) {
	cause := errors.New("Invalid login credentials")
	err := Classify(fmt.Errorf("signing in: %w", cause))
	if !errors.Is(err, cause) {
		t.Error("classified error lost its cause")
	}
}

func TestClassifyPassThrough(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("Classify(nil) != nil")
	}

	unknown := errors.New("something odd")
	if got := Classify(unknown); got != unknown {
		t.Errorf("unknown error changed: %v", got)
	}

	already := fmt.Errorf("%w: x", ErrRateLimited)
	if got := Classify(already); got != already {
		t.Errorf("classified error wrapped twice: %v", got)
	}

	if !errors.Is(Classify(context.DeadlineExceeded), ErrServiceUnavailable) {
		t.Error("deadline not classified as service unavailable")
	}
}
