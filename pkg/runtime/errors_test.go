package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/docker/docker/errdefs"
)

// TestClassify tests the engine error taxonomy
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrKind
	}{
		{"not found", errdefs.NotFound(errors.New("no such container")), ErrKindNotFound},
		{"invalid parameter", errdefs.InvalidParameter(errors.New("bad port")), ErrKindInvalidConfig},
		{"conflict", errdefs.Conflict(errors.New("name in use")), ErrKindInvalidConfig},
		{"unauthorized", errdefs.Unauthorized(errors.New("login required")), ErrKindDenied},
		{"forbidden", errdefs.Forbidden(errors.New("denied")), ErrKindDenied},
		{"deadline", context.DeadlineExceeded, ErrKindTransient},
		{"canceled", context.Canceled, ErrKindTransient},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ErrKindTransient},
		{"unknown", errors.New("something odd"), ErrKindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KindOf(Classify("op", tt.err))
			if got != tt.want {
				t.Errorf("Classify(%v) kind = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

// TestClassifyNil tests the nil passthrough
func TestClassifyNil(t *testing.T) {
	if err := Classify("op", nil); err != nil {
		t.Errorf("Classify(nil) = %v, want nil", err)
	}
}

// TestClassifyWraps tests that the original error stays reachable
func TestClassifyWraps(t *testing.T) {
	cause := errors.New("root cause")
	err := Classify("pull image", fmt.Errorf("wrapped: %w", cause))
	if !errors.Is(err, cause) {
		t.Error("Classify() lost the error chain")
	}
}

// TestKindOfForeign tests non-runtime errors
func TestKindOfForeign(t *testing.T) {
	if kind := KindOf(errors.New("plain")); kind != "" {
		t.Errorf("KindOf(plain error) = %q, want empty", kind)
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("IsNotFound(plain error) = true")
	}
}
