package syncerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{Connection("probe", errors.New("dial refused")), KindConnection},
		{Transport("push applications/42", 500, errors.New("server error")), KindTransport},
		{Auth("push companies/1", errors.New("401 after refresh")), KindAuth},
		{Validation("decode payload", errors.New("bad envelope")), KindValidation},
		{errors.New("plain"), 0},
		{nil, 0},
	}

	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := Transport("pull reminders", 503, errors.New("unavailable"))
	wrapped := fmt.Errorf("cycle failed: %w", inner)

	if !IsKind(wrapped, KindTransport) {
		t.Errorf("expected wrapped error to report KindTransport")
	}
	if IsKind(wrapped, KindConnection) {
		t.Errorf("wrapped transport error misreported as connection")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Connection("probe", errors.New("timeout"))) {
		t.Error("connection errors should be retryable")
	}
	if !IsRetryable(Transport("push", 500, nil)) {
		t.Error("transport errors should be retryable")
	}
	if IsRetryable(Auth("push", nil)) {
		t.Error("auth errors should not be retryable")
	}
	if IsRetryable(Validation("decode", nil)) {
		t.Error("validation errors should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("untagged errors should not be retryable")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Transport("push applications/42", 500, errors.New("internal server error"))
	msg := err.Error()

	for _, want := range []string{"push applications/42", "transport", "500"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Connection("probe", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the underlying cause")
	}
}
