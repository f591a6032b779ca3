package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	base := New(Validation, "missing field")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", base, Validation},
		{"wrapped with fmt", fmt.Errorf("handler: %w", base), Validation},
		{"deeply wrapped", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", base)), Validation},
		{"plain error", errors.New("boom"), ""},
		{"nil-kind error", &Error{Message: "x"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTimeoutErrorCarriesElapsed(t *testing.T) {
	err := TimeoutError(3*time.Second, "turn exceeded budget")

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatal("expected *Error")
	}
	if fe.Kind != Timeout {
		t.Errorf("Kind = %q, want %q", fe.Kind, Timeout)
	}
	if fe.Elapsed != 3*time.Second {
		t.Errorf("Elapsed = %v, want 3s", fe.Elapsed)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("row not found")
	err := Wrap(NotFound, cause, "load job")

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if got := err.Error(); got != "load job: row not found" {
		t.Errorf("Error() = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{New(Validation, "bad"), http.StatusBadRequest},
		{New(Signature, "bad sig"), http.StatusForbidden},
		{New(NotFound, "missing"), http.StatusNotFound},
		{New(StateConflict, "claimed"), http.StatusConflict},
		{New(Transient, "blip"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
