package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := errors.New("smtp 503")
	err := fmt.Errorf("dispatch alert: %w", Transient("send", base))

	if got := KindOf(err); got != KindTransient {
		t.Fatalf("KindOf() = %s, want %s", got, KindTransient)
	}
	if !errors.Is(err, base) {
		t.Error("expected the original error to stay in the chain")
	}

	var e *Error
	if !errors.As(err, &e) || !e.Retryable() {
		t.Error("transient errors should be retryable")
	}
}

func TestE_NilPassthrough(t *testing.T) {
	if err := Conflict("create", nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("decode", errors.New("bad json")), http.StatusBadRequest},
		{NotFound("alert", errors.New("missing")), http.StatusNotFound},
		{Conflict("alert", errors.New("dup")), http.StatusConflict},
		{Transient("db", errors.New("down")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}
