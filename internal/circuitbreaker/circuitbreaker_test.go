package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fcarle/accflow/internal/email"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = c.now
	return cb, c
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("email"))
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	cb, c := newTestBreaker(Config{Name: "email", MaxFailures: 2, RecoveryTimeout: time.Minute})

	trip(cb, 2)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}

	c.advance(time.Minute)
	if !cb.Allow() {
		t.Fatal("should allow a trial call after the recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("failed trial call should reopen, got %s", cb.GetState())
	}

	c.advance(time.Minute)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("successful trial call should close, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "email", MaxFailures: 3})
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_ResetAndStats(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "stats", MaxFailures: 2})
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	cb.Allow()

	stats := cb.Stats()
	if stats.TotalRequests != 4 || stats.TotalSuccesses != 1 || stats.TotalFailures != 2 || stats.TotalRejected != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.State != "open" || stats.LastFailure == "" {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	cb.Reset()
	if cb.GetState() != StateClosed || !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var seen []State
	cb, c := newTestBreaker(Config{
		Name:            "email",
		MaxFailures:     1,
		RecoveryTimeout: time.Second,
		OnStateChange: func(name string, from, to State) {
			seen = append(seen, to)
		},
	})

	trip(cb, 1)
	c.advance(time.Second)
	cb.Allow()
	cb.RecordSuccess()

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type mockMailer struct {
	err   error
	calls int
}

func (m *mockMailer) Send(ctx context.Context, msg email.Message) error {
	m.calls++
	return m.err
}

func testMessage() email.Message {
	return email.Message{To: "client@example.com", Subject: "s", HTML: "<p>b</p>"}
}

func TestProtectedMailer_PassesThrough(t *testing.T) {
	mock := &mockMailer{}
	cb, _ := newTestBreaker(Config{Name: "email", MaxFailures: 5})
	pm := NewProtectedMailer(mock, cb, zap.NewNop())

	if err := pm.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if mock.calls != 1 {
		t.Fatalf("calls = %d", mock.calls)
	}
	if pm.Breaker().Stats().TotalSuccesses != 1 {
		t.Fatal("expected 1 success")
	}
}

func TestProtectedMailer_FailFastWhenOpen(t *testing.T) {
	mock := &mockMailer{err: errors.New("provider down")}
	cb, c := newTestBreaker(Config{Name: "email", MaxFailures: 2, RecoveryTimeout: time.Minute})
	pm := NewProtectedMailer(mock, cb, zap.NewNop())
	ctx := context.Background()

	pm.Send(ctx, testMessage())
	pm.Send(ctx, testMessage())

	mock.calls = 0
	err := pm.Send(ctx, testMessage())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.calls != 0 {
		t.Fatalf("mailer called %d times while open", mock.calls)
	}

	c.advance(time.Minute)
	mock.err = nil
	if err := pm.Send(ctx, testMessage()); err != nil {
		t.Fatalf("trial send should succeed: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ExecuteIsSuccessful(t *testing.T) {
	errIgnored := errors.New("ignored")
	cb, _ := newTestBreaker(Config{
		Name:         "email",
		MaxFailures:  2,
		IsSuccessful: func(err error) bool { return errors.Is(err, errIgnored) },
	})

	for i := 0; i < 5; i++ {
		if err := cb.Execute(func() error { return errIgnored }); !errors.Is(err, errIgnored) {
			t.Fatalf("Execute returned %v, want the call's error", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after ignored errors, got %s", cb.GetState())
	}
	if got := cb.Stats().TotalFailures; got != 0 {
		t.Fatalf("TotalFailures = %d, want 0", got)
	}

	cb.Execute(func() error { return errors.New("boom") })
	cb.Execute(func() error { return errors.New("boom") })
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}
}

func TestProtectedMailer_RejectedMessagesDoNotTrip(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantOpen bool
	}{
		{"unprocessable", &email.ProviderError{StatusCode: 422, Body: "invalid address"}, false},
		{"bad_request", &email.ProviderError{StatusCode: 400}, false},
		{"invalid_message", email.Message{}.Validate(), false},
		{"too_many_requests", &email.ProviderError{StatusCode: 429}, true},
		{"server_error", &email.ProviderError{StatusCode: 503}, true},
		{"transport", errors.New("dial tcp: connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockMailer{err: tt.err}
			cb, _ := newTestBreaker(Config{Name: "email", MaxFailures: 3})
			pm := NewProtectedMailer(mock, cb, zap.NewNop())

			for i := 0; i < 5; i++ {
				err := pm.Send(context.Background(), testMessage())
				if err == nil {
					t.Fatal("expected the mailer error to be returned")
				}
			}

			if open := cb.GetState() == StateOpen; open != tt.wantOpen {
				t.Fatalf("state = %s, wantOpen %v", cb.GetState(), tt.wantOpen)
			}
			if !tt.wantOpen && mock.calls != 5 {
				t.Fatalf("calls = %d, want every send to reach the mailer", mock.calls)
			}
		})
	}
}
