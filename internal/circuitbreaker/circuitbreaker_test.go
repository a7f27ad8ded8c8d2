package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/genproxy/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLocal(cfg Config) (*Local, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	b := NewLocal(cfg)
	b.now = clock.now
	return b, clock
}

var testConfig = Config{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: time.Minute}

func TestLocal_StartsClosed(t *testing.T) {
	b, _ := newTestLocal(testConfig)
	ctx := context.Background()

	if b.State(ctx) != StateClosed {
		t.Errorf("State() = %v, want closed", b.State(ctx))
	}
	if err := b.Allow(ctx); err != nil {
		t.Errorf("Allow() = %v, want nil", err)
	}
}

func TestLocal_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestLocal(testConfig)
	ctx := context.Background()

	for i := 0; i < testConfig.FailureThreshold; i++ {
		b.Failure(ctx)
	}

	if b.State(ctx) != StateOpen {
		t.Fatalf("State() = %v, want open", b.State(ctx))
	}
	if err := b.Allow(ctx); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestLocal_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestLocal(testConfig)
	ctx := context.Background()

	b.Failure(ctx)
	b.Failure(ctx)
	b.Success(ctx)
	b.Failure(ctx)
	b.Failure(ctx)

	if b.State(ctx) != StateClosed {
		t.Errorf("State() = %v, want closed", b.State(ctx))
	}
}

func TestLocal_HalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestLocal(testConfig)
	ctx := context.Background()

	for i := 0; i < testConfig.FailureThreshold; i++ {
		b.Failure(ctx)
	}

	clock.advance(59 * time.Second)
	if err := b.Allow(ctx); err == nil {
		t.Fatal("Allow() before cooldown = nil, want error")
	}

	clock.advance(2 * time.Second)
	if err := b.Allow(ctx); err != nil {
		t.Fatalf("Allow() after cooldown = %v, want nil", err)
	}
	if b.State(ctx) != StateHalfOpen {
		t.Fatalf("State() = %v, want half-open", b.State(ctx))
	}

	b.Success(ctx)
	if b.State(ctx) != StateHalfOpen {
		t.Fatalf("State() after one success = %v, want half-open", b.State(ctx))
	}
	b.Success(ctx)
	if b.State(ctx) != StateClosed {
		t.Errorf("State() after two successes = %v, want closed", b.State(ctx))
	}
}

func TestLocal_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestLocal(testConfig)
	ctx := context.Background()

	for i := 0; i < testConfig.FailureThreshold; i++ {
		b.Failure(ctx)
	}
	clock.advance(time.Minute)
	b.Allow(ctx)

	b.Failure(ctx)

	if b.State(ctx) != StateOpen {
		t.Fatalf("State() = %v, want open", b.State(ctx))
	}
	if err := b.Allow(ctx); err == nil {
		t.Error("Allow() right after reopening = nil, want error")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(9), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
		if tt.want != "unknown" && parseState(tt.want) != tt.state {
			t.Errorf("parseState(%q) = %v", tt.want, parseState(tt.want))
		}
	}
}
