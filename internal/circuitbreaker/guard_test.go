package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/felipepmaragno/genproxy/internal/domain"
	"github.com/felipepmaragno/genproxy/internal/provider"
)

type mockProvider struct {
	calls int
	err   error
	// streamErr is what the returned stream reports after its chunks.
	streamErr error
}

func (m *mockProvider) ID() string                                 { return "mock" }
func (m *mockProvider) Name() string                               { return "Mock API" }
func (m *mockProvider) Model() string                              { return "mock-model" }
func (m *mockProvider) Configured(ctx context.Context) error       { return nil }
func (m *mockProvider) HealthCheck(ctx context.Context) error      { return nil }

func (m *mockProvider) StreamGenerate(ctx context.Context, req domain.GenerationRequest) (provider.Stream, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	sctx, cancel := context.WithCancel(context.Background())
	streamErr := m.streamErr
	return provider.Start(sctx, cancel, domain.UsageCumulative, func(ctx context.Context, emit provider.EmitFunc) error {
		return streamErr
	}), nil
}

func drain(s provider.Stream) error {
	for range s.Chunks() {
	}
	return s.Err()
}

func TestGuard_OpensOnPreStreamFailures(t *testing.T) {
	p := &mockProvider{err: errors.New("status=503")}
	g := Guard(p, NewLocal(Config{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: 1 << 40}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := g.StreamGenerate(ctx, domain.GenerationRequest{}); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	_, err := g.StreamGenerate(ctx, domain.GenerationRequest{})
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if p.calls != 2 {
		t.Errorf("upstream called %d times, want 2", p.calls)
	}
}

func TestGuard_IgnoresCallerSideErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"missing credentials", domain.ErrProviderNotConfigured},
		{"unsupported request", fmt.Errorf("%w: tools are not supported", domain.ErrInvalidRequest)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockProvider{err: tt.err}
			b := NewLocal(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 1 << 40})
			g := Guard(p, b)

			if _, err := g.StreamGenerate(context.Background(), domain.GenerationRequest{}); !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}

			if b.State(context.Background()) != StateClosed {
				t.Errorf("State() = %v, want closed", b.State(context.Background()))
			}
		})
	}
}

func TestGuard_CountsMidStreamFailures(t *testing.T) {
	p := &mockProvider{streamErr: errors.New("connection reset")}
	b := NewLocal(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 1 << 40})
	g := Guard(p, b)
	ctx := context.Background()

	s, err := g.StreamGenerate(ctx, domain.GenerationRequest{})
	if err != nil {
		t.Fatalf("StreamGenerate() error = %v", err)
	}
	defer s.Close()

	if err := drain(s); err == nil {
		t.Fatal("expected stream error")
	}
	if b.State(ctx) != StateOpen {
		t.Errorf("State() = %v, want open", b.State(ctx))
	}
}

func TestGuard_SuccessfulStreamKeepsCircuitClosed(t *testing.T) {
	p := &mockProvider{}
	b := NewLocal(Config{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: 1 << 40})
	g := Guard(p, b)
	ctx := context.Background()

	b.Failure(ctx)

	s, err := g.StreamGenerate(ctx, domain.GenerationRequest{})
	if err != nil {
		t.Fatalf("StreamGenerate() error = %v", err)
	}
	defer s.Close()
	if err := drain(s); err != nil {
		t.Fatalf("stream error = %v", err)
	}

	b.Failure(ctx)
	if b.State(ctx) != StateClosed {
		t.Errorf("State() = %v, want closed after success reset the count", b.State(ctx))
	}
	if g.ID() != "mock" {
		t.Errorf("ID() = %q, want the wrapped provider's", g.ID())
	}
}
