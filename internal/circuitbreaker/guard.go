package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/felipepmaragno/genproxy/internal/domain"
	"github.com/felipepmaragno/genproxy/internal/metrics"
	"github.com/felipepmaragno/genproxy/internal/provider"
)

// Guarded wraps a provider so that its calls go through a breaker.
type Guarded struct {
	provider.Provider
	breaker Breaker
}

func Guard(p provider.Provider, b Breaker) *Guarded {
	return &Guarded{Provider: p, breaker: b}
}

func (g *Guarded) StreamGenerate(ctx context.Context, req domain.GenerationRequest) (provider.Stream, error) {
	if err := g.breaker.Allow(ctx); err != nil {
		g.report(ctx)
		return nil, fmt.Errorf("%w: %s", err, g.Name())
	}

	stream, err := g.Provider.StreamGenerate(ctx, req)
	if err != nil {
		g.observe(ctx, err)
		return nil, err
	}

	return &guardedStream{Stream: stream, guard: g, ctx: context.WithoutCancel(ctx)}, nil
}

// observe counts upstream failures. Missing credentials, requests the
// provider cannot serve and callers that went away are not counted.
func (g *Guarded) observe(ctx context.Context, err error) {
	switch {
	case err == nil:
		g.breaker.Success(ctx)
	case errors.Is(err, domain.ErrProviderNotConfigured),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, context.Canceled):
		return
	default:
		g.breaker.Failure(ctx)
	}
	g.report(ctx)
}

func (g *Guarded) report(ctx context.Context) {
	metrics.SetBreakerState(g.ID(), float64(g.breaker.State(ctx)))
}

// guardedStream reports the stream's outcome the first time Err is read.
type guardedStream struct {
	provider.Stream
	guard *Guarded
	ctx   context.Context
	once  sync.Once
}

func (s *guardedStream) Err() error {
	err := s.Stream.Err()
	s.once.Do(func() { s.guard.observe(s.ctx, err) })
	return err
}
