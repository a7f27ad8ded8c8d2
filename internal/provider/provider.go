// Package provider defines the upstream model interface and the stream
// plumbing shared by the adapters.
package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/felipepmaragno/genproxy/internal/domain"
)

type Provider interface {
	ID() string
	// Name is the human-readable provider name used in client-facing errors.
	Name() string
	Model() string
	// Configured reports domain.ErrProviderNotConfigured when credentials
	// cannot be resolved.
	Configured(ctx context.Context) error
	// StreamGenerate opens a streaming call. A returned error means nothing
	// was produced.
	StreamGenerate(ctx context.Context, req domain.GenerationRequest) (Stream, error)
	HealthCheck(ctx context.Context) error
}

// Stream is one in-flight generation. Chunks is closed when the upstream is
// exhausted or fails; Err and Summary are valid after that.
type Stream interface {
	Chunks() <-chan domain.GenerationChunk
	Err() error
	Summary() (*domain.GenerationSummary, error)
	Close() error
}

var errStreamClosed = errors.New("stream closed before completion")

// EmitFunc hands a chunk to the consumer. It returns false once the stream
// has been closed and the producer should stop.
type EmitFunc func(domain.GenerationChunk) bool

// ChanStream runs a producer in its own goroutine and exposes its output as a
// Stream, folding every chunk into a summary as it passes.
type ChanStream struct {
	chunks    chan domain.GenerationChunk
	done      chan struct{}
	cancel    context.CancelFunc
	acc       *Accumulator
	semantics domain.UsageSemantics
	err       error
	closed    bool
	closeOnce sync.Once
	mu        sync.Mutex
}

// Start launches produce. cancel must cancel the context the producer reads
// from; Close calls it to release the upstream connection.
func Start(ctx context.Context, cancel context.CancelFunc, semantics domain.UsageSemantics, produce func(ctx context.Context, emit EmitFunc) error) *ChanStream {
	s := &ChanStream{
		chunks:    make(chan domain.GenerationChunk),
		done:      make(chan struct{}),
		cancel:    cancel,
		acc:       NewAccumulator(),
		semantics: semantics,
	}

	go func() {
		defer close(s.done)
		defer close(s.chunks)

		s.err = produce(ctx, func(chunk domain.GenerationChunk) bool {
			s.acc.Add(chunk)
			select {
			case s.chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if s.err == nil && ctx.Err() != nil {
			s.err = ctx.Err()
		}
	}()

	return s
}

func (s *ChanStream) Chunks() <-chan domain.GenerationChunk {
	return s.chunks
}

func (s *ChanStream) Err() error {
	<-s.done
	return s.err
}

func (s *ChanStream) Summary() (*domain.GenerationSummary, error) {
	<-s.done
	if s.err != nil {
		return nil, s.err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errStreamClosed
	}

	return s.acc.Summary(s.semantics), nil
}

func (s *ChanStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		select {
		case <-s.done:
		default:
			s.closed = true
		}
		s.mu.Unlock()

		s.cancel()
		<-s.done
	})
	return nil
}
