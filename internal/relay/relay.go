// Package relay forwards provider chunks to a client as framed messages.
//
// Run is the single consumer of a provider stream. It writes each frame to an
// outbound channel and always closes that channel exactly once before
// returning. Serve pairs Run with an SSE writer for an http.ResponseWriter.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/genproxy/internal/domain"
	"github.com/felipepmaragno/genproxy/internal/metrics"
	"github.com/felipepmaragno/genproxy/internal/provider"
)

type Relay struct {
	idleTimeout time.Duration
}

// New returns a relay. A positive idleTimeout aborts streams that go that
// long without producing a chunk.
func New(idleTimeout time.Duration) *Relay {
	return &Relay{idleTimeout: idleTimeout}
}

type Result struct {
	// Summary is set once the provider's final result has been resolved,
	// even if the client went away while it was being written.
	Summary *domain.GenerationSummary
	Frames  int
	Err     error
	// WriteErr is the first error writing to the client, set only by Serve.
	// The relay itself sees it as a cancelled context in Err.
	WriteErr error
}

type runner struct {
	ctx context.Context
	out chan<- []byte
	res Result
}

func (r *runner) send(kind string, payload []byte) bool {
	select {
	case r.out <- payload:
		r.res.Frames++
		metrics.RecordFrame(kind)
		return true
	case <-r.ctx.Done():
		return false
	}
}

// fail reports err to the client with one best-effort error frame.
func (r *runner) fail(err error) Result {
	r.res.Err = err
	slog.Warn("stream relay failed", "error", err, "frames", r.res.Frames)
	r.send("error", errorPayload)
	return r.res
}

func (r *runner) abort() Result {
	r.res.Err = r.ctx.Err()
	return r.res
}

func (rl *Relay) Run(ctx context.Context, stream provider.Stream, out chan<- []byte) Result {
	defer close(out)

	r := &runner{ctx: ctx, out: out}

	var idle *time.Timer
	if rl.idleTimeout > 0 {
		idle = time.NewTimer(rl.idleTimeout)
		defer idle.Stop()
	}

	if err := rl.forward(r, stream, idle); err != nil {
		return r.finishWith(stream, err)
	}

	if err := stream.Err(); err != nil {
		return r.fail(err)
	}

	summary, err := stream.Summary()
	if err != nil {
		return r.fail(fmt.Errorf("resolve summary: %w", err))
	}
	r.res.Summary = summary

	payload, err := json.Marshal(frameFromSummary(summary))
	if err != nil {
		return r.fail(fmt.Errorf("marshal summary frame: %w", err))
	}
	if !r.send("summary", payload) {
		return r.abort()
	}
	if !r.send("done", []byte(DonePayload)) {
		return r.abort()
	}

	return r.res
}

var errClientGone = errors.New("client gone")

// forward relays chunks until the stream's chunk channel closes. A non-nil
// error means the relay must stop early.
func (rl *Relay) forward(r *runner, stream provider.Stream, idle *time.Timer) error {
	var idleC <-chan time.Time
	if idle != nil {
		idleC = idle.C
	}

	chunks := stream.Chunks()
	for {
		select {
		case <-r.ctx.Done():
			return errClientGone
		case <-idleC:
			return domain.ErrStreamIdle
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if idle != nil {
				idle.Reset(rl.idleTimeout)
			}

			payload, err := json.Marshal(frameFromChunk(chunk))
			if err != nil {
				return fmt.Errorf("marshal chunk frame: %w", err)
			}
			if !r.send("chunk", payload) {
				return errClientGone
			}
		}
	}
}

func (r *runner) finishWith(stream provider.Stream, err error) Result {
	stream.Close()
	if errors.Is(err, errClientGone) {
		return r.abort()
	}
	return r.fail(err)
}
