package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/felipepmaragno/genproxy/internal/provider"
)

// SetSSEHeaders prepares w for an event stream and commits a 200 status.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// WriteSSE writes every payload from frames as "data: <payload>\n\n",
// flushing after each. After the first write error it calls cancel and
// discards the rest. It returns once frames is closed.
func WriteSSE(w io.Writer, frames <-chan []byte, cancel context.CancelFunc) error {
	var flush func() error
	if rw, ok := w.(http.ResponseWriter); ok {
		rc := http.NewResponseController(rw)
		flush = rc.Flush
	}

	var writeErr error
	for payload := range frames {
		if writeErr != nil {
			continue
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			writeErr = fmt.Errorf("write frame: %w", err)
			cancel()
			continue
		}
		if flush != nil {
			if err := flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				writeErr = fmt.Errorf("flush frame: %w", err)
				cancel()
			}
		}
	}

	return writeErr
}

// Serve streams the provider output to w. Headers must already be set.
// A write failure cancels the relay and is reported in Result.WriteErr.
func (rl *Relay) Serve(ctx context.Context, w io.Writer, stream provider.Stream) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []byte)
	done := make(chan Result, 1)

	go func() {
		done <- rl.Run(ctx, stream, frames)
	}()

	writeErr := WriteSSE(w, frames, cancel)

	res := <-done
	res.WriteErr = writeErr
	return res
}
