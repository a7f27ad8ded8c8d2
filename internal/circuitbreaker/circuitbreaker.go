// Package circuitbreaker stops calling an upstream provider that keeps
// failing before a stream is established.
//
// States:
//   - Closed: calls pass through and consecutive failures are counted
//   - Open: calls fail immediately until the cooldown elapses
//   - Half-Open: calls pass through; enough successes close the circuit,
//     any failure reopens it
//
// Local keeps state in process memory. Redis shares it between instances.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/genproxy/internal/domain"
)

type Breaker interface {
	// Allow returns domain.ErrCircuitOpen while the circuit is open.
	Allow(ctx context.Context) error
	Success(ctx context.Context)
	Failure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

type Local struct {
	mu        sync.Mutex
	cfg       Config
	now       func() time.Time
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func NewLocal(cfg Config) *Local {
	return &Local{cfg: cfg, now: time.Now}
}

func (b *Local) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
		return domain.ErrCircuitOpen
	}

	b.state = StateHalfOpen
	b.successes = 0
	return nil
}

func (b *Local) Success(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Local) Failure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

func (b *Local) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.successes = 0
}

func (b *Local) State(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
