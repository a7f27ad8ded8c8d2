// Package quota decides whether a generation request may proceed under the
// global and per-user daily token limits.
//
// The global check runs first and short-circuits, so a system-wide overload is
// reported as such even for users who are under their personal cap.
//
// Admission reads current usage; the matching write happens only after the
// stream completes. Concurrent requests can therefore all pass the check
// before any of them commits, and totals may overshoot the limits by the size
// of the in-flight generations.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/felipepmaragno/genproxy/internal/domain"
)

// UsageReader is the read side of the usage store.
type UsageReader interface {
	SumTokens(ctx context.Context, day string) (int64, error)
	SumUserTokens(ctx context.Context, userID, day string) (int64, error)
}

// GlobalObserver receives the global total computed during each evaluation.
type GlobalObserver interface {
	ObserveGlobal(ctx context.Context, day string, used, limit int64)
}

type Limits struct {
	PerUserDaily int64
	GlobalDaily  int64
}

func DefaultLimits() Limits {
	return Limits{
		PerUserDaily: 3_000_000,
		GlobalDaily:  5_000_000,
	}
}

type Evaluator struct {
	store     UsageReader
	limits    Limits
	now       func() time.Time
	observers []GlobalObserver
}

type Option func(*Evaluator)

// WithClock overrides the wall clock used to derive "today".
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

func WithObserver(o GlobalObserver) Option {
	return func(e *Evaluator) {
		e.observers = append(e.observers, o)
	}
}

func NewEvaluator(store UsageReader, limits Limits, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:  store,
		limits: limits,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Evaluator) Limits() Limits {
	return e.limits
}

// Today returns the UTC day the evaluator is currently accounting against.
func (e *Evaluator) Today() string {
	return domain.Day(e.now())
}

func (e *Evaluator) Evaluate(ctx context.Context, userID string) (*domain.QuotaDecision, error) {
	day := e.Today()

	decision := &domain.QuotaDecision{
		Day:         day,
		Reason:      domain.QuotaReasonNone,
		UserLimit:   e.limits.PerUserDaily,
		GlobalLimit: e.limits.GlobalDaily,
	}

	globalUsed, err := e.store.SumTokens(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("sum global tokens: %w", err)
	}

	for _, o := range e.observers {
		o.ObserveGlobal(ctx, day, globalUsed, e.limits.GlobalDaily)
	}

	if globalUsed >= e.limits.GlobalDaily {
		decision.Reason = domain.QuotaReasonGlobalExceeded
		decision.GlobalTokensUsed = globalUsed
		return decision, nil
	}

	userUsed, err := e.store.SumUserTokens(ctx, userID, day)
	if err != nil {
		return nil, fmt.Errorf("sum user tokens: %w", err)
	}
	decision.TokensUsed = userUsed

	if userUsed >= e.limits.PerUserDaily {
		decision.Reason = domain.QuotaReasonPerUserExceeded
		return decision, nil
	}

	decision.Allowed = true
	return decision, nil
}

// UserUsage returns the user's total for today without applying limits.
func (e *Evaluator) UserUsage(ctx context.Context, userID string) (day string, used int64, err error) {
	day = e.Today()
	used, err = e.store.SumUserTokens(ctx, userID, day)
	if err != nil {
		return day, 0, fmt.Errorf("sum user tokens: %w", err)
	}
	return day, used, nil
}
