package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/arbor/internal/metrics"
	"github.com/starford/arbor/internal/state"
)

// Middleware wraps every transaction an editor applies through Dispatch or
// Command. History operations bypass it.
type Middleware struct {
	Name string
	// BeforeDispatch may edit tr in place. An error rejects it before any
	// plugin sees it.
	BeforeDispatch func(ctx context.Context, tr *state.Transaction, st *state.State) error
	// AfterDispatch sees the committed result and may return one more
	// transaction, which is applied on top before anything is published.
	AfterDispatch func(ctx context.Context, res *state.Result) (*state.Transaction, error)
}

// Phase names a middleware hook.
type Phase string

const (
	PhaseBefore Phase = "before_dispatch"
	PhaseAfter  Phase = "after_dispatch"
)

// MiddlewareError reports a failed, panicking or timed out middleware
// hook. Timeouts wrap context.DeadlineExceeded.
type MiddlewareError struct {
	Phase Phase
	Name  string
	Err   error
}

func (e *MiddlewareError) Error() string {
	return fmt.Sprintf("editor: middleware %q %s: %v", e.Name, e.Phase, e.Err)
}

func (e *MiddlewareError) Unwrap() error { return e.Err }

// dispatch applies tr wrapped in the middleware chain. Extra transactions
// from AfterDispatch are merged into one result; any failure discards the
// whole chain so nothing partial is committed.
func (e *Editor) dispatch(ctx context.Context, st *state.State, tr *state.Transaction) (*state.Result, error) {
	for _, m := range e.middleware {
		if m.BeforeDispatch == nil {
			continue
		}
		if _, err := e.callMiddleware(ctx, m.Name, PhaseBefore, func(ctx context.Context) (*state.Transaction, error) {
			return nil, m.BeforeDispatch(ctx, tr, st)
		}); err != nil {
			return nil, err
		}
	}

	res, err := st.Apply(ctx, tr)
	if err != nil || res.Unchanged {
		return res, err
	}

	for _, m := range e.middleware {
		if m.AfterDispatch == nil {
			continue
		}
		extra, err := e.callMiddleware(ctx, m.Name, PhaseAfter, func(ctx context.Context) (*state.Transaction, error) {
			return m.AfterDispatch(ctx, res)
		})
		if err != nil {
			return nil, err
		}
		if extra == nil {
			continue
		}
		more, err := res.State.Apply(ctx, extra)
		if err != nil {
			return nil, &MiddlewareError{Phase: PhaseAfter, Name: m.Name, Err: err}
		}
		if more.Unchanged {
			continue
		}
		res = &state.Result{
			State:        more.State,
			Transactions: append(res.Transactions, more.Transactions...),
		}
	}
	return res, nil
}

func (e *Editor) callMiddleware(ctx context.Context, name string, phase Phase, fn func(context.Context) (*state.Transaction, error)) (*state.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("editor: %s: %w", phase, err)
	}
	mctx, cancel := context.WithTimeout(ctx, e.middlewareTimeout)
	defer cancel()

	type result struct {
		tr  *state.Transaction
		err error
	}
	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		tr, err := fn(mctx)
		done <- result{tr: tr, err: err}
	}()

	select {
	case r := <-done:
		metrics.ObserveMiddleware(string(phase), time.Since(start))
		if r.err != nil {
			if ctx.Err() != nil && errors.Is(r.err, ctx.Err()) {
				return nil, fmt.Errorf("editor: %s: %w", phase, ctx.Err())
			}
			return nil, &MiddlewareError{Phase: phase, Name: name, Err: r.err}
		}
		return r.tr, nil
	case <-mctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("editor: %s: %w", phase, err)
		}
		e.logger.Warn("editor: middleware timed out",
			slog.String("middleware", name),
			slog.String("phase", string(phase)),
			slog.Duration("timeout", e.middlewareTimeout))
		return nil, &MiddlewareError{Phase: phase, Name: name, Err: context.DeadlineExceeded}
	}
}
