package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("arbor.state")

// Result is the outcome of Apply.
type Result struct {
	// State is the committed state, or the receiver when Unchanged.
	State *State
	// Transactions lists the committed transactions: the submitted one
	// first, then every appended one, in order.
	Transactions []*Transaction
	// Unchanged is set when a filter vetoed the transaction.
	Unchanged bool
	// RejectedBy names the vetoing plugin.
	RejectedBy string
}

// Apply runs tr through filter, materialize, plugin apply and append, and
// commits a new state with the version incremented by one. On any error
// the receiver is untouched and no state is produced.
func (st *State) Apply(ctx context.Context, tr *Transaction) (*Result, error) {
	if tr == nil {
		return nil, ErrNilTransaction
	}
	ctx, span := tracer.Start(ctx, "state.Apply",
		trace.WithAttributes(
			attribute.String("transaction.id", tr.ID()),
			attribute.Int("transaction.steps", tr.Len()),
			attribute.Int64("state.version", int64(st.version)),
		),
	)
	defer span.End()

	res, err := st.apply(ctx, tr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("result.unchanged", res.Unchanged),
		attribute.Int("result.transactions", len(res.Transactions)),
	)
	return res, nil
}

func (st *State) apply(ctx context.Context, root *Transaction) (*Result, error) {
	if root.Schema() != st.env.schema {
		return nil, ErrSchemaMismatch
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("state: apply: %w", err)
	}

	ok, by, err := st.filter(ctx, root, -1)
	if err != nil {
		return nil, err
	}
	if !ok {
		st.env.logger.Debug("state: transaction rejected",
			slog.String("transaction", root.ID()),
			slog.String("plugin", by))
		return &Result{State: st, Unchanged: true, RejectedBy: by}, nil
	}

	root, next, err := st.applyInner(ctx, st, root)
	if err != nil {
		return nil, err
	}
	trs := []*Transaction{root}

	type seenState struct {
		state *State
		n     int
	}
	plugins := st.env.plugins
	var seen []seenState

	for round := 0; ; round++ {
		haveNew := false
		for i, p := range plugins {
			if p.Append == nil {
				continue
			}
			n, old := 0, st
			if seen != nil {
				n, old = seen[i].n, seen[i].state
			}
			var appended *Transaction
			if n < len(trs) {
				window := trs[n:]
				appended, err = runHook(ctx, st.env, StageAppend, p.Key, func(ctx context.Context) (*Transaction, error) {
					return p.Append(ctx, window, old, next)
				})
				if err != nil {
					return nil, err
				}
			}
			if appended != nil {
				ok, by, err := next.filter(ctx, appended, i)
				if err != nil {
					return nil, err
				}
				if !ok {
					st.env.logger.Debug("state: appended transaction rejected",
						slog.String("transaction", appended.ID()),
						slog.String("appender", p.Key),
						slog.String("plugin", by))
					appended = nil
				}
			}
			if appended != nil {
				if seen == nil {
					seen = make([]seenState, len(plugins))
					for j := range plugins {
						if j < i {
							seen[j] = seenState{state: next, n: len(trs)}
						} else {
							seen[j] = seenState{state: st, n: 0}
						}
					}
				}
				appended.SetMeta(MetaAppendedFrom, root.ID())
				var applied *Transaction
				if applied, next, err = next.applyInner(ctx, st, appended); err != nil {
					return nil, err
				}
				trs = append(trs, applied)
				haveNew = true
			}
			if seen != nil {
				seen[i] = seenState{state: next, n: len(trs)}
			}
		}
		if !haveNew {
			break
		}
		if round+1 > st.env.maxAppendRounds {
			return nil, &AppendLimitError{Limit: st.env.maxAppendRounds}
		}
	}

	next.version = st.version + 1
	return &Result{State: next, Transactions: trs}, nil
}

// filter runs filter hooks, skipping the plugin at index ignore.
func (st *State) filter(ctx context.Context, tr *Transaction, ignore int) (bool, string, error) {
	for i, p := range st.env.plugins {
		if i == ignore || p.Filter == nil {
			continue
		}
		ok, err := runHook(ctx, st.env, StageFilter, p.Key, func(ctx context.Context) (bool, error) {
			return p.Filter(ctx, tr, st)
		})
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, p.Key, nil
		}
	}
	return true, "", nil
}

// applyInner materializes tr on st's tree and recomputes plugin fields. The
// returned state carries the version of origin until commit.
func (st *State) applyInner(ctx context.Context, origin *State, tr *Transaction) (*Transaction, *State, error) {
	if tr.Schema() != st.env.schema {
		return nil, nil, ErrSchemaMismatch
	}
	if tr.Base() != st.tree {
		tf, err := tr.Rebase(st.tree)
		if err != nil {
			return nil, nil, &StageError{Stage: StageMaterialize, Err: err}
		}
		tr = tr.withTransform(tf)
	}

	next := &State{env: st.env, tree: tr.Doc(), fields: make(map[string]any, len(st.fields)), version: origin.version}
	for k, v := range st.fields {
		next.fields[k] = v
	}
	for _, p := range st.env.plugins {
		if p.State == nil || p.State.Apply == nil {
			continue
		}
		old := st.fields[p.Key]
		v, err := runHook(ctx, st.env, StageApply, p.Key, func(ctx context.Context) (any, error) {
			return p.State.Apply(ctx, tr, old, st, next)
		})
		if err != nil {
			return nil, nil, err
		}
		next.fields[p.Key] = v
	}
	return tr, next, nil
}

type hookResult[T any] struct {
	value T
	err   error
}

// runHook calls fn in its own goroutine bounded by the hook timeout. Panics
// are reported as PluginError.
func runHook[T any](ctx context.Context, e *env, stage Stage, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("state: %s: %w", stage, err)
	}
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if e.hookTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, e.hookTimeout)
	}
	defer cancel()

	done := make(chan hookResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- hookResult[T]{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(hctx)
		done <- hookResult[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil && errors.Is(r.err, ctx.Err()) {
				return zero, fmt.Errorf("state: %s: %w", stage, ctx.Err())
			}
			if hctx.Err() == context.DeadlineExceeded && errors.Is(r.err, context.DeadlineExceeded) {
				return zero, &PluginTimeoutError{Stage: stage, Plugin: key, Timeout: e.hookTimeout}
			}
			return zero, &PluginError{Stage: stage, Plugin: key, Err: r.err}
		}
		return r.value, nil
	case <-hctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("state: %s: %w", stage, err)
		}
		e.logger.Warn("state: plugin hook timed out",
			slog.String("plugin", key),
			slog.String("stage", string(stage)),
			slog.Duration("timeout", e.hookTimeout))
		return zero, &PluginTimeoutError{Stage: stage, Plugin: key, Timeout: e.hookTimeout}
	}
}
