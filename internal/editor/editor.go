// Package editor runs one document: a single goroutine applies every change
// in arrival order while readers load the current state without locking.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/starford/arbor/internal/event"
	"github.com/starford/arbor/internal/history"
	"github.com/starford/arbor/internal/metrics"
	"github.com/starford/arbor/internal/state"
)

// ErrClosed is returned by operations on a closed editor.
var ErrClosed = errors.New("editor: closed")

// ErrUnknownPlugin is returned when unregistering a key the state does not
// run.
var ErrUnknownPlugin = errors.New("editor: unknown plugin")

// Operation names used in metrics and logs.
const (
	OpApply   = "apply"
	OpUndo    = "undo"
	OpRedo    = "redo"
	OpJump    = "jump"
	OpClear   = "clear_history"
	OpPlugins = "reconfigure"
)

// Config describes an editor.
type Config struct {
	ID      string
	State   *state.State
	History *history.Manager
	// Bus receives lifecycle events. Nil disables publishing.
	Bus *event.Bus
	// QueueSize bounds pending operations. Zero means 64.
	QueueSize int
	// Middleware runs around every Dispatch and Command, in order.
	Middleware []Middleware
	// MiddlewareTimeout bounds each middleware hook. Zero means the
	// state's hook timeout.
	MiddlewareTimeout time.Duration
	Logger            *slog.Logger
}

type reply struct {
	res *state.Result
	err error
}

type command struct {
	ctx  context.Context
	op   string
	run  func(ctx context.Context, st *state.State) (*state.Result, error)
	resp chan reply
}

// Editor serializes all mutations of one document.
type Editor struct {
	id      string
	cur     atomic.Pointer[state.State]
	history *history.Manager
	bus     *event.Bus
	logger  *slog.Logger

	middleware        []Middleware
	middlewareTimeout time.Duration

	cmds    chan command
	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// New starts an editor and publishes Create.
func New(cfg Config) (*Editor, error) {
	if cfg.State == nil {
		return nil, fmt.Errorf("editor: state is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.History == nil {
		cfg.History = history.New(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MiddlewareTimeout <= 0 {
		cfg.MiddlewareTimeout = cfg.State.HookTimeout()
	}
	if cfg.MiddlewareTimeout <= 0 {
		cfg.MiddlewareTimeout = state.DefaultHookTimeout
	}
	e := &Editor{
		id:      cfg.ID,
		history: cfg.History,
		bus:     cfg.Bus,
		logger:  cfg.Logger.With(slog.String("doc_id", cfg.ID)),

		middleware:        cfg.Middleware,
		middlewareTimeout: cfg.MiddlewareTimeout,

		cmds:    make(chan command, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	e.cur.Store(cfg.State)
	metrics.DocumentOpened()
	e.publish(event.Event{Kind: event.Create, New: cfg.State})
	go e.run()
	return e, nil
}

// ID returns the document id.
func (e *Editor) ID() string { return e.id }

// State returns the latest committed state.
func (e *Editor) State() *state.State { return e.cur.Load() }

// History returns the document's history manager.
func (e *Editor) History() *history.Manager { return e.history }

func (e *Editor) run() {
	defer close(e.stopped)
	for {
		select {
		case <-e.stopCh:
			for {
				select {
				case c := <-e.cmds:
					c.resp <- reply{err: ErrClosed}
				default:
					return
				}
			}
		case c := <-e.cmds:
			c.resp <- e.execute(c)
		}
	}
}

func (e *Editor) execute(c command) reply {
	if err := c.ctx.Err(); err != nil {
		return reply{err: fmt.Errorf("editor: %s: %w", c.op, err)}
	}
	old := e.cur.Load()
	start := time.Now()
	res, err := c.run(c.ctx, old)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		metrics.ObserveOperation(c.op, metrics.OutcomeFailed, elapsed)
		e.logger.Warn("editor: operation failed",
			slog.String("op", c.op),
			slog.String("error", err.Error()))
		e.publish(event.Event{Kind: event.TransactionFailed, Old: old, Err: err})
		return reply{err: err}
	case res.Unchanged:
		outcome := metrics.OutcomeNoop
		if res.RejectedBy != "" {
			outcome = metrics.OutcomeRejected
		}
		metrics.ObserveOperation(c.op, outcome, elapsed)
		return reply{res: res}
	}

	e.cur.Store(res.State)
	metrics.ObserveOperation(c.op, metrics.OutcomeCommitted, elapsed)
	if c.op == OpPlugins {
		e.publish(event.Event{Kind: event.PluginsChanged, Old: old, New: res.State})
		e.logger.Info("editor: plugins changed", slog.Any("plugins", res.State.PluginKeys()))
		return reply{res: res}
	}
	metrics.ObserveTransactions(len(res.Transactions))

	ev := event.Event{Old: old, New: res.State, Transactions: res.Transactions}
	switch c.op {
	case OpApply:
		e.history.Record(res)
		ev.Kind = event.TransactionApplied
	case OpUndo:
		ev.Kind = event.Undo
	case OpRedo:
		ev.Kind = event.Redo
	case OpJump:
		ev.Kind = event.Jump
		d, ok := state.MetaAs[int](res.Transactions[0], state.MetaJump)
		if !ok {
			d = 1
			if res.Transactions[0].Flag(state.MetaIsUndo) {
				d = -1
			}
		}
		ev.Distance = d
	}
	e.publish(ev)
	e.logger.Debug("editor: committed",
		slog.String("op", c.op),
		slog.Uint64("version", res.State.Version()),
		slog.Int("transactions", len(res.Transactions)))
	return reply{res: res}
}

func (e *Editor) publish(ev event.Event) {
	if e.bus == nil {
		return
	}
	ev.DocID = e.id
	ev.At = time.Now().UTC()
	e.bus.Publish(ev)
}

func (e *Editor) submit(ctx context.Context, op string, run func(context.Context, *state.State) (*state.Result, error)) (*state.Result, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	c := command{ctx: ctx, op: op, run: run, resp: make(chan reply, 1)}
	select {
	case e.cmds <- c:
	case <-ctx.Done():
		return nil, fmt.Errorf("editor: %s: %w", op, ctx.Err())
	case <-e.stopped:
		return nil, ErrClosed
	}
	// The actor always answers, promptly once ctx is done.
	select {
	case r := <-c.resp:
		return r.res, r.err
	case <-e.stopped:
		select {
		case r := <-c.resp:
			return r.res, r.err
		default:
			return nil, ErrClosed
		}
	}
}

// Dispatch applies tr. A transaction built on an older state is rebased
// onto the current one.
func (e *Editor) Dispatch(ctx context.Context, tr *state.Transaction) (*state.Result, error) {
	return e.submit(ctx, OpApply, func(ctx context.Context, st *state.State) (*state.Result, error) {
		return e.dispatch(ctx, st, tr)
	})
}

// Command builds a transaction from the state current at execution time
// and applies it. build returning nil is a no-op.
func (e *Editor) Command(ctx context.Context, build func(st *state.State) (*state.Transaction, error)) (*state.Result, error) {
	return e.submit(ctx, OpApply, func(ctx context.Context, st *state.State) (*state.Result, error) {
		tr, err := build(st)
		if err != nil {
			return nil, err
		}
		if tr == nil {
			return &state.Result{State: st, Unchanged: true}, nil
		}
		return e.dispatch(ctx, st, tr)
	})
}

// Undo reverts the newest history entry.
func (e *Editor) Undo(ctx context.Context) (*state.Result, error) {
	return e.submit(ctx, OpUndo, e.history.Undo)
}

// Redo reapplies the newest undone entry.
func (e *Editor) Redo(ctx context.Context) (*state.Result, error) {
	return e.submit(ctx, OpRedo, e.history.Redo)
}

// Jump moves n entries through history in a single apply.
func (e *Editor) Jump(ctx context.Context, n int) (*state.Result, error) {
	return e.submit(ctx, OpJump, func(ctx context.Context, st *state.State) (*state.Result, error) {
		return e.history.Jump(ctx, st, n)
	})
}

// ClearHistory empties both history stacks and publishes HistoryCleared.
func (e *Editor) ClearHistory(ctx context.Context) error {
	_, err := e.submit(ctx, OpClear, func(_ context.Context, st *state.State) (*state.Result, error) {
		e.history.Clear()
		e.publish(event.Event{Kind: event.HistoryCleared, New: st})
		return &state.Result{State: st, Unchanged: true}, nil
	})
	return err
}

// RegisterPlugin adds p to the running plugin set. The tree, version and
// the fields of the other plugins are kept; p's field is initialized.
func (e *Editor) RegisterPlugin(ctx context.Context, p state.Plugin) (*state.State, error) {
	res, err := e.submit(ctx, OpPlugins, func(ctx context.Context, st *state.State) (*state.Result, error) {
		next, err := st.Reconfigure(ctx, append(st.Plugins(), p))
		if err != nil {
			return nil, err
		}
		return &state.Result{State: next}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.State, nil
}

// UnregisterPlugin removes the plugin with key and drops its field.
func (e *Editor) UnregisterPlugin(ctx context.Context, key string) (*state.State, error) {
	res, err := e.submit(ctx, OpPlugins, func(ctx context.Context, st *state.State) (*state.Result, error) {
		ps := st.Plugins()
		i := slices.IndexFunc(ps, func(p state.Plugin) bool { return p.Key == key })
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, key)
		}
		next, err := st.Reconfigure(ctx, slices.Delete(ps, i, i+1))
		if err != nil {
			return nil, err
		}
		return &state.Result{State: next}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.State, nil
}

// Close rejects queued operations, publishes Destroy and stops the editor.
func (e *Editor) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		<-e.stopped
		return
	}
	close(e.stopCh)
	<-e.stopped
	e.publish(event.Event{Kind: event.Destroy, New: e.cur.Load()})
	metrics.DocumentClosed()
}
