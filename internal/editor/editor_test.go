package editor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/arbor/internal/event"
	"github.com/starford/arbor/internal/history"
	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/state"
)

func newEditor(t *testing.T, plugins ...state.Plugin) (*Editor, chan event.Event) {
	t.Helper()
	return newEditorWith(t, Config{}, plugins...)
}

// newEditorWith starts an editor from cfg with the test schema, history and
// bus filled in.
func newEditorWith(t *testing.T, cfg Config, plugins ...state.Plugin) (*Editor, chan event.Event) {
	t.Helper()
	schema, err := model.NewSchema(model.SchemaSpec{
		Name: "test",
		Nodes: map[string]model.NodeSpec{
			"doc":       {Content: "paragraph*"},
			"paragraph": {},
		},
	})
	require.NoError(t, err)
	st, err := state.New(context.Background(), state.Config{Schema: schema, Plugins: plugins})
	require.NoError(t, err)

	bus := event.NewBus(nil, 0)
	t.Cleanup(bus.Close)
	events := bus.Subscribe(256)

	cfg.ID, cfg.State, cfg.History, cfg.Bus = "doc-1", st, history.New(10), bus
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, events
}

func addParagraph(id string) func(*state.State) (*state.Transaction, error) {
	return func(st *state.State) (*state.Transaction, error) {
		tr := st.Tr()
		return tr, tr.AddNode(st.Tree().Root(), &model.Node{ID: id, Type: "paragraph"})
	}
}

func next(t *testing.T, ch chan event.Event) event.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return event.Event{}
	}
}

func TestEditor_DispatchPublishesEvents(t *testing.T) {
	e, events := newEditor(t)
	ctx := context.Background()

	assert.Equal(t, event.Create, next(t, events).Kind)

	tr, err := addParagraph("p1")(e.State())
	require.NoError(t, err)
	res, err := e.Dispatch(ctx, tr)
	require.NoError(t, err)
	assert.Same(t, res.State, e.State())
	assert.Equal(t, uint64(1), e.State().Version())

	ev := next(t, events)
	assert.Equal(t, event.TransactionApplied, ev.Kind)
	assert.Equal(t, "doc-1", ev.DocID)
	assert.Same(t, res.State, ev.New)
	assert.Len(t, ev.AppliedSteps(), 1)

	undo, _ := e.History().Sizes()
	assert.Equal(t, 1, undo)
}

func TestEditor_ConcurrentCommandsAreLinear(t *testing.T) {
	e, _ := newEditor(t)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Command(ctx, addParagraph(fmt.Sprintf("p%d", i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(n), e.State().Version())
	assert.Equal(t, n+1, e.State().Tree().Len())
}

func TestEditor_StaleDispatchIsRebased(t *testing.T) {
	e, _ := newEditor(t)
	ctx := context.Background()

	stale, err := addParagraph("late")(e.State())
	require.NoError(t, err)
	_, err = e.Command(ctx, addParagraph("early"))
	require.NoError(t, err)

	_, err = e.Dispatch(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, e.State().Tree().Children(e.State().Tree().Root()))
}

func TestEditor_UndoRedoJump(t *testing.T) {
	e, events := newEditor(t)
	ctx := context.Background()
	next(t, events)

	for _, id := range []string{"a", "b", "c"} {
		_, err := e.Command(ctx, addParagraph(id))
		require.NoError(t, err)
		next(t, events)
	}

	_, err := e.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.Undo, next(t, events).Kind)
	assert.False(t, e.State().Tree().Has("c"))

	_, err = e.Redo(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.Redo, next(t, events).Kind)
	assert.True(t, e.State().Tree().Has("c"))

	_, err = e.Jump(ctx, -3)
	require.NoError(t, err)
	ev := next(t, events)
	assert.Equal(t, event.Jump, ev.Kind)
	assert.Equal(t, -3, ev.Distance)
	assert.Equal(t, 1, e.State().Tree().Len())

	// Past the end of the stack nothing moves.
	res, err := e.Undo(ctx)
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	assert.Equal(t, uint64(6), e.State().Version())
}

func TestEditor_FailedDispatchKeepsState(t *testing.T) {
	e, events := newEditor(t)
	ctx := context.Background()
	next(t, events)

	before := e.State()
	_, err := e.Command(ctx, func(st *state.State) (*state.Transaction, error) {
		tr := st.Tr()
		return tr, tr.AddNode(st.Tree().Root(), &model.Node{ID: "x", Type: "heading"})
	})
	require.Error(t, err)

	failing := state.Plugin{
		Key: "broken",
		Filter: func(context.Context, *state.Transaction, *state.State) (bool, error) {
			return false, fmt.Errorf("boom")
		},
	}
	e2, events2 := newEditor(t, failing)
	next(t, events2)
	_, err = e2.Command(ctx, addParagraph("p"))
	require.Error(t, err)
	var perr *state.PluginError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "broken", perr.Plugin)

	ev := next(t, events2)
	assert.Equal(t, event.TransactionFailed, ev.Kind)
	assert.Error(t, ev.Err)
	assert.Equal(t, uint64(0), e2.State().Version())
	assert.Same(t, before, e.State())
}

func TestEditor_VetoIsNotRecorded(t *testing.T) {
	veto := state.Plugin{
		Key: "readonly",
		Filter: func(context.Context, *state.Transaction, *state.State) (bool, error) {
			return false, nil
		},
	}
	e, _ := newEditor(t, veto)

	res, err := e.Command(context.Background(), addParagraph("p"))
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	assert.Equal(t, "readonly", res.RejectedBy)
	undo, _ := e.History().Sizes()
	assert.Zero(t, undo)
}

func TestEditor_CancelledContext(t *testing.T) {
	e, _ := newEditor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Command(ctx, addParagraph("p"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), e.State().Version())
}

func TestEditor_ClearHistory(t *testing.T) {
	e, events := newEditor(t)
	ctx := context.Background()
	next(t, events)

	_, err := e.Command(ctx, addParagraph("p"))
	require.NoError(t, err)
	next(t, events)

	require.NoError(t, e.ClearHistory(ctx))
	assert.Equal(t, event.HistoryCleared, next(t, events).Kind)
	undo, redo := e.History().Sizes()
	assert.Zero(t, undo)
	assert.Zero(t, redo)
}

func TestEditor_Close(t *testing.T) {
	e, events := newEditor(t)
	next(t, events)

	e.Close()
	e.Close()
	assert.Equal(t, event.Destroy, next(t, events).Kind)

	_, err := e.Undo(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
