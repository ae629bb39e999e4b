package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeUnsubscribe(t *testing.T) {
	b := NewBus(nil, 0)
	defer b.Close()

	assert.Equal(t, 0, b.SubscriberCount())
	ch := b.Subscribe(1)
	assert.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-ch
	assert.False(t, ok)
}

func TestBus_DeliversInOrder(t *testing.T) {
	b := NewBus(nil, 0)
	defer b.Close()
	ch := b.Subscribe(16)

	for _, k := range []Kind{Create, TransactionApplied, Undo, Redo} {
		b.Publish(Event{Kind: k, DocID: "d"})
	}
	for _, want := range []Kind{Create, TransactionApplied, Undo, Redo} {
		select {
		case e := <-ch:
			assert.Equal(t, want, e.Kind)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestBus_HandlersRunSequentially(t *testing.T) {
	b := NewBus(nil, 0)
	var got []string
	b.Handle(func(e Event) { got = append(got, "first:"+e.Kind.String()) })
	b.Handle(func(Event) { panic("broken handler") })
	b.Handle(func(e Event) { got = append(got, "second:"+e.Kind.String()) })

	b.Publish(Event{Kind: Jump})
	b.Publish(Event{Kind: HistoryCleared})
	b.Close()

	assert.Equal(t, []string{
		"first:jump", "second:jump",
		"first:history_cleared", "second:history_cleared",
	}, got)
}

func TestBus_DropsForSlowSubscriber(t *testing.T) {
	b := NewBus(nil, 0)
	defer b.Close()
	ch := b.Subscribe(1)

	for i := 0; i < 10; i++ {
		b.Publish(Event{Kind: TransactionApplied})
	}
	require.Eventually(t, func() bool { return len(ch) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	b := NewBus(nil, 0)
	ch := b.Subscribe(4)
	b.Publish(Event{Kind: Destroy})
	b.Close()

	e, ok := <-ch
	require.True(t, ok, "queued events are delivered before close")
	assert.Equal(t, Destroy, e.Kind)
	_, ok = <-ch
	assert.False(t, ok)

	// Safe no-ops after close.
	b.Publish(Event{Kind: Create})
	b.Handle(func(Event) {})
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "transaction_failed", TransactionFailed.String())
	assert.Equal(t, "plugins_changed", PluginsChanged.String())
	assert.Equal(t, "unknown", Kind(99).String())
	text, err := Undo.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "undo", string(text))
}
