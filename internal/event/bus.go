package event

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Handler receives events on the bus goroutine.
type Handler func(Event)

// Bus fans events out to channel subscribers and handlers.
//
// A single goroutine owns the subscriber set and the handler list; public
// methods talk to it over channels. Events reach every consumer in publish
// order. Handlers run one after another in registration order; a slow
// handler delays delivery but never reorders it. Channel subscribers that
// fall behind drop events.
type Bus struct {
	logger *slog.Logger

	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	handleCh      chan Handler
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBus starts a bus. queue bounds events waiting for delivery.
func NewBus(logger *slog.Logger, queue int) *Bus {
	if queue <= 0 {
		queue = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:        logger,
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		handleCh:      make(chan Handler),
		publishCh:     make(chan Event, queue),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.stopped)

	subs := make(map[chan Event]struct{})
	var handlers []Handler

	deliver := func(e Event) {
		for _, h := range handlers {
			b.callHandler(h, e)
		}
		for ch := range subs {
			select {
			case ch <- e:
			default:
				b.logger.Warn("event: subscriber buffer full, dropping event",
					slog.String("kind", e.Kind.String()),
					slog.String("doc_id", e.DocID))
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
		drain:
			for {
				select {
				case e := <-b.publishCh:
					deliver(e)
				default:
					break drain
				}
			}
			for ch := range subs {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			subs[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}

		case h := <-b.handleCh:
			handlers = append(handlers, h)

		case e := <-b.publishCh:
			deliver(e)

		case resp := <-b.countReqCh:
			resp <- len(subs)
		}
	}
}

func (b *Bus) callHandler(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event: handler panicked",
				slog.String("kind", e.Kind.String()),
				slog.String("error", fmt.Sprint(r)))
		}
	}()
	h(e)
}

// Close delivers queued events, closes every subscriber channel and stops
// the bus.
func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Publish queues e for delivery. It blocks when the queue is full.
func (b *Bus) Publish(e Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- e:
	case <-b.stopped:
	}
}

// Subscribe returns a channel receiving future events. buf sets its
// capacity.
func (b *Bus) Subscribe(buf int) chan Event {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes ch and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// Handle registers h for every event published after the call returns.
func (b *Bus) Handle(h Handler) {
	if b.closed.Load() {
		return
	}
	select {
	case b.handleCh <- h:
	case <-b.stopped:
	}
}

// SubscriberCount returns the number of channel subscribers.
func (b *Bus) SubscriberCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}
