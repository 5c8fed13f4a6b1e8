package netif

import (
	"errors"
	"sync"
)

var (
	// ErrLoopClosed is returned when posting to or registering on a closed loop.
	ErrLoopClosed = errors.New("netif: event loop closed")
	// ErrQueueFull is returned when the event queue has no room left.
	ErrQueueFull = errors.New("netif: event queue full")
)

// Handler receives events posted to a Loop. It runs on the loop's dispatch
// goroutine, never on the goroutine that posted the event.
type Handler func(base EventBase, id int32, data any)

type registration struct {
	base    EventBase
	id      int32
	handler Handler
}

type event struct {
	base EventBase
	id   int32
	data any
}

// Loop dispatches posted events, in order, to the handlers registered for
// their base and id.
type Loop struct {
	mu       sync.RWMutex
	handlers []registration
	queue    chan event
	closed   bool
	done     chan struct{}
}

// NewLoop starts a loop with room for queueSize undelivered events.
func NewLoop(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 1
	}
	l := &Loop{
		queue: make(chan event, queueSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for ev := range l.queue {
		l.mu.RLock()
		handlers := l.handlers
		l.mu.RUnlock()
		for _, r := range handlers {
			if r.base == ev.base && (r.id == AnyID || r.id == ev.id) {
				r.handler(ev.base, ev.id, ev.data)
			}
		}
	}
}

// Register adds h for events of base with the given id, or every id when
// id is AnyID.
func (l *Loop) Register(base EventBase, id int32, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoopClosed
	}
	// copy on write: run iterates over a snapshot
	handlers := make([]registration, len(l.handlers), len(l.handlers)+1)
	copy(handlers, l.handlers)
	l.handlers = append(handlers, registration{base: base, id: id, handler: h})
	return nil
}

// Post queues an event without blocking.
func (l *Loop) Post(base EventBase, id int32, data any) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLoopClosed
	}
	select {
	case l.queue <- event{base: base, id: id, data: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events, delivers the queued ones and waits for the
// dispatch goroutine to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done
}
