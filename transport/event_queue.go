package transport

import "sync"

// EventQueue delivers StateChange values to a channel in push order without
// ever blocking the pusher. Bindings use it so that a consumer calling back
// into the binding from its event handler (AcceptConnection emits Connected)
// cannot deadlock against a full channel.
type EventQueue struct {
	mu      sync.Mutex
	pending []StateChange
	closed  bool

	out       chan StateChange
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewEventQueue creates a queue and starts its delivery goroutine.
func NewEventQueue() *EventQueue {
	q := &EventQueue{
		out:    make(chan StateChange),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	go q.run()
	return q
}

// Events returns the delivery channel. It is closed after Close.
func (q *EventQueue) Events() <-chan StateChange {
	return q.out
}

// Push appends ev for delivery. It returns false once the queue is closed.
func (q *EventQueue) Push(ev StateChange) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// Len returns the number of events not yet handed to the consumer.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close discards undelivered events and closes the Events channel. It is safe
// to call more than once.
func (q *EventQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.pending = nil
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *EventQueue) next() (StateChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return StateChange{}, false
	}

	ev := q.pending[0]
	q.pending[0] = StateChange{}
	q.pending = q.pending[1:]
	return ev, true
}

func (q *EventQueue) run() {
	defer close(q.out)

	for {
		ev, ok := q.next()
		if !ok {
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}
