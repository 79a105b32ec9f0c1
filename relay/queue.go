package relay

import "sync"

// resendQueue holds packets that the transport could not take yet. Producers
// append; only the connection loop removes, and only from the front, so a
// packet stays visible while it is being retried.
type resendQueue struct {
	mu    sync.Mutex
	items []outbound
}

func (q *resendQueue) push(o outbound) {
	q.mu.Lock()
	q.items = append(q.items, o)
	q.mu.Unlock()
}

// pushIfPending appends o only when the queue is non-empty.
func (q *resendQueue) pushIfPending(o outbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return false
	}

	q.items = append(q.items, o)
	return true
}

func (q *resendQueue) snapshot() []outbound {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	return append([]outbound(nil), q.items...)
}

// discard removes the first n entries.
func (q *resendQueue) discard(n int) {
	if n <= 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if n >= len(q.items) {
		q.items = nil
		return
	}

	clear(q.items[:n])
	q.items = q.items[n:]
}

func (q *resendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
