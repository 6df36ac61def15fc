package request

import (
	"sync"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

var errShutdown = ebuserr.ErrShutdown

// Queue is a mutex-protected FIFO with a bounded blocking pop, matching
// original_source's pthread mutex+condition Queue<T> (lib/utils/queue.h):
// Push never blocks, Pop blocks up to a timeout waiting for an item or
// for Close.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Request
	closed bool
}

// New returns an empty, open Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends req to the queue, ordered by Priority ahead of arrival
// order: a lower Priority value is inserted before any higher-Priority
// item already queued, so a waiting external request (Priority 0) jumps
// ahead of a background poll (Priority 1) that arrived earlier but hasn't
// been popped yet.
func (q *Queue) Push(req *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		req.Complete(Result{Err: errShutdown})
		return
	}
	idx := len(q.items)
	for i, existing := range q.items {
		if req.Priority < existing.Priority {
			idx = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = req
	q.cond.Broadcast()
}

// Pop removes and returns the front request, blocking up to timeout for
// one to arrive. Returns (nil, false) on timeout or if the queue was
// closed with nothing left to deliver.
func (q *Queue) Pop(timeout time.Duration) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for len(q.items) == 0 && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		if !q.waitUntilWoken(remaining) {
			return nil, false
		}
	}
	if len(q.items) == 0 {
		return nil, false
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req, true
}

// waitUntilWoken blocks on the condition variable until woken by Push or
// Close, or until d elapses. Caller holds q.mu. Returns false only when d
// has fully elapsed with no wake; a spurious or unrelated wake returns
// true so the caller re-checks its own condition and remaining budget.
func (q *Queue) waitUntilWoken(d time.Duration) bool {
	timedOut := false
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		timedOut = true
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	q.cond.Wait()
	return !timedOut
}

// Close marks the queue closed: any Push after Close immediately fails
// its waiter with ebuserr.ErrShutdown, and every blocked Pop wakes and
// returns (nil, false) once drained. Items already queued are still
// delivered to Pop before it starts returning false.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len reports the number of requests currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
