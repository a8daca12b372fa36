package offload

import "github.com/psaab/flowoffload/pkg/flow"

// Queue is a bounded work queue between classifier workers (many
// producers) and one offload worker (the single consumer). Neither end
// ever blocks: a full queue rejects the request, an empty one yields
// nothing.
type Queue struct {
	ch chan flow.Request
}

// NewQueue returns a queue holding at most capacity requests.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan flow.Request, capacity)}
}

// TryEnqueue adds r and reports whether there was room for it.
func (q *Queue) TryEnqueue(r flow.Request) bool {
	select {
	case q.ch <- r:
		return true
	default:
		return false
	}
}

// DequeueBurst moves up to len(dst) requests into dst, oldest first, and
// returns how many it moved. Zero is the normal result for an idle queue.
func (q *Queue) DequeueBurst(dst []flow.Request) int {
	n := 0
	for n < len(dst) {
		select {
		case r := <-q.ch:
			dst[n] = r
			n++
		default:
			return n
		}
	}
	return n
}

// Len returns the number of queued requests.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
