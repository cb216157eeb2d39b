package execution

import (
	"sync"

	"github.com/uhyunpark/atsim/pkg/app/core/order"
)

// pendingQueue holds submitted work in two buckets, drained in a fixed order:
// (1) cancels, (2) orders. Within a bucket admission order is preserved.
type pendingQueue struct {
	mu      sync.Mutex
	cancels []string
	orders  []order.Order
}

// push appends an order to the resting bucket.
func (q *pendingQueue) push(o order.Order) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.orders = append(q.orders, o)
}

// cancel queues a cancel request; it reports whether the id is resting.
func (q *pendingQueue) cancel(orderID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, o := range q.orders {
		if o.ID == orderID {
			q.cancels = append(q.cancels, orderID)
			return true
		}
	}
	return false
}

// drain applies queued cancels, then hands every remaining order to fn.
// Orders for which fn returns keep=true stay resting, in their original order.
func (q *pendingQueue) drain(fn func(order.Order) (keep bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.cancels) > 0 {
		cancelled := make(map[string]struct{}, len(q.cancels))
		for _, id := range q.cancels {
			cancelled[id] = struct{}{}
		}
		live := q.orders[:0]
		for _, o := range q.orders {
			if _, gone := cancelled[o.ID]; !gone {
				live = append(live, o)
			}
		}
		q.orders = live
		q.cancels = nil
	}

	kept := make([]order.Order, 0, len(q.orders))
	for _, o := range q.orders {
		if fn(o) {
			kept = append(kept, o)
		}
	}
	q.orders = kept
}

// snapshot returns a copy of resting orders with cancels applied.
func (q *pendingQueue) snapshot() []order.Order {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancelled := make(map[string]struct{}, len(q.cancels))
	for _, id := range q.cancels {
		cancelled[id] = struct{}{}
	}
	out := make([]order.Order, 0, len(q.orders))
	for _, o := range q.orders {
		if _, gone := cancelled[o.ID]; !gone {
			out = append(out, o)
		}
	}
	return out
}

func (q *pendingQueue) len() int {
	return len(q.snapshot())
}
