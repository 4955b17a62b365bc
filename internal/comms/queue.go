package comms

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/fieldscan/internal/protocol/schema"
)

// Message is one queued protocol message. Payload may be nil.
type Message struct {
	Kind    schema.Kind
	Payload []byte
}

// Queue is a bounded FIFO. When full, Push evicts the oldest entry.
type Queue struct {
	mu       sync.Mutex
	items    []Message
	capacity int
	notify   chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make([]Message, 0, min(capacity, 64)),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends m and reports whether an older message was evicted.
func (q *Queue) Push(m Message) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.signal()
	return dropped
}

// PushFront returns a message to the head of the queue, used when a send
// fails after the message was popped. It never evicts.
func (q *Queue) PushFront(m Message) {
	q.mu.Lock()
	q.items = append([]Message{m}, q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) TryPop() (Message, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Message{}, false
	}
	m := q.items[0]
	q.items[0] = Message{}
	q.items = q.items[1:]
	more := len(q.items) > 0
	q.mu.Unlock()
	if more {
		// pass the wakeup on to the next waiter
		q.signal()
	}
	return m, true
}

// Pop waits up to timeout for a message. A non-positive timeout waits until
// ctx is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Message, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		if m, ok := q.TryPop(); ok {
			return m, true
		}
		select {
		case <-q.notify:
		case <-expired:
			return q.TryPop()
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns everything queued.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	out := q.items
	q.items = make([]Message, 0, min(q.capacity, 64))
	q.mu.Unlock()
	return out
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
