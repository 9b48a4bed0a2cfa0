package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process MessageChannel for tests and local runs. It keeps
// the same at-least-once and visibility-timeout semantics as the durable
// implementation.
type Memory struct {
	visibilityTimeout time.Duration
	pollInterval      time.Duration

	mu    sync.Mutex
	items map[uuid.UUID]*memoryItem
}

type memoryItem struct {
	msg          *BackfillMessage
	visibleAt    time.Time
	receiveCount int
}

func NewMemory(visibilityTimeout time.Duration) *Memory {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	return &Memory{
		visibilityTimeout: visibilityTimeout,
		pollInterval:      10 * time.Millisecond,
		items:             make(map[uuid.UUID]*memoryItem),
	}
}

func (q *Memory) Send(_ context.Context, msg *BackfillMessage, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	copied := *msg
	q.items[uuid.New()] = &memoryItem{
		msg:       &copied,
		visibleAt: time.Now().Add(delay),
	}
	return nil
}

func (q *Memory) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if d := q.tryReceive(); d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// TryReceive returns the next visible message without blocking, nil when the
// queue has nothing deliverable. Useful in tests driving the loop manually.
func (q *Memory) TryReceive() *Delivery {
	return q.tryReceive()
}

func (q *Memory) tryReceive() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var bestID uuid.UUID
	var best *memoryItem
	for id, item := range q.items {
		if item.visibleAt.After(now) {
			continue
		}
		if best == nil || item.visibleAt.Before(best.visibleAt) {
			bestID, best = id, item
		}
	}
	if best == nil {
		return nil
	}
	best.visibleAt = now.Add(q.visibilityTimeout)
	best.receiveCount++
	copied := *best.msg
	return &Delivery{ID: bestID, Message: &copied, ReceiveCount: best.receiveCount}
}

func (q *Memory) Done(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, d.ID)
	return nil
}

func (q *Memory) Release(_ context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[d.ID]; ok {
		item.visibleAt = time.Now().Add(delay)
	}
	return nil
}

func (q *Memory) ChangeVisibility(_ context.Context, d *Delivery, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[d.ID]; ok {
		item.visibleAt = time.Now().Add(timeout)
	}
	return nil
}

// Len reports how many messages are in the queue, visible or not.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
