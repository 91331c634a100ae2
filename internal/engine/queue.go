package engine

import (
	"sync"

	"github.com/mercerlabs/futures-engine/internal/models"
)

// setupQueue is the bounded FIFO between detection and dispatch. Enqueueing
// a duplicate id is a no-op and a full queue drops the newest item.
type setupQueue struct {
	mu       sync.Mutex
	capacity int
	items    []*models.SetupDetection
}

func newSetupQueue(capacity int) *setupQueue {
	return &setupQueue{capacity: capacity}
}

// enqueueResult reports what happened to an offered setup.
type enqueueResult int

const (
	enqueued enqueueResult = iota
	duplicate
	dropped
)

func (q *setupQueue) enqueue(s *models.SetupDetection) enqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.ID == s.ID {
			return duplicate
		}
	}
	if len(q.items) >= q.capacity {
		return dropped
	}
	q.items = append(q.items, s)
	return enqueued
}

func (q *setupQueue) pop() *models.SetupDetection {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	s := q.items[0]
	q.items = q.items[1:]
	return s
}

func (q *setupQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// hasStrategy reports whether a setup for the strategy is already waiting.
func (q *setupQueue) hasStrategy(strategyID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.StrategyID == strategyID {
			return true
		}
	}
	return false
}

func (q *setupQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
