package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// WorkQueue is an in-memory crawl.WorkQueue. Claims are atomic under
// a single mutex, so concurrent workers never double-process an item.
type WorkQueue struct {
	mu    sync.Mutex
	ids   crawl.IDGenerator
	clock crawl.Clock
	items map[string]*crawl.WorkItem
	// FIFO of item IDs per stage; claim scans from the front.
	pending map[crawl.Stage][]string
}

// NewWorkQueue constructs a WorkQueue.
func NewWorkQueue(ids crawl.IDGenerator, clock crawl.Clock) *WorkQueue {
	return &WorkQueue{
		ids:     ids,
		clock:   clock,
		items:   make(map[string]*crawl.WorkItem),
		pending: make(map[crawl.Stage][]string),
	}
}

// Enqueue adds targets as PENDING items, skipping duplicates for the
// stage, and returns the number added.
func (q *WorkQueue) Enqueue(_ context.Context, stage crawl.Stage, targets ...string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, target := range targets {
		if q.hasTarget(stage, target) {
			continue
		}
		id, err := q.ids.NewID()
		if err != nil {
			return added, fmt.Errorf("generate item id: %w", err)
		}
		q.items[id] = &crawl.WorkItem{
			ID:         id,
			Stage:      stage,
			Target:     target,
			Status:     crawl.ItemPending,
			EnqueuedAt: q.clock.Now(),
		}
		q.pending[stage] = append(q.pending[stage], id)
		added++
	}
	return added, nil
}

func (q *WorkQueue) hasTarget(stage crawl.Stage, target string) bool {
	for _, item := range q.items {
		if item.Stage == stage && item.Target == target {
			return true
		}
	}
	return false
}

// Claim hands the oldest PENDING item for the stage to the owner.
func (q *WorkQueue) Claim(_ context.Context, stage crawl.Stage, owner string) (crawl.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.pending[stage]
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		item, ok := q.items[id]
		if !ok || item.Status != crawl.ItemPending {
			continue
		}
		item.Status = crawl.ItemInProgress
		item.ClaimedBy = owner
		q.pending[stage] = queue
		return *item, nil
	}
	q.pending[stage] = queue
	return crawl.WorkItem{}, crawl.ErrQueueEmpty
}

// Complete marks an item DONE.
func (q *WorkQueue) Complete(_ context.Context, itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[itemID]
	if !ok {
		return crawl.ErrItemNotFound
	}
	item.Status = crawl.ItemDone
	item.ClaimedBy = ""
	return nil
}

// Fail requeues the item while retries remain, else marks it ERROR.
func (q *WorkQueue) Fail(_ context.Context, itemID, reason string, maxRetries int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[itemID]
	if !ok {
		return false, crawl.ErrItemNotFound
	}
	item.LastError = reason
	item.ClaimedBy = ""
	if item.Retries < maxRetries {
		item.Retries++
		item.Status = crawl.ItemPending
		q.pending[item.Stage] = append(q.pending[item.Stage], item.ID)
		return true, nil
	}
	item.Status = crawl.ItemError
	return false, nil
}

// Release returns an IN_PROGRESS item to PENDING for a future session.
func (q *WorkQueue) Release(_ context.Context, itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[itemID]
	if !ok {
		return crawl.ErrItemNotFound
	}
	if item.Status != crawl.ItemInProgress {
		return fmt.Errorf("item %s is %s, not %s", itemID, item.Status, crawl.ItemInProgress)
	}
	item.Status = crawl.ItemPending
	item.ClaimedBy = ""
	q.pending[item.Stage] = append(q.pending[item.Stage], item.ID)
	return nil
}

// Counts summarizes the stage queue by status.
func (q *WorkQueue) Counts(_ context.Context, stage crawl.Stage) (crawl.QueueCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var counts crawl.QueueCounts
	for _, item := range q.items {
		if item.Stage != stage {
			continue
		}
		switch item.Status {
		case crawl.ItemPending:
			counts.Pending++
		case crawl.ItemInProgress:
			counts.InProgress++
		case crawl.ItemDone:
			counts.Done++
		case crawl.ItemError:
			counts.Errored++
		}
	}
	return counts, nil
}

// Items returns a snapshot of every item for a stage, oldest first.
// Used by tests and diagnostics.
func (q *WorkQueue) Items(stage crawl.Stage) []crawl.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []crawl.WorkItem
	for _, item := range q.items {
		if item.Stage == stage {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}
