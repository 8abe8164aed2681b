package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "id-" + strconv.Itoa(g.n), nil
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.now
}

func newTestQueue() *WorkQueue {
	return NewWorkQueue(&seqIDs{}, &fixedClock{now: time.Unix(1700000000, 0).UTC()})
}

func TestEnqueueSkipsDuplicateTargets(t *testing.T) {
	t.Parallel()

	q := newTestQueue()
	ctx := context.Background()

	added, err := q.Enqueue(ctx, crawl.StageCategory, "fruit", "veg", "fruit")
	require.NoError(t, err)
	require.Equal(t, 2, added)

	added, err = q.Enqueue(ctx, crawl.StageCategory, "veg", "bakery")
	require.NoError(t, err)
	require.Equal(t, 1, added)

	// The same target in a different stage queue is a new item.
	added, err = q.Enqueue(ctx, crawl.StageProductList, "fruit")
	require.NoError(t, err)
	require.Equal(t, 1, added)

	counts, err := q.Counts(ctx, crawl.StageCategory)
	require.NoError(t, err)
	require.Equal(t, 3, counts.Pending)
}

func TestClaimHandsEachItemToExactlyOneOwner(t *testing.T) {
	t.Parallel()

	q := newTestQueue()
	ctx := context.Background()

	const total = 100
	targets := make([]string, total)
	for i := range targets {
		targets[i] = fmt.Sprintf("cat-%03d", i)
	}
	added, err := q.Enqueue(ctx, crawl.StageCategory, targets...)
	require.NoError(t, err)
	require.Equal(t, total, added)

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				item, err := q.Claim(ctx, crawl.StageCategory, owner)
				if errors.Is(err, crawl.ErrQueueEmpty) {
					return
				}
				require.NoError(t, err)
				mu.Lock()
				claimed[item.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	require.Len(t, claimed, total)
	for id, n := range claimed {
		require.Equalf(t, 1, n, "item %s claimed %d times", id, n)
	}
}

func TestFailRetriesExactlyMaxRetriesThenErrors(t *testing.T) {
	t.Parallel()

	q := newTestQueue()
	ctx := context.Background()
	const maxRetries = 3

	_, err := q.Enqueue(ctx, crawl.StageProductDetail, "prod-1")
	require.NoError(t, err)

	for attempt := 0; attempt < maxRetries; attempt++ {
		item, err := q.Claim(ctx, crawl.StageProductDetail, "worker")
		require.NoError(t, err)
		requeued, err := q.Fail(ctx, item.ID, "parse error", maxRetries)
		require.NoError(t, err)
		require.True(t, requeued, "attempt %d should requeue", attempt)
	}

	item, err := q.Claim(ctx, crawl.StageProductDetail, "worker")
	require.NoError(t, err)
	require.Equal(t, maxRetries, item.Retries)

	requeued, err := q.Fail(ctx, item.ID, "parse error", maxRetries)
	require.NoError(t, err)
	require.False(t, requeued)

	_, err = q.Claim(ctx, crawl.StageProductDetail, "worker")
	require.ErrorIs(t, err, crawl.ErrQueueEmpty)

	counts, err := q.Counts(ctx, crawl.StageProductDetail)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Errored)

	items := q.Items(crawl.StageProductDetail)
	require.Len(t, items, 1)
	require.Equal(t, crawl.ItemError, items[0].Status)
	require.Equal(t, "parse error", items[0].LastError)
}

func TestReleaseReturnsClaimToPending(t *testing.T) {
	t.Parallel()

	q := newTestQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, crawl.StageProductList, "cat-1")
	require.NoError(t, err)

	item, err := q.Claim(ctx, crawl.StageProductList, "worker")
	require.NoError(t, err)

	require.NoError(t, q.Release(ctx, item.ID))

	counts, err := q.Counts(ctx, crawl.StageProductList)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Pending)
	require.Equal(t, 0, counts.InProgress)

	// Retry count is untouched by a release.
	reclaimed, err := q.Claim(ctx, crawl.StageProductList, "worker-2")
	require.NoError(t, err)
	require.Equal(t, 0, reclaimed.Retries)

	// Releasing a non-claimed item is an error.
	require.NoError(t, q.Complete(ctx, reclaimed.ID))
	require.Error(t, q.Release(ctx, reclaimed.ID))
}
