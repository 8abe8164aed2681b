package dispatcher

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
	"github.com/andrewbyteforge/kitchen-compass/internal/metrics"
	"github.com/andrewbyteforge/kitchen-compass/internal/session"
	"github.com/andrewbyteforge/kitchen-compass/internal/storage/memory"
	"github.com/andrewbyteforge/kitchen-compass/internal/worker"
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

type stubPool struct{}

func (stubPool) Acquire(context.Context) (crawl.ProxyRecord, error) {
	return crawl.ProxyRecord{ID: "10.0.0.1:8080", Provider: "free-co", Tier: crawl.TierFree}, nil
}

func (stubPool) Release(context.Context, crawl.ProxyRecord, bool) error {
	return nil
}

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, req crawl.FetchRequest) (crawl.RawPage, error) {
	return crawl.RawPage{URL: req.URL, StatusCode: 200, Body: []byte(req.URL)}, nil
}

// emptyExtractor yields nothing, so every stage drains immediately.
type emptyExtractor struct{}

func (emptyExtractor) PageURL(target string) string {
	return "http://test.local/" + target
}

func (emptyExtractor) Extract(crawl.RawPage) (crawl.StageResult, error) {
	return crawl.StageResult{}, nil
}

type fixture struct {
	dispatcher *Dispatcher
	sessions   *session.Manager
	queue      *memory.WorkQueue
	catalog    *memory.CatalogStore
}

func newFixture(seeds []string) *fixture {
	metrics.Init()
	clock := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	ids := &seqIDs{}
	sessions := session.NewManager(memory.NewSessionStore(), clock, ids, nil, "", zap.NewNop())
	queue := memory.NewWorkQueue(ids, clock)
	catalog := memory.NewCatalogStore()

	extractors := map[crawl.Stage]crawl.Extractor{
		crawl.StageCategory:      emptyExtractor{},
		crawl.StageProductList:   emptyExtractor{},
		crawl.StageProductDetail: emptyExtractor{},
	}
	cfg := worker.Config{ClaimPoll: time.Millisecond, FetchTimeout: time.Second}
	d := New(cfg, seeds, sessions, queue, stubPool{}, stubFetcher{},
		extractors, catalog, memory.NewBlobStore(), clock, zap.NewNop())

	return &fixture{dispatcher: d, sessions: sessions, queue: queue, catalog: catalog}
}

func TestStartCrawlCreatesSessionPerStage(t *testing.T) {
	t.Parallel()

	f := newFixture([]string{"fruit", "bakery"})
	ctx := context.Background()

	sessions, err := f.dispatcher.StartCrawl(ctx, crawl.CrawlTypeBoth, "api")
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	require.Equal(t, crawl.StageCategory, sessions[0].Stage)
	require.Equal(t, crawl.StageProductList, sessions[1].Stage)
	require.Equal(t, crawl.StageProductDetail, sessions[2].Stage)

	counts, err := f.queue.Counts(ctx, crawl.StageCategory)
	require.NoError(t, err)
	require.Equal(t, 2, counts.Pending+counts.InProgress+counts.Done)

	f.dispatcher.Wait()
	for _, sess := range sessions {
		got, err := f.sessions.Get(ctx, sess.ID)
		require.NoError(t, err)
		require.Equal(t, crawl.SessionCompleted, got.Status)
	}
}

func TestStartCrawlRejectsOverlap(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	ctx := context.Background()

	// Hold the detail stage active so an overlapping BOTH start fails.
	_, err := f.sessions.StartSequence(ctx, []crawl.Stage{crawl.StageProductDetail}, "test")
	require.NoError(t, err)

	_, err = f.dispatcher.StartCrawl(ctx, crawl.CrawlTypeBoth, "api")
	require.ErrorIs(t, err, crawl.ErrAlreadyRunning)

	// A PRODUCT crawl touches only category and list stages, so it is
	// still allowed to start.
	sessions, err := f.dispatcher.StartCrawl(ctx, crawl.CrawlTypeProduct, "api")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	f.dispatcher.Wait()
}

func TestNutritionCrawlSeedsFromCatalog(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	ctx := context.Background()

	for _, id := range []string{"p-1", "p-2", "p-3"} {
		_, err := f.catalog.UpsertProduct(ctx, crawl.ProductRecord{RetailerID: id, Name: "x"})
		require.NoError(t, err)
	}

	sessions, err := f.dispatcher.StartCrawl(ctx, crawl.CrawlTypeNutrition, "scheduler")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, crawl.StageProductDetail, sessions[0].Stage)

	f.dispatcher.Wait()

	counts, err := f.queue.Counts(ctx, crawl.StageProductDetail)
	require.NoError(t, err)
	require.Equal(t, 3, counts.Done)
}

func TestStopCrawlWithEmptyIDStopsLatest(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	ctx := context.Background()

	_, err := f.dispatcher.StopCrawl(ctx, "")
	require.ErrorIs(t, err, crawl.ErrNotRunning)

	sessions, err := f.sessions.StartSequence(ctx, []crawl.Stage{crawl.StageCategory}, "test")
	require.NoError(t, err)

	stopped, err := f.dispatcher.StopCrawl(ctx, "")
	require.NoError(t, err)
	require.Equal(t, sessions[0].ID, stopped)
	require.True(t, f.sessions.StopRequested(sessions[0].ID))
}

func TestStatusReportsLatestActive(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	ctx := context.Background()

	_, ok := f.dispatcher.Status(ctx)
	require.False(t, ok)

	sessions, err := f.sessions.StartSequence(ctx, []crawl.Stage{crawl.StageCategory}, "test")
	require.NoError(t, err)

	sess, ok := f.dispatcher.Status(ctx)
	require.True(t, ok)
	require.Equal(t, sessions[0].ID, sess.ID)
}
