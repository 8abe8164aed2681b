// Package dispatcher turns control-plane requests into running crawl
// pipelines: it starts session sequences, seeds the first queue, and
// launches one stage worker goroutine per session.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
	"github.com/andrewbyteforge/kitchen-compass/internal/session"
	"github.com/andrewbyteforge/kitchen-compass/internal/worker"
)

// Dispatcher wires sessions, queues, and workers together. Workers run
// on the base context passed to Run, not the HTTP request context, so
// a crawl outlives the request that started it.
type Dispatcher struct {
	cfg        worker.Config
	seeds      []string
	sessions   *session.Manager
	queue      crawl.WorkQueue
	pool       crawl.ProxyPool
	fetcher    crawl.Fetcher
	extractors map[crawl.Stage]crawl.Extractor
	catalog    crawl.CatalogStore
	blobs      crawl.BlobStore
	clock      crawl.Clock
	logger     *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New constructs a Dispatcher. seeds are the category codes enqueued
// when a sequence starts at the category stage.
func New(
	cfg worker.Config,
	seeds []string,
	sessions *session.Manager,
	queue crawl.WorkQueue,
	pool crawl.ProxyPool,
	fetcher crawl.Fetcher,
	extractors map[crawl.Stage]crawl.Extractor,
	catalog crawl.CatalogStore,
	blobs crawl.BlobStore,
	clock crawl.Clock,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		seeds:      seeds,
		sessions:   sessions,
		queue:      queue,
		pool:       pool,
		fetcher:    fetcher,
		extractors: extractors,
		catalog:    catalog,
		blobs:      blobs,
		clock:      clock,
		logger:     logger,
	}
}

// Run installs the lifetime context for worker goroutines and blocks
// until it is cancelled and all workers have drained.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	d.baseCtx = ctx
	d.mu.Unlock()

	<-ctx.Done()
	d.wg.Wait()
}

// StartCrawl begins a crawl of the given type and returns the created
// sessions, lead first. It fails with crawl.ErrAlreadyRunning when any
// required stage already has an active session.
func (d *Dispatcher) StartCrawl(ctx context.Context, crawlType crawl.CrawlType, trigger string) ([]crawl.Session, error) {
	stages, err := crawlType.Stages()
	if err != nil {
		return nil, err
	}
	for _, stage := range stages {
		if _, ok := d.extractors[stage]; !ok {
			return nil, fmt.Errorf("no extractor registered for stage %s", stage)
		}
	}

	sessions, err := d.sessions.StartSequence(ctx, stages, trigger)
	if err != nil {
		return nil, err
	}

	if err := d.seedFirstStage(ctx, stages[0]); err != nil {
		for _, sess := range sessions {
			if ferr := d.sessions.Finalize(ctx, sess.ID, crawl.SessionFailed, err.Error()); ferr != nil {
				d.logger.Warn("failing unseeded session", zap.String("session_id", sess.ID), zap.Error(ferr))
			}
		}
		return nil, err
	}

	base := d.base()
	for _, sess := range sessions {
		w := worker.New(
			sess.Stage, sess.ID, d.cfg,
			d.sessions, d.queue, d.pool, d.fetcher,
			d.extractors[sess.Stage], d.catalog, d.blobs,
			d.clock, d.logger,
		)
		d.wg.Add(1)
		go func(sess crawl.Session, w *worker.Worker) {
			defer d.wg.Done()
			if err := w.Run(base); err != nil {
				d.logger.Error("stage worker exited",
					zap.String("session_id", sess.ID),
					zap.String("stage", string(sess.Stage)),
					zap.Error(err),
				)
			}
		}(sess, w)
	}

	d.logger.Info("crawl started",
		zap.String("crawl_type", string(crawlType)),
		zap.String("lead_session_id", sessions[0].ID),
		zap.Int("stages", len(stages)),
	)
	return sessions, nil
}

// seedFirstStage fills the first stage's queue: category seeds for
// category-led sequences, known product IDs for detail-only runs.
func (d *Dispatcher) seedFirstStage(ctx context.Context, first crawl.Stage) error {
	var targets []string
	switch first {
	case crawl.StageCategory:
		targets = d.seeds
	case crawl.StageProductDetail:
		ids, err := d.catalog.ProductIDs(ctx)
		if err != nil {
			return fmt.Errorf("listing products for detail seed: %w", err)
		}
		targets = ids
	}
	if len(targets) == 0 {
		return nil
	}
	added, err := d.queue.Enqueue(ctx, first, targets...)
	if err != nil {
		return fmt.Errorf("seeding %s queue: %w", first, err)
	}
	d.logger.Info("stage queue seeded",
		zap.String("stage", string(first)),
		zap.Int("added", added),
	)
	return nil
}

// StopCrawl requests a cooperative stop. An empty sessionID stops the
// most recently started active session.
func (d *Dispatcher) StopCrawl(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return d.sessions.StopLatest(ctx)
	}
	return sessionID, d.sessions.RequestStop(ctx, sessionID)
}

// Status reports the latest active session, if any.
func (d *Dispatcher) Status(ctx context.Context) (crawl.Session, bool) {
	sess, err := d.sessions.LatestActive(ctx)
	if err != nil {
		return crawl.Session{}, false
	}
	return sess, true
}

// Wait blocks until all launched workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) base() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.baseCtx != nil {
		return d.baseCtx
	}
	return context.Background()
}
