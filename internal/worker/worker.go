// Package worker runs the per-stage crawl loop: claim an item, fetch
// its page through the proxy pool, extract entities, persist them, and
// feed follow-on targets to the next stage's queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
	"github.com/andrewbyteforge/kitchen-compass/internal/metrics"
	"github.com/andrewbyteforge/kitchen-compass/internal/session"
)

// Config holds the tunables of a stage worker.
type Config struct {
	MaxRetries      int
	FetchTimeout    time.Duration
	ClaimPoll       time.Duration
	ProxyRetryDelay time.Duration
	ProxyWaitMax    time.Duration
}

// Worker drives one crawl session through its stage queue.
type Worker struct {
	stage     crawl.Stage
	sessionID string
	cfg       Config

	sessions  *session.Manager
	queue     crawl.WorkQueue
	pool      crawl.ProxyPool
	fetcher   crawl.Fetcher
	extractor crawl.Extractor
	catalog   crawl.CatalogStore
	blobs     crawl.BlobStore
	clock     crawl.Clock
	logger    *zap.Logger

	counters crawl.SessionCounters
}

// New constructs a Worker for one session. blobs may be nil when page
// archiving is not configured.
func New(
	stage crawl.Stage,
	sessionID string,
	cfg Config,
	sessions *session.Manager,
	queue crawl.WorkQueue,
	pool crawl.ProxyPool,
	fetcher crawl.Fetcher,
	extractor crawl.Extractor,
	catalog crawl.CatalogStore,
	blobs crawl.BlobStore,
	clock crawl.Clock,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		stage:     stage,
		sessionID: sessionID,
		cfg:       cfg,
		sessions:  sessions,
		queue:     queue,
		pool:      pool,
		fetcher:   fetcher,
		extractor: extractor,
		catalog:   catalog,
		blobs:     blobs,
		clock:     clock,
		logger: logger.With(
			zap.String("stage", string(stage)),
			zap.String("session_id", sessionID),
		),
	}
}

// Run executes the stage loop until the queue drains, a stop is
// requested, or ctx is cancelled. It always finalizes the session.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := w.sessions.MarkRunning(ctx, w.sessionID); err != nil {
		return fmt.Errorf("marking session running: %w", err)
	}
	w.logger.Info("stage worker started")

	for {
		if ctx.Err() != nil || w.sessions.StopRequested(w.sessionID) {
			return w.finalize(ctx, crawl.SessionCancelled, "")
		}

		item, err := w.queue.Claim(ctx, w.stage, w.sessionID)
		if errors.Is(err, crawl.ErrQueueEmpty) {
			done, werr := w.drained(ctx)
			if werr != nil {
				return w.finalize(ctx, crawl.SessionFailed, werr.Error())
			}
			if done {
				return w.finalize(ctx, crawl.SessionCompleted, "")
			}
			if !w.sleep(ctx, w.cfg.ClaimPoll) {
				return w.finalize(ctx, crawl.SessionCancelled, "")
			}
			continue
		}
		if err != nil {
			return w.finalize(ctx, crawl.SessionFailed, fmt.Sprintf("claiming work item: %v", err))
		}

		if err := w.processItem(ctx, item); err != nil {
			// Cancellation mid-item: put the claim back so another
			// worker (or a restart) can pick it up.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				releaseCtx := context.WithoutCancel(ctx)
				if rerr := w.queue.Release(releaseCtx, item.ID); rerr != nil {
					w.logger.Warn("releasing claimed item", zap.String("item_id", item.ID), zap.Error(rerr))
				}
				return w.finalize(ctx, crawl.SessionCancelled, "")
			}
			return w.finalize(ctx, crawl.SessionFailed, err.Error())
		}

		if err := w.sessions.UpdateCounters(ctx, w.sessionID, w.counters); err != nil {
			w.logger.Warn("updating session counters", zap.Error(err))
		}
		w.publishQueueDepth(ctx)
	}
}

// drained reports whether the stage is finished: nothing pending,
// nothing claimed, and no active upstream session that could still feed
// this queue.
func (w *Worker) drained(ctx context.Context) (bool, error) {
	counts, err := w.queue.Counts(ctx, w.stage)
	if err != nil {
		return false, fmt.Errorf("reading queue counts: %w", err)
	}
	if counts.Pending > 0 || counts.InProgress > 0 {
		return false, nil
	}
	upstream := upstreamStage(w.stage)
	if upstream == "" {
		return true, nil
	}
	if _, err := w.sessions.ActiveForStage(ctx, upstream); err == nil {
		return false, nil
	}
	return true, nil
}

// processItem handles one claimed work item end to end.
func (w *Worker) processItem(ctx context.Context, item crawl.WorkItem) error {
	rec, err := w.acquireProxy(ctx)
	if errors.Is(err, crawl.ErrNoProxyAvailable) {
		// No proxy will appear for this item; error it out rather than
		// cycling the retry budget.
		return w.failItem(ctx, item, "proxy pool exhausted", 0)
	}
	if err != nil {
		return err
	}

	pageURL := w.extractor.PageURL(item.Target)
	start := w.clock.Now()
	page, fetchErr := w.fetcher.Fetch(ctx, crawl.FetchRequest{
		URL:      pageURL,
		ProxyURL: rec.URL(),
		Timeout:  w.cfg.FetchTimeout,
	})
	fetchOK := fetchErr == nil && page.StatusCode >= 200 && page.StatusCode < 400

	if rerr := w.pool.Release(ctx, rec, fetchOK); rerr != nil {
		w.logger.Warn("releasing proxy", zap.String("proxy", rec.ID), zap.Error(rerr))
	}

	if fetchErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.failItem(ctx, item, fmt.Sprintf("fetch %s: %v", pageURL, fetchErr), w.cfg.MaxRetries)
	}
	metrics.ObserveFetch(string(w.stage), w.clock.Now().Sub(start))
	if !fetchOK {
		return w.failItem(ctx, item, fmt.Sprintf("fetch %s: status %d", pageURL, page.StatusCode), w.cfg.MaxRetries)
	}

	result, err := w.extractor.Extract(page)
	if err != nil {
		w.archivePage(ctx, item, page)
		return w.failItem(ctx, item, fmt.Sprintf("extract %s: %v", pageURL, err), w.cfg.MaxRetries)
	}

	if err := w.persistResult(ctx, result); err != nil {
		return err
	}

	if next := w.stage.NextStage(); next != "" && len(result.NextTargets) > 0 {
		added, err := w.queue.Enqueue(ctx, next, result.NextTargets...)
		if err != nil {
			return fmt.Errorf("enqueueing %s targets: %w", next, err)
		}
		w.logger.Debug("enqueued follow-on targets",
			zap.String("next_stage", string(next)),
			zap.Int("added", added),
			zap.Int("offered", len(result.NextTargets)),
		)
	}

	if err := w.queue.Complete(ctx, item.ID); err != nil {
		return fmt.Errorf("completing item %s: %w", item.ID, err)
	}
	w.counters.ItemsProcessed++
	w.counters.ItemsSucceeded++
	metrics.ObserveItem(string(w.stage), "success")
	return nil
}

// persistResult upserts everything the extractor produced and rolls
// the session counters.
func (w *Worker) persistResult(ctx context.Context, result crawl.StageResult) error {
	for _, cat := range result.Categories {
		if _, err := w.catalog.UpsertCategory(ctx, cat); err != nil {
			return fmt.Errorf("upserting category %s: %w", cat.Code, err)
		}
		w.counters.CategoriesFound++
	}
	for _, prod := range result.Products {
		created, err := w.catalog.UpsertProduct(ctx, prod)
		if err != nil {
			return fmt.Errorf("upserting product %s: %w", prod.RetailerID, err)
		}
		if created {
			w.counters.ProductsFound++
		} else {
			w.counters.ProductsUpdated++
		}
	}
	if result.Nutrition != nil {
		if err := w.catalog.UpsertNutrition(ctx, *result.Nutrition); err != nil {
			return fmt.Errorf("upserting nutrition %s: %w", result.Nutrition.RetailerID, err)
		}
		w.counters.NutritionExtracted++
	}
	return nil
}

// failItem records an item failure, requeueing it while retries remain.
func (w *Worker) failItem(ctx context.Context, item crawl.WorkItem, reason string, maxRetries int) error {
	requeued, err := w.queue.Fail(ctx, item.ID, reason, maxRetries)
	if err != nil {
		return fmt.Errorf("failing item %s: %w", item.ID, err)
	}
	w.counters.ItemsProcessed++
	if requeued {
		metrics.ObserveItem(string(w.stage), "retried")
		w.logger.Debug("item requeued",
			zap.String("item_id", item.ID),
			zap.String("target", item.Target),
			zap.String("reason", reason),
		)
		return nil
	}
	w.counters.ItemsFailed++
	if w.stage == crawl.StageProductDetail {
		w.counters.NutritionErrors++
	}
	metrics.ObserveItem(string(w.stage), "error")
	w.logger.Warn("item errored permanently",
		zap.String("item_id", item.ID),
		zap.String("target", item.Target),
		zap.String("reason", reason),
	)
	return nil
}

// acquireProxy waits with bounded backoff for a usable proxy, up to
// ProxyWaitMax in total.
func (w *Worker) acquireProxy(ctx context.Context) (crawl.ProxyRecord, error) {
	deadline := w.clock.Now().Add(w.cfg.ProxyWaitMax)
	for {
		rec, err := w.pool.Acquire(ctx)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, crawl.ErrNoProxyAvailable) {
			return crawl.ProxyRecord{}, fmt.Errorf("acquiring proxy: %w", err)
		}
		if !w.clock.Now().Before(deadline) {
			return crawl.ProxyRecord{}, crawl.ErrNoProxyAvailable
		}
		if !w.sleep(ctx, w.cfg.ProxyRetryDelay) {
			return crawl.ProxyRecord{}, ctx.Err()
		}
	}
}

// archivePage stores the raw body of a page the extractor rejected, so
// parser regressions can be diagnosed offline.
func (w *Worker) archivePage(ctx context.Context, item crawl.WorkItem, page crawl.RawPage) {
	if w.blobs == nil || len(page.Body) == 0 {
		return
	}
	path := fmt.Sprintf("failed-pages/%s/%s-%s.html",
		w.stage, w.clock.Now().UTC().Format("20060102T150405"), item.ID)
	uri, err := w.blobs.PutObject(context.WithoutCancel(ctx), path, "text/html", page.Body)
	if err != nil {
		w.logger.Warn("archiving failed page", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	w.logger.Info("failed page archived", zap.String("item_id", item.ID), zap.String("uri", uri))
}

func (w *Worker) publishQueueDepth(ctx context.Context) {
	counts, err := w.queue.Counts(ctx, w.stage)
	if err != nil {
		return
	}
	metrics.SetQueuePending(string(w.stage), counts.Pending)
}

// finalize closes the session with a terminal status, detaching from
// ctx so cancellation does not lose the terminal write.
func (w *Worker) finalize(ctx context.Context, status crawl.SessionStatus, errText string) error {
	if err := w.sessions.UpdateCounters(context.WithoutCancel(ctx), w.sessionID, w.counters); err != nil {
		w.logger.Warn("flushing session counters", zap.Error(err))
	}
	if err := w.sessions.Finalize(ctx, w.sessionID, status, errText); err != nil {
		return fmt.Errorf("finalizing session: %w", err)
	}
	if status == crawl.SessionFailed {
		return errors.New(errText)
	}
	return nil
}

// sleep waits for d or until ctx is cancelled, reporting whether the
// full wait elapsed.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// upstreamStage returns the stage whose output feeds s, or "".
func upstreamStage(s crawl.Stage) crawl.Stage {
	switch s {
	case crawl.StageProductList:
		return crawl.StageCategory
	case crawl.StageProductDetail:
		return crawl.StageProductList
	default:
		return ""
	}
}
