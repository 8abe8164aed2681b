package proxy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
	"github.com/andrewbyteforge/kitchen-compass/internal/metrics"
)

// tierAny keys the rotation cursor when tiers are treated equally.
const tierAny = crawl.ProxyTier("any")

// Charger is the budget tracker surface the pool consults before
// handing out paid-tier proxies.
type Charger interface {
	Charge(ctx context.Context, provider string, amount float64) error
}

// Config controls pool selection behavior.
type Config struct {
	PreferPaid       bool
	FailureThreshold int
}

// Pool selects a proxy for an outbound request given the rotation
// strategy and current budget state. It implements crawl.ProxyPool.
type Pool struct {
	store    crawl.ProxyStore
	budget   Charger
	strategy Strategy
	clock    crawl.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewPool constructs a Pool.
func NewPool(
	store crawl.ProxyStore,
	budget Charger,
	strategy Strategy,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	return &Pool{
		store:    store,
		budget:   budget,
		strategy: strategy,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Acquire returns the next proxy to use. Paid tiers are consulted
// against the budget tracker first; a budget rejection skips the
// provider and, once a tier is exhausted, falls through to the next
// tier. Free proxies never charge. ErrNoProxyAvailable means every
// tier came up empty.
func (p *Pool) Acquire(ctx context.Context) (crawl.ProxyRecord, error) {
	records, err := p.store.ListAvailable(ctx)
	if err != nil {
		return crawl.ProxyRecord{}, fmt.Errorf("list proxies: %w", err)
	}
	if len(records) == 0 {
		return crawl.ProxyRecord{}, crawl.ErrNoProxyAvailable
	}

	for _, tier := range p.tierOrder() {
		rec, ok, err := p.acquireFromTier(ctx, tier, filterTier(records, tier))
		if err != nil {
			return crawl.ProxyRecord{}, err
		}
		if ok {
			return rec, nil
		}
	}
	return crawl.ProxyRecord{}, crawl.ErrNoProxyAvailable
}

func (p *Pool) tierOrder() []crawl.ProxyTier {
	if p.cfg.PreferPaid {
		return []crawl.ProxyTier{crawl.TierPremium, crawl.TierStandard, crawl.TierFree}
	}
	return []crawl.ProxyTier{tierAny}
}

func (p *Pool) acquireFromTier(
	ctx context.Context,
	tier crawl.ProxyTier,
	candidates []crawl.ProxyRecord,
) (crawl.ProxyRecord, bool, error) {
	for len(candidates) > 0 {
		rec := p.strategy.Pick(tier, candidates)
		if rec.Tier.Paid() {
			err := p.budget.Charge(ctx, rec.Provider, rec.CostPerRequest)
			if errors.Is(err, crawl.ErrBudgetExceeded) {
				p.logger.Debug("provider budget exhausted, skipping",
					zap.String("provider", rec.Provider),
					zap.String("tier", string(rec.Tier)),
				)
				candidates = dropProvider(candidates, rec.Provider)
				continue
			}
			if err != nil {
				return crawl.ProxyRecord{}, false, fmt.Errorf("charge budget: %w", err)
			}
		}
		p.markUsed(ctx, rec)
		metrics.ObserveProxyAcquisition(rec.Provider, string(rec.Tier))
		return rec, true, nil
	}
	return crawl.ProxyRecord{}, false, nil
}

func (p *Pool) markUsed(ctx context.Context, rec crawl.ProxyRecord) {
	if err := p.store.MarkUsed(ctx, rec.ID, p.clock.Now()); err != nil {
		p.logger.Warn("proxy usage update failed", zap.String("proxy", rec.ID), zap.Error(err))
	}
}

// Release records the request outcome: the store folds the result into
// the rolling success rate in one atomic step and soft-disables the
// record after the configured run of consecutive failures.
func (p *Pool) Release(ctx context.Context, rec crawl.ProxyRecord, success bool) error {
	cur, err := p.store.RecordOutcome(ctx, rec.ID, success, p.cfg.FailureThreshold)
	if err != nil {
		return fmt.Errorf("record proxy outcome %s: %w", rec.ID, err)
	}
	if !success && !cur.Working && cur.ConsecutiveFailures == p.cfg.FailureThreshold {
		p.logger.Warn("proxy soft-disabled pending re-test",
			zap.String("proxy", cur.ID),
			zap.Int("consecutive_failures", cur.ConsecutiveFailures),
		)
	}
	return nil
}

func filterTier(records []crawl.ProxyRecord, tier crawl.ProxyTier) []crawl.ProxyRecord {
	if tier == tierAny {
		return append([]crawl.ProxyRecord(nil), records...)
	}
	var out []crawl.ProxyRecord
	for _, r := range records {
		if r.Tier == tier {
			out = append(out, r)
		}
	}
	return out
}

func dropProvider(records []crawl.ProxyRecord, provider string) []crawl.ProxyRecord {
	var out []crawl.ProxyRecord
	for _, r := range records {
		if r.Provider != provider {
			out = append(out, r)
		}
	}
	return out
}
