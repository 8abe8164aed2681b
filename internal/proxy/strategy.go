// Package proxy implements the rotating proxy pool with tiered
// selection and cost-aware fallback.
package proxy

import (
	"fmt"
	"sync"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// Rotation strategy names accepted in configuration.
const (
	StrategyRoundRobin      = "ROUND_ROBIN"
	StrategyLeastUsed       = "LEAST_USED"
	StrategyBestSuccessRate = "BEST_SUCCESS_RATE"
)

// Strategy picks the next record from a non-empty candidate set
// within one tier.
type Strategy interface {
	Name() string
	Pick(tier crawl.ProxyTier, candidates []crawl.ProxyRecord) crawl.ProxyRecord
}

// NewStrategy returns the named rotation strategy.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case StrategyRoundRobin:
		return &roundRobin{cursors: make(map[crawl.ProxyTier]int)}, nil
	case StrategyLeastUsed:
		return leastUsed{}, nil
	case StrategyBestSuccessRate:
		return bestSuccessRate{}, nil
	default:
		return nil, fmt.Errorf("unknown rotation strategy %q", name)
	}
}

// roundRobin cycles through the tier's candidates with a wrapping
// per-tier cursor.
type roundRobin struct {
	mu      sync.Mutex
	cursors map[crawl.ProxyTier]int
}

func (r *roundRobin) Name() string { return StrategyRoundRobin }

func (r *roundRobin) Pick(tier crawl.ProxyTier, candidates []crawl.ProxyRecord) crawl.ProxyRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.cursors[tier] % len(candidates)
	r.cursors[tier] = idx + 1
	return candidates[idx]
}

// leastUsed picks the record with the lowest recent-use counter.
type leastUsed struct{}

func (leastUsed) Name() string { return StrategyLeastUsed }

func (leastUsed) Pick(_ crawl.ProxyTier, candidates []crawl.ProxyRecord) crawl.ProxyRecord {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.RecentUses < best.RecentUses {
			best = c
		}
	}
	return best
}

// bestSuccessRate picks the highest rolling success rate, breaking
// ties by least-recently-used.
type bestSuccessRate struct{}

func (bestSuccessRate) Name() string { return StrategyBestSuccessRate }

func (bestSuccessRate) Pick(_ crawl.ProxyTier, candidates []crawl.ProxyRecord) crawl.ProxyRecord {
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.SuccessRate > best.SuccessRate:
			best = c
		case c.SuccessRate == best.SuccessRate && c.LastUsed.Before(best.LastUsed):
			best = c
		}
	}
	return best
}
