// Package budget enforces per-provider daily spend limits over a
// ledger of (provider, day) entries.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
	"github.com/andrewbyteforge/kitchen-compass/internal/metrics"
)

// Tracker accumulates per-provider, per-day spend and rejects charges
// that would pass the provider's daily limit. Date rollover starts a
// fresh ledger entry; past entries are immutable history.
type Tracker struct {
	ledger       crawl.BudgetLedger
	clock        crawl.Clock
	defaultLimit float64
	logger       *zap.Logger

	mu     sync.RWMutex
	limits map[string]float64
}

// NewTracker constructs a Tracker with the given default daily limit.
func NewTracker(ledger crawl.BudgetLedger, clock crawl.Clock, defaultLimit float64, logger *zap.Logger) *Tracker {
	return &Tracker{
		ledger:       ledger,
		clock:        clock,
		defaultLimit: defaultLimit,
		logger:       logger,
		limits:       make(map[string]float64),
	}
}

// Day truncates a timestamp to its ledger day (UTC midnight).
func Day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Charge records amount against today's entry for the provider. It
// returns crawl.ErrBudgetExceeded when the charge would pass the
// daily limit; the caller must treat that as "try a cheaper tier",
// never as a crawl failure. Zero-amount charges always pass.
func (t *Tracker) Charge(ctx context.Context, provider string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("charge amount must be >= 0, got %f", amount)
	}
	if amount == 0 {
		return nil
	}

	limit := t.DailyLimit(provider)
	if amount > limit {
		return fmt.Errorf("provider %s: charge %.6f over limit %.2f: %w",
			provider, amount, limit, crawl.ErrBudgetExceeded)
	}

	total, err := t.ledger.Charge(ctx, provider, Day(t.clock.Now()), amount, limit)
	if err != nil {
		return fmt.Errorf("provider %s: %w", provider, err)
	}

	metrics.ObserveProxySpend(provider, amount)
	t.logger.Debug("budget charge accepted",
		zap.String("provider", provider),
		zap.Float64("amount", amount),
		zap.Float64("spent_today", total),
	)
	return nil
}

// SpentToday returns today's accumulated spend for the provider.
func (t *Tracker) SpentToday(ctx context.Context, provider string) (float64, error) {
	spent, err := t.ledger.SpentOn(ctx, provider, Day(t.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("provider %s spend: %w", provider, err)
	}
	return spent, nil
}

// SetDailyLimit overrides the daily limit for one provider.
func (t *Tracker) SetDailyLimit(provider string, limit float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[provider] = limit
	t.logger.Info("daily budget updated",
		zap.String("provider", provider),
		zap.Float64("limit", limit),
	)
}

// DailyLimit returns the provider's daily limit, falling back to the
// configured default.
func (t *Tracker) DailyLimit(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if limit, ok := t.limits[provider]; ok {
		return limit
	}
	return t.defaultLimit
}

// CostReport is one provider's spend snapshot for a day.
type CostReport struct {
	Provider   string  `json:"provider"`
	Spent      float64 `json:"spent"`
	DailyLimit float64 `json:"daily_limit"`
}

// Report returns today's spend per provider with its limit.
func (t *Tracker) Report(ctx context.Context) ([]CostReport, error) {
	entries, err := t.ledger.EntriesFor(ctx, Day(t.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("ledger entries: %w", err)
	}
	reports := make([]CostReport, 0, len(entries))
	for _, e := range entries {
		reports = append(reports, CostReport{
			Provider:   e.Provider,
			Spent:      e.Spent,
			DailyLimit: t.DailyLimit(e.Provider),
		})
	}
	return reports, nil
}
