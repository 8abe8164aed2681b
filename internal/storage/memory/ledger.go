package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

type ledgerKey struct {
	provider string
	day      time.Time
}

// Ledger accumulates per-provider daily spend under one mutex, which
// makes Charge atomic with respect to concurrent callers.
type Ledger struct {
	mu      sync.Mutex
	entries map[ledgerKey]float64
}

// NewLedger constructs a Ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[ledgerKey]float64)}
}

// Charge adds amount to the (provider, day) bucket unless the new total
// would exceed limit, in which case the bucket is left untouched and
// crawl.ErrBudgetExceeded is returned.
func (l *Ledger) Charge(_ context.Context, provider string, day time.Time, amount, limit float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{provider: provider, day: day.UTC().Truncate(24 * time.Hour)}
	next := l.entries[key] + amount
	if next > limit {
		return l.entries[key], crawl.ErrBudgetExceeded
	}
	l.entries[key] = next
	return next, nil
}

// SpentOn returns the amount charged to provider on day.
func (l *Ledger) SpentOn(_ context.Context, provider string, day time.Time) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey{provider: provider, day: day.UTC().Truncate(24 * time.Hour)}
	return l.entries[key], nil
}

// EntriesFor lists all provider entries for one day, ordered by
// provider name.
func (l *Ledger) EntriesFor(_ context.Context, day time.Time) ([]crawl.BudgetEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	want := day.UTC().Truncate(24 * time.Hour)
	var out []crawl.BudgetEntry
	for key, spent := range l.entries {
		if !key.day.Equal(want) {
			continue
		}
		out = append(out, crawl.BudgetEntry{Provider: key.provider, Day: key.day, Spent: spent})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}
