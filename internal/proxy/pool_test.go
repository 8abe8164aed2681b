package proxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
	"github.com/andrewbyteforge/kitchen-compass/internal/metrics"
	"github.com/andrewbyteforge/kitchen-compass/internal/storage/memory"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.now
}

// ledgerCharger enforces a flat per-provider budget, like the budget
// tracker does in production.
type ledgerCharger struct {
	mu    sync.Mutex
	limit float64
	spent map[string]float64
}

func newLedgerCharger(limit float64) *ledgerCharger {
	return &ledgerCharger{limit: limit, spent: make(map[string]float64)}
}

func (c *ledgerCharger) Charge(_ context.Context, provider string, amount float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spent[provider]+amount > c.limit {
		return crawl.ErrBudgetExceeded
	}
	c.spent[provider] += amount
	return nil
}

func seedProxy(t *testing.T, store *memory.ProxyStore, rec crawl.ProxyRecord) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertProvider(ctx, crawl.ProviderConfig{
		Name:    rec.Provider,
		Enabled: true,
		Tier:    rec.Tier,
	}))
	err := store.Add(ctx, rec)
	if err != nil {
		// Provider rows may repeat across seeds; proxy IDs may not.
		require.Contains(t, err.Error(), "already exists")
	}
}

func newTestPool(t *testing.T, store *memory.ProxyStore, charger Charger, cfg Config) *Pool {
	t.Helper()
	metrics.Init()
	strategy, err := NewStrategy(StrategyRoundRobin)
	require.NoError(t, err)
	return NewPool(store, charger, strategy, &fixedClock{now: time.Unix(1700000000, 0).UTC()}, cfg, zap.NewNop())
}

func TestAcquireNeverReturnsDisabledOrUnhealthy(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	seedProxy(t, store, crawl.ProxyRecord{ID: "ok:1", Provider: "free-co", Tier: crawl.TierFree, Enabled: true, Working: true})
	seedProxy(t, store, crawl.ProxyRecord{ID: "down:1", Provider: "free-co", Tier: crawl.TierFree, Enabled: true, Working: false})
	seedProxy(t, store, crawl.ProxyRecord{ID: "off:1", Provider: "free-co", Tier: crawl.TierFree, Enabled: false, Working: true})

	pool := newTestPool(t, store, newLedgerCharger(100), Config{PreferPaid: true})

	for i := 0; i < 10; i++ {
		rec, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		require.Equal(t, "ok:1", rec.ID)
	}
}

func TestAcquireFallsThroughTiersWhenBudgetExhausted(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	seedProxy(t, store, crawl.ProxyRecord{ID: "prem:1", Provider: "premium-co", Tier: crawl.TierPremium, Enabled: true, Working: true, CostPerRequest: 0.05})
	seedProxy(t, store, crawl.ProxyRecord{ID: "std:1", Provider: "standard-co", Tier: crawl.TierStandard, Enabled: true, Working: true, CostPerRequest: 0.01})
	seedProxy(t, store, crawl.ProxyRecord{ID: "free:1", Provider: "free-co", Tier: crawl.TierFree, Enabled: true, Working: true})

	// Zero budget: every paid charge is rejected, only free remains.
	pool := newTestPool(t, store, newLedgerCharger(0), Config{PreferPaid: true})

	for i := 0; i < 5; i++ {
		rec, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		require.Equal(t, "free:1", rec.ID)
	}
}

func TestAcquirePrefersPaidTiersWithinBudget(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	seedProxy(t, store, crawl.ProxyRecord{ID: "prem:1", Provider: "premium-co", Tier: crawl.TierPremium, Enabled: true, Working: true, CostPerRequest: 0.05})
	seedProxy(t, store, crawl.ProxyRecord{ID: "free:1", Provider: "free-co", Tier: crawl.TierFree, Enabled: true, Working: true})

	charger := newLedgerCharger(0.10)
	pool := newTestPool(t, store, charger, Config{PreferPaid: true})

	// Budget covers exactly two premium requests; the third falls to
	// free.
	for i := 0; i < 2; i++ {
		rec, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		require.Equal(t, "prem:1", rec.ID)
	}
	rec, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "free:1", rec.ID)
}

func TestAcquireWithNoCandidatesReturnsErr(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, memory.NewProxyStore(), newLedgerCharger(100), Config{PreferPaid: true})
	_, err := pool.Acquire(context.Background())
	require.ErrorIs(t, err, crawl.ErrNoProxyAvailable)
}

func TestReleaseDisablesAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	rec := crawl.ProxyRecord{ID: "flaky:1", Provider: "free-co", Tier: crawl.TierFree, Enabled: true, Working: true, SuccessRate: 1}
	seedProxy(t, store, rec)

	pool := newTestPool(t, store, newLedgerCharger(100), Config{PreferPaid: true, FailureThreshold: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Release(ctx, rec, false))
		cur, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		require.True(t, cur.Working)
	}

	require.NoError(t, pool.Release(ctx, rec, false))
	cur, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.False(t, cur.Working)
	require.Equal(t, 3, cur.ConsecutiveFailures)

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, crawl.ErrNoProxyAvailable)
}

func TestConcurrentFailureReleasesAreNotLost(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	rec := crawl.ProxyRecord{ID: "racy:1", Provider: "free-co", Tier: crawl.TierFree, Enabled: true, Working: true, SuccessRate: 1}
	seedProxy(t, store, rec)

	pool := newTestPool(t, store, newLedgerCharger(100), Config{PreferPaid: true, FailureThreshold: 2})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, pool.Release(ctx, rec, false))
		}()
	}
	wg.Wait()

	// Both failures must land: the run hits the threshold and the
	// record is soft-disabled.
	cur, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 2, cur.ConsecutiveFailures)
	require.False(t, cur.Working)
}

func TestReleaseFoldsOutcomeIntoSuccessRate(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	rec := crawl.ProxyRecord{ID: "p:1", Provider: "free-co", Tier: crawl.TierFree, Enabled: true, Working: true, SuccessRate: 1}
	seedProxy(t, store, rec)

	pool := newTestPool(t, store, newLedgerCharger(100), Config{PreferPaid: true, FailureThreshold: 5})
	ctx := context.Background()

	require.NoError(t, pool.Release(ctx, rec, false))
	cur, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.9, cur.SuccessRate, 1e-9)
	require.Equal(t, 1, cur.ConsecutiveFailures)

	require.NoError(t, pool.Release(ctx, rec, true))
	cur, err = store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.91, cur.SuccessRate, 1e-9)
	require.Equal(t, 0, cur.ConsecutiveFailures)
}
