package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

func TestSessionStoreTerminalRowsAreImmutable(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	sess := crawl.Session{ID: "s-1", Stage: crawl.StageCategory, Status: crawl.SessionRunning, StartedAt: now}
	require.NoError(t, store.Create(ctx, sess))

	sess.Status = crawl.SessionCompleted
	sess.EndedAt = &now
	require.NoError(t, store.Update(ctx, sess))

	sess.Status = crawl.SessionRunning
	require.Error(t, store.Update(ctx, sess))

	got, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, crawl.SessionCompleted, got.Status)
}

func TestSessionStoreLatestActive(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	_, err := store.LatestActive(ctx)
	require.ErrorIs(t, err, crawl.ErrSessionNotFound)

	first := crawl.Session{ID: "s-1", Stage: crawl.StageCategory, Status: crawl.SessionRunning, StartedAt: now}
	second := crawl.Session{ID: "s-2", Stage: crawl.StageProductList, Status: crawl.SessionPending, StartedAt: now.Add(time.Minute)}
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	latest, err := store.LatestActive(ctx)
	require.NoError(t, err)
	require.Equal(t, "s-2", latest.ID)

	active, err := store.ActiveForStage(ctx, crawl.StageCategory)
	require.NoError(t, err)
	require.Equal(t, "s-1", active.ID)

	_, err = store.ActiveForStage(ctx, crawl.StageProductDetail)
	require.ErrorIs(t, err, crawl.ErrSessionNotFound)
}

func TestCatalogStoreUpsertReportsCreation(t *testing.T) {
	t.Parallel()

	store := NewCatalogStore()
	ctx := context.Background()

	created, err := store.UpsertProduct(ctx, crawl.ProductRecord{RetailerID: "p-1", Name: "Apples", Price: 1.50})
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.UpsertProduct(ctx, crawl.ProductRecord{RetailerID: "p-1", Name: "Apples", Price: 1.75})
	require.NoError(t, err)
	require.False(t, created)

	prod, ok := store.Product("p-1")
	require.True(t, ok)
	require.Equal(t, 1.75, prod.Price)

	created, err = store.UpsertCategory(ctx, crawl.CategoryRecord{Code: "fruit", Name: "Fruit", Active: true})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, store.UpsertNutrition(ctx, crawl.NutritionRecord{
		RetailerID: "p-1",
		Values:     map[string]string{"Energy": "218kJ"},
	}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawl.CatalogStats{Categories: 1, Products: 1, ProductsWithNutrition: 1}, stats)

	ids, err := store.ProductIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"p-1"}, ids)
}

func TestLedgerConcurrentChargesNeverExceedLimit(t *testing.T) {
	t.Parallel()

	ledger := NewLedger()
	ctx := context.Background()
	day := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	const limit = 10.0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 50 charges of 0.30 offered against a 10.00 limit.
			_, _ = ledger.Charge(ctx, "premium-co", day, 0.30, limit)
		}()
	}
	wg.Wait()

	spent, err := ledger.SpentOn(ctx, "premium-co", day)
	require.NoError(t, err)
	require.LessOrEqual(t, spent, limit)
	require.InDelta(t, 9.90, spent, 1e-9)
}

func TestLedgerRollsOverByDay(t *testing.T) {
	t.Parallel()

	ledger := NewLedger()
	ctx := context.Background()
	day1 := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	total, err := ledger.Charge(ctx, "premium-co", day1, 5, 5)
	require.NoError(t, err)
	require.Equal(t, 5.0, total)

	_, err = ledger.Charge(ctx, "premium-co", day1, 0.01, 5)
	require.ErrorIs(t, err, crawl.ErrBudgetExceeded)

	// A new day starts a fresh bucket; yesterday's row is untouched.
	total, err = ledger.Charge(ctx, "premium-co", day2, 1, 5)
	require.NoError(t, err)
	require.Equal(t, 1.0, total)

	entries, err := ledger.EntriesFor(ctx, day1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 5.0, entries[0].Spent)
}

func TestProxyStoreListAvailableFiltersDisabled(t *testing.T) {
	t.Parallel()

	store := NewProxyStore()
	ctx := context.Background()

	require.NoError(t, store.UpsertProvider(ctx, crawl.ProviderConfig{Name: "premium-co", Enabled: true, Tier: crawl.TierPremium}))
	require.NoError(t, store.UpsertProvider(ctx, crawl.ProviderConfig{Name: "free-co", Enabled: false, Tier: crawl.TierFree}))

	require.NoError(t, store.Add(ctx, crawl.ProxyRecord{ID: "10.0.0.1:8080", Provider: "premium-co", Tier: crawl.TierPremium, Enabled: true, Working: true}))
	require.NoError(t, store.Add(ctx, crawl.ProxyRecord{ID: "10.0.0.2:8080", Provider: "premium-co", Tier: crawl.TierPremium, Enabled: true, Working: false}))
	require.NoError(t, store.Add(ctx, crawl.ProxyRecord{ID: "10.0.0.3:8080", Provider: "premium-co", Tier: crawl.TierPremium, Enabled: false, Working: true}))
	require.NoError(t, store.Add(ctx, crawl.ProxyRecord{ID: "10.0.0.4:8080", Provider: "free-co", Tier: crawl.TierFree, Enabled: true, Working: true}))

	avail, err := store.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	require.Equal(t, "10.0.0.1:8080", avail[0].ID)

	// Re-enabling the provider brings its proxies back.
	require.NoError(t, store.SetProviderEnabled(ctx, "free-co", true))
	avail, err = store.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, avail, 2)

	require.ErrorIs(t, store.SetProviderEnabled(ctx, "unknown", true), crawl.ErrProviderNotFound)
}
