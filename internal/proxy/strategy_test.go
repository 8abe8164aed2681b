package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

func TestNewStrategyRejectsUnknownName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{StrategyRoundRobin, StrategyLeastUsed, StrategyBestSuccessRate} {
		s, err := NewStrategy(name)
		require.NoError(t, err)
		require.Equal(t, name, s.Name())
	}

	_, err := NewStrategy("RANDOM")
	require.Error(t, err)
}

func TestRoundRobinCyclesPerTier(t *testing.T) {
	t.Parallel()

	s, err := NewStrategy(StrategyRoundRobin)
	require.NoError(t, err)

	candidates := []crawl.ProxyRecord{
		{ID: "a:1", Tier: crawl.TierPremium},
		{ID: "b:1", Tier: crawl.TierPremium},
		{ID: "c:1", Tier: crawl.TierPremium},
	}

	var picks []string
	for i := 0; i < 6; i++ {
		picks = append(picks, s.Pick(crawl.TierPremium, candidates).ID)
	}
	require.Equal(t, []string{"a:1", "b:1", "c:1", "a:1", "b:1", "c:1"}, picks)

	// Cursors are independent per tier.
	require.Equal(t, "a:1", s.Pick(crawl.TierFree, candidates).ID)
}

func TestLeastUsedPicksLowestRecentUses(t *testing.T) {
	t.Parallel()

	s, err := NewStrategy(StrategyLeastUsed)
	require.NoError(t, err)

	picked := s.Pick(crawl.TierStandard, []crawl.ProxyRecord{
		{ID: "a:1", RecentUses: 10},
		{ID: "b:1", RecentUses: 2},
		{ID: "c:1", RecentUses: 7},
	})
	require.Equal(t, "b:1", picked.ID)
}

func TestBestSuccessRateBreaksTiesByLastUsed(t *testing.T) {
	t.Parallel()

	s, err := NewStrategy(StrategyBestSuccessRate)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	picked := s.Pick(crawl.TierPremium, []crawl.ProxyRecord{
		{ID: "a:1", SuccessRate: 0.9, LastUsed: now},
		{ID: "b:1", SuccessRate: 0.95, LastUsed: now},
		{ID: "c:1", SuccessRate: 0.95, LastUsed: now.Add(-time.Hour)},
	})
	require.Equal(t, "c:1", picked.ID)
}
