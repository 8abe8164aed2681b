package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
	"github.com/andrewbyteforge/kitchen-compass/internal/storage/memory"
)

// The test server plays both proxy and origin: a plain HTTP proxy
// receives the absolute-form request, so handling any request with a
// 200 is enough to satisfy the probe.
func newProbeTarget(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckMarksProxyWorkingAndResetsFailures(t *testing.T) {
	t.Parallel()

	srv := newProbeTarget(t, http.StatusOK)
	store := memory.NewProxyStore()
	ctx := context.Background()

	require.NoError(t, store.UpsertProvider(ctx, crawl.ProviderConfig{Name: "free-co", Enabled: true, Tier: crawl.TierFree}))
	require.NoError(t, store.Add(ctx, crawl.ProxyRecord{
		ID:                  srv.Listener.Addr().String(),
		Provider:            "free-co",
		Tier:                crawl.TierFree,
		Enabled:             true,
		Working:             false,
		ConsecutiveFailures: 7,
	}))

	checker := NewChecker(store, &fixedClock{now: time.Unix(1700000000, 0).UTC()}, CheckerConfig{
		TestURL: "http://example.invalid/probe",
		Timeout: 2 * time.Second,
	}, zap.NewNop())

	result, err := checker.Check(ctx, srv.Listener.Addr().String())
	require.NoError(t, err)
	require.True(t, result.Working)
	require.Equal(t, http.StatusOK, result.StatusCode)

	rec, err := store.Get(ctx, srv.Listener.Addr().String())
	require.NoError(t, err)
	require.True(t, rec.Working)
	require.Equal(t, 0, rec.ConsecutiveFailures)
	require.False(t, rec.LastChecked.IsZero())
}

func TestCheckMarksProxyBrokenOnErrorStatus(t *testing.T) {
	t.Parallel()

	srv := newProbeTarget(t, http.StatusBadGateway)
	store := memory.NewProxyStore()
	ctx := context.Background()

	require.NoError(t, store.UpsertProvider(ctx, crawl.ProviderConfig{Name: "free-co", Enabled: true, Tier: crawl.TierFree}))
	require.NoError(t, store.Add(ctx, crawl.ProxyRecord{
		ID:       srv.Listener.Addr().String(),
		Provider: "free-co",
		Tier:     crawl.TierFree,
		Enabled:  true,
		Working:  true,
	}))

	checker := NewChecker(store, &fixedClock{now: time.Unix(1700000000, 0).UTC()}, CheckerConfig{
		TestURL: "http://example.invalid/probe",
		Timeout: 2 * time.Second,
	}, zap.NewNop())

	result, err := checker.Check(ctx, srv.Listener.Addr().String())
	require.NoError(t, err)
	require.False(t, result.Working)
	require.NotEmpty(t, result.Error)

	rec, err := store.Get(ctx, srv.Listener.Addr().String())
	require.NoError(t, err)
	require.False(t, rec.Working)
}

func TestCheckUnknownProxy(t *testing.T) {
	t.Parallel()

	checker := NewChecker(memory.NewProxyStore(), &fixedClock{now: time.Now()}, CheckerConfig{
		TestURL: "http://example.invalid/probe",
	}, zap.NewNop())

	_, err := checker.Check(context.Background(), "nope:1")
	require.ErrorIs(t, err, crawl.ErrProxyNotFound)
}
