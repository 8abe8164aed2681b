package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// CheckerConfig controls health probe behavior.
type CheckerConfig struct {
	TestURL string
	Timeout time.Duration
}

// Checker probes a proxy with a real request and updates its health
// state in the store.
type Checker struct {
	store  crawl.ProxyStore
	clock  crawl.Clock
	cfg    CheckerConfig
	logger *zap.Logger
}

// HealthResult is the outcome of one proxy probe.
type HealthResult struct {
	ProxyID      string        `json:"proxy_id"`
	Working      bool          `json:"working"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

// NewChecker constructs a Checker.
func NewChecker(store crawl.ProxyStore, clock crawl.Clock, cfg CheckerConfig, logger *zap.Logger) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Checker{store: store, clock: clock, cfg: cfg, logger: logger}
}

// Check fetches the probe URL through the proxy and persists the
// resulting health state. A passing probe re-enables a soft-disabled
// record.
func (c *Checker) Check(ctx context.Context, proxyID string) (HealthResult, error) {
	rec, err := c.store.Get(ctx, proxyID)
	if err != nil {
		return HealthResult{}, fmt.Errorf("load proxy %s: %w", proxyID, err)
	}

	result := c.probe(ctx, rec)

	rec.Working = result.Working
	rec.LastChecked = c.clock.Now()
	rec.ResponseTime = result.ResponseTime
	if result.Working {
		rec.ConsecutiveFailures = 0
	}
	if err := c.store.Update(ctx, rec); err != nil {
		return HealthResult{}, fmt.Errorf("update proxy %s: %w", proxyID, err)
	}

	c.logger.Info("proxy health check",
		zap.String("proxy", proxyID),
		zap.Bool("working", result.Working),
		zap.Duration("response_time", result.ResponseTime),
	)
	return result, nil
}

func (c *Checker) probe(ctx context.Context, rec crawl.ProxyRecord) HealthResult {
	result := HealthResult{ProxyID: rec.ID}

	proxyURL, err := url.Parse(rec.URL())
	if err != nil {
		result.Error = fmt.Sprintf("parse proxy url: %v", err)
		return result
	}

	client := &http.Client{
		Timeout:   c.cfg.Timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.TestURL, nil)
	if err != nil {
		result.Error = fmt.Sprintf("build probe request: %v", err)
		return result
	}

	start := time.Now()
	resp, err := client.Do(req)
	result.ResponseTime = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close() //nolint:errcheck

	result.StatusCode = resp.StatusCode
	result.Working = resp.StatusCode >= 200 && resp.StatusCode < 400
	if !result.Working {
		result.Error = fmt.Sprintf("probe returned status %d", resp.StatusCode)
	}
	return result
}
