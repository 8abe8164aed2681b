// Package colly provides an HTTP Fetcher built on the Colly collector.
package colly

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// Config tunes the shared collector.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	Parallelism    int
}

// Fetcher implements crawl.Fetcher using a cloned Colly collector per
// request, so each fetch can route through its own proxy.
type Fetcher struct {
	base   *colly.Collector
	logger *zap.Logger
}

// NewFetcher constructs a configured Colly-based Fetcher.
func NewFetcher(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	base := colly.NewCollector(colly.UserAgent(cfg.UserAgent))
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       cfg.Parallelism * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
	}); err != nil {
		return nil, fmt.Errorf("configuring collector limits: %w", err)
	}

	return &Fetcher{base: base, logger: logger}, nil
}

type fetchResult struct {
	page crawl.RawPage
	err  error
}

// Fetch retrieves one page, routing through req.ProxyURL when set.
func (f *Fetcher) Fetch(ctx context.Context, req crawl.FetchRequest) (crawl.RawPage, error) {
	collector := f.base.Clone()
	if req.Timeout > 0 {
		collector.SetRequestTimeout(req.Timeout)
	}
	if req.ProxyURL != "" {
		if err := collector.SetProxy(req.ProxyURL); err != nil {
			return crawl.RawPage{}, fmt.Errorf("setting proxy: %w", err)
		}
	}

	start := time.Now()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{page: crawl.RawPage{
			URL:        req.URL,
			StatusCode: r.StatusCode,
			Body:       append([]byte{}, r.Body...),
			Duration:   time.Since(start),
			FetchedVia: req.ProxyURL,
		}})
	})

	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		// A non-2xx status reaches OnError with the response attached;
		// surface it as a page so callers can apply status policy.
		if r != nil && r.StatusCode > 0 {
			send(fetchResult{page: crawl.RawPage{
				URL:        req.URL,
				StatusCode: r.StatusCode,
				Body:       append([]byte{}, r.Body...),
				Duration:   time.Since(start),
				FetchedVia: req.ProxyURL,
			}})
			return
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(req.URL); err != nil {
		return crawl.RawPage{}, fmt.Errorf("visiting %s: %w", req.URL, err)
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return crawl.RawPage{}, err
		}
		if res.err != nil {
			return crawl.RawPage{}, res.err
		}
		return res.page, nil
	default:
		return crawl.RawPage{}, errors.New("colly fetch produced no result")
	}
}
