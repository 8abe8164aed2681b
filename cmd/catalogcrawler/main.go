// Package main wires together the catalog crawler service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/andrewbyteforge/kitchen-compass/internal/api"
	"github.com/andrewbyteforge/kitchen-compass/internal/budget"
	"github.com/andrewbyteforge/kitchen-compass/internal/clock/system"
	"github.com/andrewbyteforge/kitchen-compass/internal/config"
	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
	"github.com/andrewbyteforge/kitchen-compass/internal/dispatcher"
	"github.com/andrewbyteforge/kitchen-compass/internal/extract/testsite"
	collyfetcher "github.com/andrewbyteforge/kitchen-compass/internal/fetcher/colly"
	headlessfetcher "github.com/andrewbyteforge/kitchen-compass/internal/fetcher/headless"
	"github.com/andrewbyteforge/kitchen-compass/internal/id/uuid"
	"github.com/andrewbyteforge/kitchen-compass/internal/logging"
	"github.com/andrewbyteforge/kitchen-compass/internal/metrics"
	"github.com/andrewbyteforge/kitchen-compass/internal/proxy"
	memorypublisher "github.com/andrewbyteforge/kitchen-compass/internal/publisher/memory"
	pubsubpublisher "github.com/andrewbyteforge/kitchen-compass/internal/publisher/pubsub"
	"github.com/andrewbyteforge/kitchen-compass/internal/session"
	"github.com/andrewbyteforge/kitchen-compass/internal/storage/gcs"
	memorystorage "github.com/andrewbyteforge/kitchen-compass/internal/storage/memory"
	"github.com/andrewbyteforge/kitchen-compass/internal/storage/postgres"
	"github.com/andrewbyteforge/kitchen-compass/internal/worker"
)

type stores struct {
	sessions crawl.SessionStore
	queue    crawl.WorkQueue
	proxies  crawl.ProxyStore
	ledger   crawl.BudgetLedger
	catalog  crawl.CatalogStore
	close    func()
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	st, err := buildStores(ctx, cfg, clock, idGen, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.close()

	if err := seedProxies(ctx, cfg, st.proxies, logger); err != nil {
		logger.Fatal("proxy seed failed", zap.Error(err))
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer closePublisher()

	blobs, closeBlobs, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}
	defer closeBlobs()

	tracker := budget.NewTracker(st.ledger, clock, cfg.Budget.DailyLimit, logger.Named("budget"))
	strategy, err := proxy.NewStrategy(cfg.Proxy.Strategy)
	if err != nil {
		logger.Fatal("strategy init failed", zap.Error(err))
	}
	pool := proxy.NewPool(st.proxies, tracker, strategy, clock, proxy.Config{
		PreferPaid:       cfg.Proxy.PreferPaid,
		FailureThreshold: cfg.Proxy.FailureThreshold,
	}, logger.Named("proxy"))
	checker := proxy.NewChecker(st.proxies, clock, proxy.CheckerConfig{
		TestURL: cfg.Proxy.TestURL,
		Timeout: time.Duration(cfg.Proxy.TestTimeoutSeconds) * time.Second,
	}, logger.Named("checker"))

	fetcher, closeFetcher, err := buildFetcher(cfg, logger)
	if err != nil {
		logger.Fatal("fetcher init failed", zap.Error(err))
	}
	defer closeFetcher()

	sessions := session.NewManager(st.sessions, clock, idGen, publisher, cfg.PubSub.TopicName, logger.Named("session"))
	dispatch := dispatcher.New(
		worker.Config{
			MaxRetries:      cfg.Crawler.MaxRetries,
			FetchTimeout:    cfg.FetchTimeout(),
			ClaimPoll:       cfg.ClaimPoll(),
			ProxyRetryDelay: cfg.ProxyRetryDelay(),
			ProxyWaitMax:    cfg.ProxyWaitMax(),
		},
		cfg.Retailer.SeedCategories,
		sessions, st.queue, pool, fetcher,
		testsite.Extractors(cfg.Retailer.BaseURL),
		st.catalog, blobs, clock, logger.Named("dispatcher"),
	)

	apiServer := api.NewServer(dispatch, tracker, st.proxies, checker, st.catalog, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started")
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	dispatch.Wait()
	logger.Info("shutdown complete")
}

func buildStores(ctx context.Context, cfg config.Config, clock crawl.Clock, idGen crawl.IDGenerator, logger *zap.Logger) (stores, error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory stores")
		return stores{
			sessions: memorystorage.NewSessionStore(),
			queue:    memorystorage.NewWorkQueue(idGen, clock),
			proxies:  memorystorage.NewProxyStore(),
			ledger:   memorystorage.NewLedger(),
			catalog:  memorystorage.NewCatalogStore(),
			close:    func() {},
		}, nil
	}

	pool, err := postgres.Open(ctx, postgres.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return stores{}, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return stores{}, err
	}
	sessionStore, err := postgres.NewSessionStore(pool)
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	workQueue, err := postgres.NewWorkQueue(pool, idGen, clock)
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	proxyStore, err := postgres.NewProxyStore(pool)
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	ledger, err := postgres.NewLedger(pool)
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	catalog, err := postgres.NewCatalogStore(pool)
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	logger.Info("using postgres stores")
	return stores{
		sessions: sessionStore,
		queue:    workQueue,
		proxies:  proxyStore,
		ledger:   ledger,
		catalog:  catalog,
		close:    pool.Close,
	}, nil
}

func seedProxies(ctx context.Context, cfg config.Config, store crawl.ProxyStore, logger *zap.Logger) error {
	for _, seed := range cfg.Proxy.Seeds {
		tier := crawl.ProxyTier(seed.Tier)
		err := store.UpsertProvider(ctx, crawl.ProviderConfig{
			Name:           seed.Provider,
			DisplayName:    seed.Provider,
			Enabled:        true,
			Tier:           tier,
			CostPerRequest: seed.CostPerRequest,
			Username:       seed.Username,
			Password:       seed.Password,
		})
		if err != nil {
			return fmt.Errorf("seed provider %s: %w", seed.Provider, err)
		}
		err = store.Add(ctx, crawl.ProxyRecord{
			ID:             seed.ID,
			Provider:       seed.Provider,
			Tier:           tier,
			Enabled:        true,
			Working:        true,
			SuccessRate:    1,
			CostPerRequest: seed.CostPerRequest,
			Username:       seed.Username,
			Password:       seed.Password,
		})
		if err != nil {
			logger.Debug("proxy seed already present", zap.String("proxy", seed.ID))
			continue
		}
		logger.Info("proxy seeded", zap.String("proxy", seed.ID), zap.String("tier", string(tier)))
	}
	return nil
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawl.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		logger.Info("using in-memory publisher")
		return memorypublisher.NewPublisher(), func() {}, nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub, err := pubsubpublisher.New(client)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if cerr := pub.Close(); cerr != nil {
			logger.Warn("pubsub close error", zap.Error(cerr))
		}
	}
	return pub, closeFn, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawl.BlobStore, func(), error) {
	if cfg.Storage.GCSBucket == "" {
		logger.Info("using in-memory blob store")
		return memorystorage.NewBlobStore(), func() {}, nil
	}
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("gcs client: %w", err)
	}
	blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if cerr := client.Close(); cerr != nil {
			logger.Warn("gcs close error", zap.Error(cerr))
		}
	}
	return blobs, closeFn, nil
}

func buildFetcher(cfg config.Config, logger *zap.Logger) (crawl.Fetcher, func(), error) {
	if cfg.Headless.Enabled {
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Retailer.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("headless fetcher: %w", err)
		}
		logger.Info("using headless fetcher")
		return f, f.Close, nil
	}
	f, err := collyfetcher.NewFetcher(collyfetcher.Config{
		UserAgent:      cfg.Retailer.UserAgent,
		RequestTimeout: cfg.FetchTimeout(),
	}, logger.Named("fetcher"))
	if err != nil {
		return nil, nil, fmt.Errorf("colly fetcher: %w", err)
	}
	return f, func() {}, nil
}
