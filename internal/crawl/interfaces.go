package crawl

import (
	"context"
	"time"
)

// SessionStore persists crawl session records.
type SessionStore interface {
	Create(ctx context.Context, sess Session) error
	Update(ctx context.Context, sess Session) error
	Get(ctx context.Context, id string) (Session, error)
	// ActiveForStage returns the PENDING or RUNNING session for the
	// stage, or ErrSessionNotFound.
	ActiveForStage(ctx context.Context, stage Stage) (Session, error)
	// LatestActive returns the most recently started PENDING or
	// RUNNING session across all stages, or ErrSessionNotFound.
	LatestActive(ctx context.Context) (Session, error)
}

// WorkQueue is the ordered, durable backlog for all pipeline stages,
// partitioned by stage. Claim is atomic: an item is handed to exactly
// one owner.
type WorkQueue interface {
	// Enqueue adds targets as PENDING items, skipping targets already
	// queued for the stage. Returns the number actually added.
	Enqueue(ctx context.Context, stage Stage, targets ...string) (int, error)
	// Claim moves one PENDING item to IN_PROGRESS for the owner. It
	// never blocks; ErrQueueEmpty means nothing is pending.
	Claim(ctx context.Context, stage Stage, owner string) (WorkItem, error)
	Complete(ctx context.Context, itemID string) error
	// Fail requeues the item as PENDING while its retry count is
	// below maxRetries, otherwise marks it ERROR permanently. Reports
	// whether the item was requeued.
	Fail(ctx context.Context, itemID, reason string, maxRetries int) (bool, error)
	// Release returns an IN_PROGRESS item to PENDING without touching
	// its retry count, used on cooperative cancellation.
	Release(ctx context.Context, itemID string) error
	Counts(ctx context.Context, stage Stage) (QueueCounts, error)
}

// CatalogStore upserts extracted domain entities keyed by their
// stable retailer identifiers. Upserts report whether a new row was
// created.
type CatalogStore interface {
	UpsertCategory(ctx context.Context, cat CategoryRecord) (bool, error)
	UpsertProduct(ctx context.Context, prod ProductRecord) (bool, error)
	UpsertNutrition(ctx context.Context, rec NutritionRecord) error
	// ProductIDs lists known retailer product IDs; used to seed
	// detail-stage crawls that run without an upstream list stage.
	ProductIDs(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (CatalogStats, error)
}

// ProxyStore holds proxy records and provider configuration.
type ProxyStore interface {
	Add(ctx context.Context, rec ProxyRecord) error
	Get(ctx context.Context, id string) (ProxyRecord, error)
	Update(ctx context.Context, rec ProxyRecord) error
	// ListAvailable returns enabled, working records whose provider
	// is enabled.
	ListAvailable(ctx context.Context) ([]ProxyRecord, error)
	// RecordOutcome folds one request outcome into the record's health
	// state in a single atomic step: the success rate EWMA, the
	// consecutive-failure run, and the working flag once failures reach
	// failureThreshold. Concurrent callers never lose each other's
	// outcomes. Returns the updated record.
	RecordOutcome(ctx context.Context, id string, success bool, failureThreshold int) (ProxyRecord, error)
	// MarkUsed atomically bumps the record's usage counter and
	// last-used timestamp.
	MarkUsed(ctx context.Context, id string, now time.Time) error
	Providers(ctx context.Context) ([]ProviderConfig, error)
	UpsertProvider(ctx context.Context, p ProviderConfig) error
	SetProviderEnabled(ctx context.Context, name string, enabled bool) error
}

// BudgetLedger accumulates per-provider, per-day spend.
type BudgetLedger interface {
	// Charge atomically adds amount to the (provider, day) entry and
	// returns the new total, or ErrBudgetExceeded if the entry would
	// pass limit. Concurrent callers never jointly exceed limit.
	Charge(ctx context.Context, provider string, day time.Time, amount, limit float64) (float64, error)
	SpentOn(ctx context.Context, provider string, day time.Time) (float64, error)
	EntriesFor(ctx context.Context, day time.Time) ([]BudgetEntry, error)
}

// ProxyPool selects proxies for outbound requests and records
// outcomes.
type ProxyPool interface {
	Acquire(ctx context.Context) (ProxyRecord, error)
	Release(ctx context.Context, rec ProxyRecord, success bool) error
}

// Fetcher fetches one page, optionally through a proxy.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (RawPage, error)
}

// Extractor is the per-retailer, per-stage parsing strategy injected
// into stage workers.
type Extractor interface {
	// PageURL builds the page URL for a queue target.
	PageURL(target string) string
	Extract(page RawPage) (StageResult, error)
}

// Publisher pushes session lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and item IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
