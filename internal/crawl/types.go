// Package crawl defines core types shared across subsystems.
package crawl

import (
	"fmt"
	"time"
)

// Stage identifies one step of the crawl pipeline.
type Stage string

// Pipeline stages, in flow order.
const (
	StageCategory      Stage = "CATEGORY"
	StageProductList   Stage = "PRODUCT_LIST"
	StageProductDetail Stage = "PRODUCT_DETAIL"
)

// NextStage returns the stage fed by this stage's output, or "" for
// the final stage.
func (s Stage) NextStage() Stage {
	switch s {
	case StageCategory:
		return StageProductList
	case StageProductList:
		return StageProductDetail
	default:
		return ""
	}
}

// CrawlType selects which stages a crawl chains together.
type CrawlType string

// Supported crawl types.
const (
	CrawlTypeProduct   CrawlType = "PRODUCT"
	CrawlTypeNutrition CrawlType = "NUTRITION"
	CrawlTypeBoth      CrawlType = "BOTH"
)

// Stages expands a crawl type into the stage sequence it runs. The
// sequence is composed here, at session-start time, so workers never
// branch on the crawl type.
func (t CrawlType) Stages() ([]Stage, error) {
	switch t {
	case CrawlTypeProduct:
		return []Stage{StageCategory, StageProductList}, nil
	case CrawlTypeNutrition:
		return []Stage{StageProductDetail}, nil
	case CrawlTypeBoth:
		return []Stage{StageCategory, StageProductList, StageProductDetail}, nil
	default:
		return nil, fmt.Errorf("unknown crawl type %q", string(t))
	}
}

// SessionStatus represents the lifecycle state of a crawl session.
type SessionStatus string

// Session status values persisted in the session store.
const (
	SessionPending   SessionStatus = "PENDING"
	SessionRunning   SessionStatus = "RUNNING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal sessions are
// immutable.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// SessionCounters tracks per-session progress. Mutated only by the
// owning stage worker while the session is RUNNING.
type SessionCounters struct {
	ItemsProcessed     int `json:"items_processed"`
	ItemsSucceeded     int `json:"items_succeeded"`
	ItemsFailed        int `json:"items_failed"`
	CategoriesFound    int `json:"categories_found"`
	ProductsFound      int `json:"products_found"`
	ProductsUpdated    int `json:"products_updated"`
	NutritionExtracted int `json:"nutrition_extracted"`
	NutritionErrors    int `json:"nutrition_errors"`
}

// Session represents one invocation of a pipeline stage.
type Session struct {
	ID          string          `json:"id"`
	Stage       Stage           `json:"stage"`
	Status      SessionStatus   `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Counters    SessionCounters `json:"counters"`
	ErrorText   string          `json:"error_text,omitempty"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
}

// Duration returns elapsed wall time, using now for open sessions.
func (s Session) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// ItemStatus is the state of one work queue item.
type ItemStatus string

// Work item status values.
const (
	ItemPending    ItemStatus = "PENDING"
	ItemInProgress ItemStatus = "IN_PROGRESS"
	ItemDone       ItemStatus = "DONE"
	ItemError      ItemStatus = "ERROR"
)

// WorkItem is one unit of pending work in a stage queue.
type WorkItem struct {
	ID         string     `json:"id"`
	Stage      Stage      `json:"stage"`
	Target     string     `json:"target"`
	Status     ItemStatus `json:"status"`
	Retries    int        `json:"retries"`
	LastError  string     `json:"last_error,omitempty"`
	ClaimedBy  string     `json:"claimed_by,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// QueueCounts summarizes a stage queue by item status.
type QueueCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Errored    int `json:"errored"`
}

// ProxyTier ranks proxy quality and cost.
type ProxyTier string

// Proxy tiers, best first.
const (
	TierPremium  ProxyTier = "premium"
	TierStandard ProxyTier = "standard"
	TierFree     ProxyTier = "free"
)

// Paid reports whether requests through this tier incur cost.
func (t ProxyTier) Paid() bool {
	return t == TierPremium || t == TierStandard
}

// SuccessRateWeight is the exponential weighting applied to a proxy's
// rolling success rate when an outcome is recorded.
const SuccessRateWeight = 0.9

// ProxyRecord is one proxy endpoint with live health and cost state.
type ProxyRecord struct {
	ID                  string        `json:"id"` // host:port
	Provider            string        `json:"provider"`
	Tier                ProxyTier     `json:"tier"`
	Enabled             bool          `json:"enabled"`
	Working             bool          `json:"working"`
	SuccessRate         float64       `json:"success_rate"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CostPerRequest      float64       `json:"cost_per_request"`
	RecentUses          int64         `json:"recent_uses"`
	ResponseTime        time.Duration `json:"response_time"`
	Username            string        `json:"-"`
	Password            string        `json:"-"`
	LastUsed            time.Time     `json:"last_used"`
	LastChecked         time.Time     `json:"last_checked"`
}

// URL renders the record as a proxy URL usable by an HTTP transport.
func (r ProxyRecord) URL() string {
	if r.Username != "" {
		return fmt.Sprintf("http://%s:%s@%s", r.Username, r.Password, r.ID)
	}
	return "http://" + r.ID
}

// ProviderConfig holds administrative settings for one proxy provider.
type ProviderConfig struct {
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name"`
	Enabled        bool      `json:"enabled"`
	Tier           ProxyTier `json:"tier"`
	CostPerRequest float64   `json:"cost_per_request"`
	Username       string    `json:"-"`
	Password       string    `json:"-"`
}

// BudgetEntry is one (provider, day) row of the spend ledger. Rows
// for past days are immutable history.
type BudgetEntry struct {
	Provider string    `json:"provider"`
	Day      time.Time `json:"day"`
	Spent    float64   `json:"spent"`
}

// CategoryRecord is a discovered retailer category.
type CategoryRecord struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	ParentCode string `json:"parent_code,omitempty"`
	Active     bool   `json:"active"`
}

// ProductRecord is a product listing extracted from a category page.
type ProductRecord struct {
	RetailerID   string  `json:"retailer_id"`
	Name         string  `json:"name"`
	Price        float64 `json:"price"`
	WasPrice     float64 `json:"was_price,omitempty"`
	Unit         string  `json:"unit,omitempty"`
	URL          string  `json:"url"`
	CategoryCode string  `json:"category_code"`
	InStock      bool    `json:"in_stock"`
	SpecialOffer string  `json:"special_offer,omitempty"`
	Rating       float64 `json:"rating,omitempty"`
}

// NutritionRecord holds per-100g nutrition values for a product.
type NutritionRecord struct {
	RetailerID string            `json:"retailer_id"`
	Values     map[string]string `json:"values"`
}

// CatalogStats aggregates the extracted catalog for idle status reads.
type CatalogStats struct {
	Categories            int `json:"total_categories"`
	Products              int `json:"total_products"`
	ProductsWithNutrition int `json:"products_with_nutrition"`
}

// FetchRequest captures everything needed to fetch one page.
type FetchRequest struct {
	URL      string
	ProxyURL string
	Timeout  time.Duration
}

// RawPage is the result returned by a Fetcher implementation.
type RawPage struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
	FetchedVia string
}

// StageResult is what an Extractor pulls out of one page. NextTargets
// feed the following stage's queue.
type StageResult struct {
	Categories  []CategoryRecord
	Products    []ProductRecord
	Nutrition   *NutritionRecord
	NextTargets []string
}

// SessionEvent is published on session lifecycle transitions.
type SessionEvent struct {
	SessionID string          `json:"session_id"`
	Stage     Stage           `json:"stage"`
	Status    SessionStatus   `json:"status"`
	Counters  SessionCounters `json:"counters"`
	ErrorText string          `json:"error_text,omitempty"`
	At        time.Time       `json:"at"`
}
