package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// ProxyStore implements crawl.ProxyStore on Postgres.
type ProxyStore struct {
	pool dbpool
}

// NewProxyStore constructs a ProxyStore on an existing pool.
func NewProxyStore(pool dbpool) (*ProxyStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProxyStore{pool: pool}, nil
}

const proxyColumns = `id, provider, tier, enabled, working, success_rate,
	consecutive_failures, cost_per_request, recent_uses, response_time_ms,
	username, password, last_used, last_checked`

// Add inserts a new proxy row.
func (s *ProxyStore) Add(ctx context.Context, rec crawl.ProxyRecord) error {
	query := `
		INSERT INTO proxies (id, provider, tier, enabled, working, success_rate,
			consecutive_failures, cost_per_request, recent_uses, response_time_ms,
			username, password, last_used, last_checked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Provider, string(rec.Tier), rec.Enabled, rec.Working,
		rec.SuccessRate, rec.ConsecutiveFailures, rec.CostPerRequest,
		rec.RecentUses, rec.ResponseTime.Milliseconds(),
		rec.Username, rec.Password, nullTime(rec.LastUsed), nullTime(rec.LastChecked),
	)
	if err != nil {
		return fmt.Errorf("insert proxy: %w", err)
	}
	return nil
}

// Get fetches a proxy record by ID.
func (s *ProxyStore) Get(ctx context.Context, id string) (crawl.ProxyRecord, error) {
	query := `SELECT ` + proxyColumns + ` FROM proxies WHERE id = $1;`
	rec, err := scanProxy(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.ProxyRecord{}, crawl.ErrProxyNotFound
		}
		return crawl.ProxyRecord{}, fmt.Errorf("get proxy: %w", err)
	}
	return rec, nil
}

// Update overwrites a proxy's mutable state.
func (s *ProxyStore) Update(ctx context.Context, rec crawl.ProxyRecord) error {
	query := `
		UPDATE proxies
		SET enabled = $2, working = $3, success_rate = $4,
		    consecutive_failures = $5, recent_uses = $6,
		    response_time_ms = $7, last_used = $8, last_checked = $9
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Enabled, rec.Working, rec.SuccessRate,
		rec.ConsecutiveFailures, rec.RecentUses,
		rec.ResponseTime.Milliseconds(), nullTime(rec.LastUsed), nullTime(rec.LastChecked),
	)
	if err != nil {
		return fmt.Errorf("update proxy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrProxyNotFound
	}
	return nil
}

// RecordOutcome folds one request outcome into the record's health
// state in a single UPDATE, so concurrent callers never lose each
// other's failures. The CASE expressions read the pre-update row
// values.
func (s *ProxyStore) RecordOutcome(ctx context.Context, id string, success bool, failureThreshold int) (crawl.ProxyRecord, error) {
	hit := 0.0
	if success {
		hit = 1.0
	}
	query := `
		UPDATE proxies
		SET success_rate = success_rate * $2 + $3 * (1.0 - $2),
		    consecutive_failures = CASE WHEN $4 THEN 0 ELSE consecutive_failures + 1 END,
		    working = working AND ($4 OR consecutive_failures + 1 < $5)
		WHERE id = $1
		RETURNING ` + proxyColumns + `;
	`
	rec, err := scanProxy(s.pool.QueryRow(ctx, query,
		id, crawl.SuccessRateWeight, hit, success, failureThreshold,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.ProxyRecord{}, crawl.ErrProxyNotFound
		}
		return crawl.ProxyRecord{}, fmt.Errorf("record proxy outcome: %w", err)
	}
	return rec, nil
}

// MarkUsed bumps the record's usage counter and last-used timestamp.
func (s *ProxyStore) MarkUsed(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE proxies
		SET recent_uses = recent_uses + 1, last_used = $2
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("mark proxy used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrProxyNotFound
	}
	return nil
}

// ListAvailable returns enabled, working records of enabled providers,
// ordered by ID.
func (s *ProxyStore) ListAvailable(ctx context.Context) ([]crawl.ProxyRecord, error) {
	query := `
		SELECT ` + proxyColumns + `
		FROM proxies
		WHERE enabled AND working
		  AND provider IN (SELECT name FROM proxy_providers WHERE enabled)
		ORDER BY id;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	var out []crawl.ProxyRecord
	for rows.Next() {
		rec, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxy rows: %w", err)
	}
	return out, nil
}

// Providers lists provider configurations ordered by name.
func (s *ProxyStore) Providers(ctx context.Context) ([]crawl.ProviderConfig, error) {
	query := `
		SELECT name, display_name, enabled, tier, cost_per_request, username, password
		FROM proxy_providers
		ORDER BY name;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []crawl.ProviderConfig
	for rows.Next() {
		var (
			p    crawl.ProviderConfig
			tier string
		)
		if err := rows.Scan(&p.Name, &p.DisplayName, &p.Enabled, &tier,
			&p.CostPerRequest, &p.Username, &p.Password); err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		p.Tier = crawl.ProxyTier(tier)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider rows: %w", err)
	}
	return out, nil
}

// UpsertProvider inserts or replaces a provider configuration.
func (s *ProxyStore) UpsertProvider(ctx context.Context, p crawl.ProviderConfig) error {
	query := `
		INSERT INTO proxy_providers (name, display_name, enabled, tier, cost_per_request, username, password)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    enabled = EXCLUDED.enabled,
		    tier = EXCLUDED.tier,
		    cost_per_request = EXCLUDED.cost_per_request,
		    username = EXCLUDED.username,
		    password = EXCLUDED.password;
	`
	_, err := s.pool.Exec(ctx, query,
		p.Name, p.DisplayName, p.Enabled, string(p.Tier),
		p.CostPerRequest, p.Username, p.Password,
	)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

// SetProviderEnabled toggles a provider.
func (s *ProxyStore) SetProviderEnabled(ctx context.Context, name string, enabled bool) error {
	query := `UPDATE proxy_providers SET enabled = $2 WHERE name = $1;`
	tag, err := s.pool.Exec(ctx, query, name, enabled)
	if err != nil {
		return fmt.Errorf("set provider enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrProviderNotFound
	}
	return nil
}

func scanProxy(row pgx.Row) (crawl.ProxyRecord, error) {
	var (
		rec            crawl.ProxyRecord
		tier           string
		responseTimeMs int64
		lastUsed       *time.Time
		lastChecked    *time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.Provider, &tier, &rec.Enabled, &rec.Working,
		&rec.SuccessRate, &rec.ConsecutiveFailures, &rec.CostPerRequest,
		&rec.RecentUses, &responseTimeMs,
		&rec.Username, &rec.Password, &lastUsed, &lastChecked,
	)
	if err != nil {
		return crawl.ProxyRecord{}, err
	}
	rec.Tier = crawl.ProxyTier(tier)
	rec.ResponseTime = time.Duration(responseTimeMs) * time.Millisecond
	if lastUsed != nil {
		rec.LastUsed = *lastUsed
	}
	if lastChecked != nil {
		rec.LastChecked = *lastChecked
	}
	return rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
