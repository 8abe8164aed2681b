package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// ProxyStore keeps proxy records and provider configuration in maps.
type ProxyStore struct {
	mu        sync.RWMutex
	records   map[string]crawl.ProxyRecord
	providers map[string]crawl.ProviderConfig
}

// NewProxyStore constructs a ProxyStore.
func NewProxyStore() *ProxyStore {
	return &ProxyStore{
		records:   make(map[string]crawl.ProxyRecord),
		providers: make(map[string]crawl.ProviderConfig),
	}
}

// Add stores a new proxy record.
func (s *ProxyStore) Add(_ context.Context, rec crawl.ProxyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("proxy %s already exists", rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

// Get fetches a proxy record by ID.
func (s *ProxyStore) Get(_ context.Context, id string) (crawl.ProxyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return crawl.ProxyRecord{}, crawl.ErrProxyNotFound
	}
	return rec, nil
}

// Update overwrites an existing proxy record.
func (s *ProxyStore) Update(_ context.Context, rec crawl.ProxyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return crawl.ErrProxyNotFound
	}
	s.records[rec.ID] = rec
	return nil
}

// RecordOutcome folds one request outcome into the record's health
// state under the store lock, so concurrent callers each see the
// other's update.
func (s *ProxyStore) RecordOutcome(_ context.Context, id string, success bool, failureThreshold int) (crawl.ProxyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return crawl.ProxyRecord{}, crawl.ErrProxyNotFound
	}

	hit := 0.0
	if success {
		hit = 1.0
	}
	rec.SuccessRate = rec.SuccessRate*crawl.SuccessRateWeight + hit*(1-crawl.SuccessRateWeight)

	if success {
		rec.ConsecutiveFailures = 0
	} else {
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= failureThreshold {
			rec.Working = false
		}
	}
	s.records[id] = rec
	return rec, nil
}

// MarkUsed bumps the record's usage counter and last-used timestamp.
func (s *ProxyStore) MarkUsed(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return crawl.ErrProxyNotFound
	}
	rec.RecentUses++
	rec.LastUsed = now
	s.records[id] = rec
	return nil
}

// ListAvailable returns enabled, working records of enabled providers,
// ordered by ID for deterministic rotation.
func (s *ProxyStore) ListAvailable(_ context.Context) ([]crawl.ProxyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []crawl.ProxyRecord
	for _, rec := range s.records {
		if !rec.Enabled || !rec.Working {
			continue
		}
		provider, ok := s.providers[rec.Provider]
		if !ok || !provider.Enabled {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Providers lists provider configurations ordered by name.
func (s *ProxyStore) Providers(_ context.Context) ([]crawl.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]crawl.ProviderConfig, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertProvider inserts or replaces a provider configuration.
func (s *ProxyStore) UpsertProvider(_ context.Context, p crawl.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.Name] = p
	return nil
}

// SetProviderEnabled toggles a provider.
func (s *ProxyStore) SetProviderEnabled(_ context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[name]
	if !ok {
		return crawl.ErrProviderNotFound
	}
	p.Enabled = enabled
	s.providers[name] = p
	return nil
}
