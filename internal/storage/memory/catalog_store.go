package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// CatalogStore keeps extracted catalog entities keyed by their retailer
// identifiers.
type CatalogStore struct {
	mu         sync.RWMutex
	categories map[string]crawl.CategoryRecord
	products   map[string]crawl.ProductRecord
	nutrition  map[string]crawl.NutritionRecord
}

// NewCatalogStore constructs a CatalogStore.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{
		categories: make(map[string]crawl.CategoryRecord),
		products:   make(map[string]crawl.ProductRecord),
		nutrition:  make(map[string]crawl.NutritionRecord),
	}
}

// UpsertCategory stores a category by code and reports whether it was
// newly created.
func (s *CatalogStore) UpsertCategory(_ context.Context, cat crawl.CategoryRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.categories[cat.Code]
	s.categories[cat.Code] = cat
	return !existed, nil
}

// UpsertProduct stores a product by retailer ID and reports whether it
// was newly created.
func (s *CatalogStore) UpsertProduct(_ context.Context, prod crawl.ProductRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.products[prod.RetailerID]
	s.products[prod.RetailerID] = prod
	return !existed, nil
}

// UpsertNutrition stores nutrition values by retailer ID.
func (s *CatalogStore) UpsertNutrition(_ context.Context, rec crawl.NutritionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nutrition[rec.RetailerID] = rec
	return nil
}

// ProductIDs lists known retailer product IDs in sorted order.
func (s *CatalogStore) ProductIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.products))
	for id := range s.products {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Stats aggregates catalog totals.
func (s *CatalogStore) Stats(_ context.Context) (crawl.CatalogStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return crawl.CatalogStats{
		Categories:            len(s.categories),
		Products:              len(s.products),
		ProductsWithNutrition: len(s.nutrition),
	}, nil
}

// Category fetches one category by code; used by tests.
func (s *CatalogStore) Category(code string) (crawl.CategoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cat, ok := s.categories[code]
	return cat, ok
}

// Product fetches one product by retailer ID; used by tests.
func (s *CatalogStore) Product(retailerID string) (crawl.ProductRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prod, ok := s.products[retailerID]
	return prod, ok
}
