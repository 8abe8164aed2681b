package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// CatalogStore implements crawl.CatalogStore on Postgres. Upserts use
// the xmax trick to report whether the row was inserted or updated.
type CatalogStore struct {
	pool dbpool
}

// NewCatalogStore constructs a CatalogStore on an existing pool.
func NewCatalogStore(pool dbpool) (*CatalogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CatalogStore{pool: pool}, nil
}

// UpsertCategory stores a category by code and reports whether it was
// newly created.
func (s *CatalogStore) UpsertCategory(ctx context.Context, cat crawl.CategoryRecord) (bool, error) {
	query := `
		INSERT INTO categories (code, name, parent_code, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name,
		    parent_code = EXCLUDED.parent_code,
		    active = EXCLUDED.active
		RETURNING (xmax = 0);
	`
	var created bool
	err := s.pool.QueryRow(ctx, query, cat.Code, cat.Name, cat.ParentCode, cat.Active).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert category: %w", err)
	}
	return created, nil
}

// UpsertProduct stores a product by retailer ID and reports whether it
// was newly created.
func (s *CatalogStore) UpsertProduct(ctx context.Context, prod crawl.ProductRecord) (bool, error) {
	query := `
		INSERT INTO products (retailer_id, name, price, was_price, unit, url,
			category_code, in_stock, special_offer, rating)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (retailer_id) DO UPDATE
		SET name = EXCLUDED.name,
		    price = EXCLUDED.price,
		    was_price = EXCLUDED.was_price,
		    unit = EXCLUDED.unit,
		    url = EXCLUDED.url,
		    category_code = EXCLUDED.category_code,
		    in_stock = EXCLUDED.in_stock,
		    special_offer = EXCLUDED.special_offer,
		    rating = EXCLUDED.rating
		RETURNING (xmax = 0);
	`
	var created bool
	err := s.pool.QueryRow(ctx, query,
		prod.RetailerID, prod.Name, prod.Price, prod.WasPrice, prod.Unit,
		prod.URL, prod.CategoryCode, prod.InStock, prod.SpecialOffer, prod.Rating,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert product: %w", err)
	}
	return created, nil
}

// UpsertNutrition stores nutrition values by retailer ID.
func (s *CatalogStore) UpsertNutrition(ctx context.Context, rec crawl.NutritionRecord) error {
	values, err := json.Marshal(rec.Values)
	if err != nil {
		return fmt.Errorf("marshal nutrition values: %w", err)
	}
	query := `
		INSERT INTO nutrition (retailer_id, values_json)
		VALUES ($1, $2)
		ON CONFLICT (retailer_id) DO UPDATE
		SET values_json = EXCLUDED.values_json;
	`
	if _, err := s.pool.Exec(ctx, query, rec.RetailerID, values); err != nil {
		return fmt.Errorf("upsert nutrition: %w", err)
	}
	return nil
}

// ProductIDs lists known retailer product IDs in sorted order.
func (s *CatalogStore) ProductIDs(ctx context.Context) ([]string, error) {
	query := `SELECT retailer_id FROM products ORDER BY retailer_id;`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list product ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan product id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product ids: %w", err)
	}
	return out, nil
}

// Stats aggregates catalog totals.
func (s *CatalogStore) Stats(ctx context.Context) (crawl.CatalogStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM categories),
			(SELECT COUNT(*) FROM products),
			(SELECT COUNT(*) FROM nutrition);
	`
	var stats crawl.CatalogStats
	err := s.pool.QueryRow(ctx, query).Scan(
		&stats.Categories, &stats.Products, &stats.ProductsWithNutrition,
	)
	if err != nil {
		return crawl.CatalogStats{}, fmt.Errorf("read catalog stats: %w", err)
	}
	return stats, nil
}
