package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// Ledger implements crawl.BudgetLedger on Postgres. The conditional
// upsert makes Charge atomic: the database rejects any charge that
// would push the day's total past the limit, no matter how many
// workers race.
type Ledger struct {
	pool dbpool
}

// NewLedger constructs a Ledger on an existing pool.
func NewLedger(pool dbpool) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Ledger{pool: pool}, nil
}

// Charge adds amount to the (provider, day) row unless the new total
// would exceed limit. Returns the new total, or ErrBudgetExceeded.
func (l *Ledger) Charge(ctx context.Context, provider string, day time.Time, amount, limit float64) (float64, error) {
	query := `
		INSERT INTO budget_ledger (provider, day, spent)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, day) DO UPDATE
		SET spent = budget_ledger.spent + EXCLUDED.spent
		WHERE budget_ledger.spent + EXCLUDED.spent <= $4
		RETURNING spent;
	`
	if amount > limit {
		return 0, crawl.ErrBudgetExceeded
	}
	var total float64
	err := l.pool.QueryRow(ctx, query, provider, day.UTC().Truncate(24*time.Hour), amount, limit).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, crawl.ErrBudgetExceeded
		}
		return 0, fmt.Errorf("charge budget: %w", err)
	}
	return total, nil
}

// SpentOn returns the amount charged to provider on day.
func (l *Ledger) SpentOn(ctx context.Context, provider string, day time.Time) (float64, error) {
	query := `SELECT spent FROM budget_ledger WHERE provider = $1 AND day = $2;`
	var spent float64
	err := l.pool.QueryRow(ctx, query, provider, day.UTC().Truncate(24*time.Hour)).Scan(&spent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read spend: %w", err)
	}
	return spent, nil
}

// EntriesFor lists all provider entries for one day.
func (l *Ledger) EntriesFor(ctx context.Context, day time.Time) ([]crawl.BudgetEntry, error) {
	query := `
		SELECT provider, day, spent
		FROM budget_ledger
		WHERE day = $1
		ORDER BY provider;
	`
	rows, err := l.pool.Query(ctx, query, day.UTC().Truncate(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []crawl.BudgetEntry
	for rows.Next() {
		var entry crawl.BudgetEntry
		if err := rows.Scan(&entry.Provider, &entry.Day, &entry.Spent); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}
