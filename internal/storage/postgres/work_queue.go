package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// WorkQueue implements crawl.WorkQueue on Postgres. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never receive the same
// item.
type WorkQueue struct {
	pool  dbpool
	ids   crawl.IDGenerator
	clock crawl.Clock
}

// NewWorkQueue constructs a WorkQueue on an existing pool.
func NewWorkQueue(pool dbpool, ids crawl.IDGenerator, clock crawl.Clock) (*WorkQueue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &WorkQueue{pool: pool, ids: ids, clock: clock}, nil
}

// Enqueue adds targets as PENDING items. The (stage, target) unique
// constraint makes the insert idempotent; duplicates are skipped.
func (q *WorkQueue) Enqueue(ctx context.Context, stage crawl.Stage, targets ...string) (int, error) {
	query := `
		INSERT INTO work_items (id, stage, target, status, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stage, target) DO NOTHING;
	`
	added := 0
	now := q.clock.Now()
	for _, target := range targets {
		id, err := q.ids.NewID()
		if err != nil {
			return added, fmt.Errorf("generate item id: %w", err)
		}
		tag, err := q.pool.Exec(ctx, query, id, string(stage), target, string(crawl.ItemPending), now)
		if err != nil {
			return added, fmt.Errorf("enqueue target %q: %w", target, err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// Claim atomically moves the oldest PENDING item to IN_PROGRESS for
// the owner.
func (q *WorkQueue) Claim(ctx context.Context, stage crawl.Stage, owner string) (crawl.WorkItem, error) {
	query := `
		UPDATE work_items
		SET status = $3, claimed_by = $4
		WHERE id = (
			SELECT id FROM work_items
			WHERE stage = $1 AND status = $2
			ORDER BY enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, stage, target, status, retries, last_error, claimed_by, enqueued_at;
	`
	row := q.pool.QueryRow(ctx, query,
		string(stage), string(crawl.ItemPending),
		string(crawl.ItemInProgress), owner,
	)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.WorkItem{}, crawl.ErrQueueEmpty
		}
		return crawl.WorkItem{}, fmt.Errorf("claim item: %w", err)
	}
	return item, nil
}

// Complete marks an IN_PROGRESS item DONE.
func (q *WorkQueue) Complete(ctx context.Context, itemID string) error {
	return q.transition(ctx, itemID, crawl.ItemInProgress, crawl.ItemDone)
}

// Fail requeues the item while retries remain, otherwise marks it
// ERROR. Reports whether the item was requeued. The CASE reads the
// pre-update retry count, so an item is requeued exactly maxRetries
// times before it goes to ERROR.
func (q *WorkQueue) Fail(ctx context.Context, itemID, reason string, maxRetries int) (bool, error) {
	query := `
		UPDATE work_items
		SET retries = retries + 1,
		    last_error = $2,
		    claimed_by = '',
		    status = CASE WHEN retries < $3 THEN $4 ELSE $5 END
		WHERE id = $1
		RETURNING status;
	`
	var status string
	err := q.pool.QueryRow(ctx, query,
		itemID, reason, maxRetries,
		string(crawl.ItemPending), string(crawl.ItemError),
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, crawl.ErrItemNotFound
		}
		return false, fmt.Errorf("fail item: %w", err)
	}
	return crawl.ItemStatus(status) == crawl.ItemPending, nil
}

// Release returns an IN_PROGRESS item to PENDING without touching its
// retry count.
func (q *WorkQueue) Release(ctx context.Context, itemID string) error {
	return q.transition(ctx, itemID, crawl.ItemInProgress, crawl.ItemPending)
}

func (q *WorkQueue) transition(ctx context.Context, itemID string, from, to crawl.ItemStatus) error {
	query := `
		UPDATE work_items
		SET status = $3, claimed_by = ''
		WHERE id = $1 AND status = $2;
	`
	tag, err := q.pool.Exec(ctx, query, itemID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("transition item %s to %s: %w", itemID, to, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s is not %s: %w", itemID, from, crawl.ErrItemNotFound)
	}
	return nil
}

// Counts summarizes a stage queue by item status.
func (q *WorkQueue) Counts(ctx context.Context, stage crawl.Stage) (crawl.QueueCounts, error) {
	query := `
		SELECT status, COUNT(*)
		FROM work_items
		WHERE stage = $1
		GROUP BY status;
	`
	rows, err := q.pool.Query(ctx, query, string(stage))
	if err != nil {
		return crawl.QueueCounts{}, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	var counts crawl.QueueCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return crawl.QueueCounts{}, fmt.Errorf("scan count row: %w", err)
		}
		switch crawl.ItemStatus(status) {
		case crawl.ItemPending:
			counts.Pending = n
		case crawl.ItemInProgress:
			counts.InProgress = n
		case crawl.ItemDone:
			counts.Done = n
		case crawl.ItemError:
			counts.Errored = n
		}
	}
	if err := rows.Err(); err != nil {
		return crawl.QueueCounts{}, fmt.Errorf("iterate count rows: %w", err)
	}
	return counts, nil
}

func scanItem(row pgx.Row) (crawl.WorkItem, error) {
	var (
		item   crawl.WorkItem
		stage  string
		status string
	)
	err := row.Scan(
		&item.ID, &stage, &item.Target, &status,
		&item.Retries, &item.LastError, &item.ClaimedBy, &item.EnqueuedAt,
	)
	if err != nil {
		return crawl.WorkItem{}, err
	}
	item.Stage = crawl.Stage(stage)
	item.Status = crawl.ItemStatus(status)
	return item, nil
}
