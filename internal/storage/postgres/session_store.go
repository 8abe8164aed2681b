package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
)

// SessionStore implements crawl.SessionStore on Postgres.
type SessionStore struct {
	pool dbpool
}

// NewSessionStore constructs a SessionStore on an existing pool.
func NewSessionStore(pool dbpool) (*SessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SessionStore{pool: pool}, nil
}

const sessionColumns = `id, stage, status, started_at, ended_at, counters, error_text, triggered_by`

// Create inserts a new session row.
func (s *SessionStore) Create(ctx context.Context, sess crawl.Session) error {
	counters, err := json.Marshal(sess.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := `
		INSERT INTO crawl_sessions (id, stage, status, started_at, ended_at, counters, error_text, triggered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err = s.pool.Exec(ctx, query,
		sess.ID, string(sess.Stage), string(sess.Status), sess.StartedAt,
		sess.EndedAt, counters, sess.ErrorText, sess.TriggeredBy,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Update overwrites an existing session. Terminal rows are immutable:
// the update is conditioned on the stored status being non-terminal.
func (s *SessionStore) Update(ctx context.Context, sess crawl.Session) error {
	counters, err := json.Marshal(sess.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := `
		UPDATE crawl_sessions
		SET status = $2, ended_at = $3, counters = $4, error_text = $5
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED');
	`
	tag, err := s.pool.Exec(ctx, query,
		sess.ID, string(sess.Status), sess.EndedAt, counters, sess.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, gerr := s.Get(ctx, sess.ID)
		if gerr != nil {
			return gerr
		}
		return fmt.Errorf("session %s is terminal (%s)", sess.ID, cur.Status)
	}
	return nil
}

// Get fetches a session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (crawl.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM crawl_sessions WHERE id = $1;`
	return s.scanSession(s.pool.QueryRow(ctx, query, id))
}

// ActiveForStage returns the PENDING/RUNNING session for the stage.
func (s *SessionStore) ActiveForStage(ctx context.Context, stage crawl.Stage) (crawl.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM crawl_sessions
		WHERE stage = $1 AND status IN ('PENDING', 'RUNNING')
		ORDER BY started_at
		LIMIT 1;
	`
	return s.scanSession(s.pool.QueryRow(ctx, query, string(stage)))
}

// LatestActive returns the most recently started non-terminal session.
func (s *SessionStore) LatestActive(ctx context.Context) (crawl.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM crawl_sessions
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY started_at DESC
		LIMIT 1;
	`
	return s.scanSession(s.pool.QueryRow(ctx, query))
}

func (s *SessionStore) scanSession(row pgx.Row) (crawl.Session, error) {
	var (
		sess     crawl.Session
		stage    string
		status   string
		counters []byte
	)
	err := row.Scan(
		&sess.ID, &stage, &status, &sess.StartedAt,
		&sess.EndedAt, &counters, &sess.ErrorText, &sess.TriggeredBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Session{}, crawl.ErrSessionNotFound
		}
		return crawl.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Stage = crawl.Stage(stage)
	sess.Status = crawl.SessionStatus(status)
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &sess.Counters); err != nil {
			return crawl.Session{}, fmt.Errorf("unmarshal counters: %w", err)
		}
	}
	return sess, nil
}
