package crawl

import "errors"

// Sentinel errors shared across subsystems. Callers match with
// errors.Is; wrapped variants carry context.
var (
	// ErrAlreadyRunning rejects a start request while a session for
	// the same stage is PENDING or RUNNING.
	ErrAlreadyRunning = errors.New("crawl session already running for stage")

	// ErrNotRunning rejects a stop request for a session that is not
	// PENDING or RUNNING.
	ErrNotRunning = errors.New("crawl session not running")

	// ErrSessionNotFound is returned by session store lookups.
	ErrSessionNotFound = errors.New("crawl session not found")

	// ErrNoProxyAvailable means every tier was filtered out or
	// budget-exhausted with no free fallback.
	ErrNoProxyAvailable = errors.New("no proxy available")

	// ErrBudgetExceeded is a soft rejection: the caller should try a
	// cheaper tier, never fail the crawl.
	ErrBudgetExceeded = errors.New("daily budget exceeded")

	// ErrQueueEmpty is the non-blocking claim result when nothing is
	// pending.
	ErrQueueEmpty = errors.New("work queue empty")

	// ErrItemNotFound is returned by queue item lookups.
	ErrItemNotFound = errors.New("work item not found")

	// ErrProxyNotFound is returned by proxy store lookups.
	ErrProxyNotFound = errors.New("proxy record not found")

	// ErrProviderNotFound is returned by provider lookups.
	ErrProviderNotFound = errors.New("proxy provider not found")
)
