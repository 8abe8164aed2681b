// Package session coordinates crawl session lifecycles: creation,
// stop requests, counter updates, and terminal transitions.
package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/andrewbyteforge/kitchen-compass/internal/crawl"
	"github.com/andrewbyteforge/kitchen-compass/internal/metrics"
)

// Manager owns session state transitions. All starts and stop requests
// go through it so concurrent control calls serialize on one mutex.
type Manager struct {
	store     crawl.SessionStore
	clock     crawl.Clock
	ids       crawl.IDGenerator
	publisher crawl.Publisher
	topic     string
	logger    *zap.Logger

	mu          sync.Mutex
	stops       map[string]bool // session ID -> stop requested
	lastStarted string          // lead session of the latest sequence
}

// NewManager constructs a Manager. publisher may be nil when no event
// bus is configured.
func NewManager(
	store crawl.SessionStore,
	clock crawl.Clock,
	ids crawl.IDGenerator,
	publisher crawl.Publisher,
	topic string,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		store:     store,
		clock:     clock,
		ids:       ids,
		publisher: publisher,
		topic:     topic,
		logger:    logger,
		stops:     make(map[string]bool),
	}
}

// StartSequence creates one PENDING session per stage, atomically: if
// any stage already has an active session, nothing is created and
// crawl.ErrAlreadyRunning is returned. It returns the new sessions in
// stage order; the first is the lead session.
func (m *Manager) StartSequence(ctx context.Context, stages []crawl.Stage, trigger string) ([]crawl.Session, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("start sequence: no stages")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stage := range stages {
		if _, err := m.store.ActiveForStage(ctx, stage); err == nil {
			return nil, fmt.Errorf("stage %s: %w", stage, crawl.ErrAlreadyRunning)
		}
	}

	now := m.clock.Now()
	sessions := make([]crawl.Session, 0, len(stages))
	for _, stage := range stages {
		id, err := m.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generating session id: %w", err)
		}
		sess := crawl.Session{
			ID:          id,
			Stage:       stage,
			Status:      crawl.SessionPending,
			StartedAt:   now,
			TriggeredBy: trigger,
		}
		if err := m.store.Create(ctx, sess); err != nil {
			return nil, fmt.Errorf("creating session for stage %s: %w", stage, err)
		}
		sessions = append(sessions, sess)
		m.logger.Info("session created",
			zap.String("session_id", sess.ID),
			zap.String("stage", string(stage)),
			zap.String("triggered_by", trigger),
		)
	}
	m.lastStarted = sessions[0].ID
	return sessions, nil
}

// MarkRunning transitions a PENDING session to RUNNING.
func (m *Manager) MarkRunning(ctx context.Context, id string) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != crawl.SessionPending {
		return fmt.Errorf("session %s is %s, not PENDING", id, sess.Status)
	}
	sess.Status = crawl.SessionRunning
	return m.store.Update(ctx, sess)
}

// RequestStop flags a session for cooperative cancellation. Stopping a
// terminal session returns crawl.ErrNotRunning.
func (m *Manager) RequestStop(ctx context.Context, id string) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("session %s is %s: %w", id, sess.Status, crawl.ErrNotRunning)
	}

	m.mu.Lock()
	m.stops[id] = true
	m.mu.Unlock()

	m.logger.Info("stop requested", zap.String("session_id", id))
	return nil
}

// StopLatest requests a stop on the most recently started active
// session.
func (m *Manager) StopLatest(ctx context.Context) (string, error) {
	sess, err := m.store.LatestActive(ctx)
	if err != nil {
		return "", crawl.ErrNotRunning
	}
	return sess.ID, m.RequestStop(ctx, sess.ID)
}

// StopRequested reports whether a stop has been flagged for the
// session. Workers poll this at item boundaries.
func (m *Manager) StopRequested(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops[id]
}

// UpdateCounters overwrites a running session's progress counters.
func (m *Manager) UpdateCounters(ctx context.Context, id string, counters crawl.SessionCounters) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Counters = counters
	return m.store.Update(ctx, sess)
}

// Finalize transitions a session to a terminal status, stamps the end
// time, and publishes a lifecycle event. The persist uses a detached
// context so a cancelled worker still records its terminal state.
func (m *Manager) Finalize(ctx context.Context, id string, status crawl.SessionStatus, errText string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %s", status)
	}

	persistCtx := context.WithoutCancel(ctx)
	sess, err := m.store.Get(persistCtx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	now := m.clock.Now()
	sess.Status = status
	sess.EndedAt = &now
	sess.ErrorText = errText
	if err := m.store.Update(persistCtx, sess); err != nil {
		return fmt.Errorf("finalizing session %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.stops, id)
	m.mu.Unlock()

	metrics.ObserveSession(string(sess.Stage), string(status))
	m.logger.Info("session finalized",
		zap.String("session_id", id),
		zap.String("stage", string(sess.Stage)),
		zap.String("status", string(status)),
		zap.Duration("duration", sess.Duration(now)),
		zap.Int("items_processed", sess.Counters.ItemsProcessed),
	)

	if m.publisher != nil {
		event := crawl.SessionEvent{
			SessionID: sess.ID,
			Stage:     sess.Stage,
			Status:    status,
			Counters:  sess.Counters,
			ErrorText: errText,
			At:        now,
		}
		if _, err := m.publisher.Publish(persistCtx, m.topic, event); err != nil {
			m.logger.Warn("publishing session event", zap.String("session_id", id), zap.Error(err))
		}
	}
	return nil
}

// Get fetches a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (crawl.Session, error) {
	return m.store.Get(ctx, id)
}

// ActiveForStage reports the active session for a stage, if any.
func (m *Manager) ActiveForStage(ctx context.Context, stage crawl.Stage) (crawl.Session, error) {
	return m.store.ActiveForStage(ctx, stage)
}

// LatestActive reports the most recently started active session.
func (m *Manager) LatestActive(ctx context.Context) (crawl.Session, error) {
	return m.store.LatestActive(ctx)
}
