package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/funnel/internal/config"
	"github.com/pitabwire/funnel/internal/observability"
	"github.com/pitabwire/funnel/model"
)

// SnapshotStore persists the last-known-good data of a subject's store.
type SnapshotStore interface {
	Load(ctx context.Context, subjectID string) (*model.Snapshot, bool, error)
	Save(ctx context.Context, subjectID string, snap model.Snapshot, ttl time.Duration) error
}

// SessionsOption configures Sessions.
type SessionsOption func(*Sessions)

// WithSessionLogger sets the logger handed to every store.
func WithSessionLogger(l *zap.Logger) SessionsOption {
	return func(s *Sessions) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSessionMetrics sets the metrics handed to every store.
func WithSessionMetrics(m *observability.Metrics) SessionsOption {
	return func(s *Sessions) { s.metrics = m }
}

// WithSessionListener adds a listener attached to every store.
func WithSessionListener(l Listener) SessionsOption {
	return func(s *Sessions) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// WithSnapshots warms new stores from snaps and saves a snapshot after every
// successful refresh.
func WithSnapshots(snaps SnapshotStore, ttl time.Duration) SessionsOption {
	return func(s *Sessions) {
		s.snapshots = snaps
		s.snapshotTTL = ttl
	}
}

// Sessions keeps one Store per authenticated subject and evicts idle ones.
type Sessions struct {
	svc         Service
	cfg         config.SessionsConfig
	logger      *zap.Logger
	metrics     *observability.Metrics
	listeners   []Listener
	snapshots   SnapshotStore
	snapshotTTL time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	store    *Store
	lastUsed time.Time
}

// NewSessions creates an empty session registry over svc.
func NewSessions(svc Service, cfg config.SessionsConfig, opts ...SessionsOption) *Sessions {
	s := &Sessions{
		svc:      svc,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the subject's store, creating it on first use.
func (s *Sessions) Get(ctx context.Context, subjectID string) (*Store, error) {
	if subjectID == "" {
		return nil, model.NewUnauthorizedError("a subject is required")
	}

	s.mu.Lock()
	if sess, ok := s.sessions[subjectID]; ok {
		sess.lastUsed = s.now()
		s.mu.Unlock()
		return sess.store, nil
	}
	s.mu.Unlock()

	store := s.newStore(ctx, subjectID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[subjectID]; ok {
		sess.lastUsed = s.now()
		return sess.store, nil
	}
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		s.evictOldestLocked()
	}
	s.sessions[subjectID] = &session{store: store, lastUsed: s.now()}
	s.metrics.SetActiveSessions(len(s.sessions))
	observability.RequestLogger(ctx, s.logger).Info("pipeline session started",
		zap.Int("active_sessions", len(s.sessions)))
	return store, nil
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep evicts sessions idle for longer than the configured TTL and returns
// how many were evicted.
func (s *Sessions) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for subject, sess := range s.sessions {
		if now.Sub(sess.lastUsed) <= s.cfg.IdleTTL {
			continue
		}
		delete(s.sessions, subject)
		s.metrics.RecordSessionEviction()
		evicted++
	}
	if evicted > 0 {
		s.metrics.SetActiveSessions(len(s.sessions))
		s.logger.Info("evicted idle pipeline sessions",
			zap.Int("evicted", evicted),
			zap.Int("active_sessions", len(s.sessions)))
	}
	return evicted
}

// Run sweeps idle sessions until ctx is done.
func (s *Sessions) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

func (s *Sessions) newStore(ctx context.Context, subjectID string) *Store {
	opts := []StoreOption{
		WithSubject(subjectID),
		WithLogger(s.logger),
		WithMetrics(s.metrics),
	}
	for _, l := range s.listeners {
		opts = append(opts, WithListener(l))
	}

	var store *Store
	if s.snapshots != nil {
		opts = append(opts, WithListener(ListenerFunc(func(ctx context.Context, ev ChangeEvent) {
			if ev.Action == ActionRefreshed {
				s.saveSnapshot(ctx, subjectID, store)
			}
		})))
	}
	store = NewStore(s.svc, opts...)

	if s.snapshots != nil {
		snap, ok, err := s.snapshots.Load(ctx, subjectID)
		switch {
		case err != nil:
			observability.RequestLogger(ctx, s.logger).Warn("snapshot load failed", zap.Error(err))
		case ok && snap != nil:
			store.Restore(*snap)
			observability.RequestLogger(ctx, s.logger).Debug("store warmed from snapshot",
				zap.Time("taken_at", snap.TakenAt),
				zap.Int("opportunities", len(snap.Opportunities)))
		}
	}
	return store
}

func (s *Sessions) saveSnapshot(ctx context.Context, subjectID string, store *Store) {
	if err := s.snapshots.Save(ctx, subjectID, store.Snapshot(), s.snapshotTTL); err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("snapshot save failed", zap.Error(err))
	}
}

// evictOldestLocked drops the least recently used session. Must be called with
// the lock held.
func (s *Sessions) evictOldestLocked() {
	var (
		oldest string
		at     time.Time
	)
	for subject, sess := range s.sessions {
		if oldest == "" || sess.lastUsed.Before(at) {
			oldest, at = subject, sess.lastUsed
		}
	}
	if oldest == "" {
		return
	}
	delete(s.sessions, oldest)
	s.metrics.RecordSessionEviction()
}
