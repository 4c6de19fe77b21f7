// Package session keeps one ProgressTracker per player for the lifetime of a play session.
package session

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SESSION
// ══════════════════════════════════════════════════════════════════════════════

// Session is a live play session. The tracker is its single logical owner of XP.
type Session struct {
	PlayerID  shared.PlayerID
	Tracker   *progression.ProgressTracker
	StartedAt time.Time

	lastActive atomic.Int64
}

// Touch records activity at t.
func (s *Session) Touch(t time.Time) {
	s.lastActive.Store(t.UnixNano())
}

// LastActive returns the time of the last lookup, resume or start.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// TrackerFactory builds a tracker for a player.
type TrackerFactory func(playerID shared.PlayerID) *progression.ProgressTracker

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ══════════════════════════════════════════════════════════════════════════════

// Registry maps players to live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[shared.PlayerID]*Session
	closed   bool

	newTracker TrackerFactory
	display    func(playerID shared.PlayerID) progression.Observer
	logger     *slog.Logger
	now        func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDisplay attaches an observer to every new tracker after it was initialized.
func WithDisplay(display func(playerID shared.PlayerID) progression.Observer) RegistryOption {
	return func(r *Registry) {
		r.display = display
	}
}

// WithRegistryClock overrides the session start clock.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a registry that builds trackers with factory.
func NewRegistry(factory TrackerFactory, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = func(id shared.PlayerID) *progression.ProgressTracker {
			return progression.NewProgressTracker(progression.WithPlayerID(id))
		}
	}
	r := &Registry{
		sessions:   make(map[shared.PlayerID]*Session),
		newTracker: factory,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartOrGet returns the live session for the player or creates one.
// init runs once on a freshly created tracker, before anyone else can see it.
// The display observer is attached after init, so it receives the loaded total.
func (r *Registry) StartOrGet(playerID shared.PlayerID, init func(*progression.ProgressTracker)) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, shared.ErrSessionClosed
	}
	if s, ok := r.sessions[playerID]; ok {
		s.Touch(r.now())
		return s, false, nil
	}

	tracker := r.newTracker(playerID)
	if init != nil {
		init(tracker)
	}
	if r.display != nil {
		if obs := r.display(playerID); obs != nil {
			tracker.SetDisplay(obs)
		}
	}

	s := &Session{
		PlayerID:  playerID,
		Tracker:   tracker,
		StartedAt: r.now(),
	}
	s.Touch(s.StartedAt)
	r.sessions[playerID] = s

	r.logger.Info("session started",
		"player_id", playerID.String(),
		"total_xp", tracker.TotalXP().Int64(),
		"level", tracker.Level().Int(),
	)
	return s, true, nil
}

// Get returns the live session for the player.
func (r *Registry) Get(playerID shared.PlayerID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[playerID]
	if !ok {
		return nil, shared.ErrSessionNotFound
	}
	s.Touch(r.now())
	return s, nil
}

// Idle returns players whose session saw no activity for at least maxIdle,
// in sorted order.
func (r *Registry) Idle(maxIdle time.Duration) []shared.PlayerID {
	cutoff := r.now().Add(-maxIdle)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []shared.PlayerID
	for id, s := range r.sessions {
		if !s.LastActive().After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// End removes the session, closes its tracker and waits for its ledger
// forwards to finish. Grants racing End either land before the drain or fail
// with ErrSessionNotFound.
func (r *Registry) End(playerID shared.PlayerID) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[playerID]
	if ok {
		delete(r.sessions, playerID)
	}
	r.mu.Unlock()

	if !ok {
		return nil, shared.ErrSessionNotFound
	}

	s.Tracker.Close()
	r.logger.Info("session ended",
		"player_id", playerID.String(),
		"total_xp", s.Tracker.TotalXP().Int64(),
		"duration", r.now().Sub(s.StartedAt),
	)
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Players returns live player ids in sorted order.
func (r *Registry) Players() []shared.PlayerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]shared.PlayerID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close refuses new sessions and drains every live tracker.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[shared.PlayerID]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Tracker.Close()
	}
	r.logger.Info("session registry closed", "drained", len(sessions))
}

// ══════════════════════════════════════════════════════════════════════════════
// TRACKER FACTORY
// ══════════════════════════════════════════════════════════════════════════════

// FactoryConfig wires trackers to the ledger and the event bus.
type FactoryConfig struct {
	Ledger        progression.RemoteLedger
	Publisher     shared.EventPublisher
	ReportTimeout time.Duration
	Logger        *slog.Logger
}

// NewTrackerFactory returns a factory building fully wired trackers.
// Failed ledger reports are published as ledger.report_failed.
func NewTrackerFactory(cfg FactoryConfig) TrackerFactory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(playerID shared.PlayerID) *progression.ProgressTracker {
		opts := []progression.TrackerOption{
			progression.WithPlayerID(playerID),
			progression.WithLogger(logger),
			progression.WithReportTimeout(cfg.ReportTimeout),
		}
		if cfg.Ledger != nil {
			opts = append(opts, progression.WithLedger(cfg.Ledger))
		}
		if cfg.Publisher != nil {
			pub := cfg.Publisher
			opts = append(opts, progression.WithFailureHandler(func(g progression.XPGrantEvent, err error) {
				ev := shared.NewReportFailedEvent(g.PlayerID.String(), g.ID, g.Amount.Int64(), g.Reason, err)
				if perr := pub.Publish(ev); perr != nil {
					logger.Warn("failed to publish report failure", "grant_id", g.ID, "error", perr)
				}
			}))
		}

		return progression.NewProgressTracker(opts...)
	}
}
