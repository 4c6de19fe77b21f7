package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_StartOrGet(t *testing.T) {
	r := NewRegistry(nil, quietLogger())

	s, created, err := r.StartOrGet("p1", func(tr *progression.ProgressTracker) { tr.Initialize(250) })
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, progression.Level(3), s.Tracker.Level())

	again, created, err := r.StartOrGet("p1", func(tr *progression.ProgressTracker) { tr.Initialize(0) })
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s, again)
	assert.Equal(t, progression.XP(250), again.Tracker.TotalXP())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DisplayAttachedAfterInit(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []progression.XP
	)
	r := NewRegistry(nil, quietLogger(), WithDisplay(func(shared.PlayerID) progression.Observer {
		return progression.ObserverFuncs{XPChanged: func(total progression.XP) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, total)
		}}
	}))

	_, _, err := r.StartOrGet("p1", func(tr *progression.ProgressTracker) { tr.Initialize(420) })
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []progression.XP{420}, seen)
}

func TestRegistry_GetAndEnd(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(nil, quietLogger(), WithRegistryClock(func() time.Time { return start }))

	_, err := r.Get("p1")
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)

	_, _, err = r.StartOrGet("p1", nil)
	require.NoError(t, err)

	s, err := r.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, start, s.StartedAt)

	ended, err := r.End("p1")
	require.NoError(t, err)
	assert.Same(t, s, ended)

	_, err = r.End("p1")
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Idle(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(nil, quietLogger(), WithRegistryClock(func() time.Time { return now }))

	_, _, err := r.StartOrGet("zed", nil)
	require.NoError(t, err)
	_, _, err = r.StartOrGet("ada", nil)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	_, err = r.Get("ada")
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	assert.Equal(t, []shared.PlayerID{"zed"}, r.Idle(15*time.Minute))
	assert.Equal(t, []shared.PlayerID{"ada", "zed"}, r.Idle(5*time.Minute))
	assert.Empty(t, r.Idle(time.Hour))
}

func TestRegistry_PlayersSorted(t *testing.T) {
	r := NewRegistry(nil, quietLogger())
	for _, id := range []shared.PlayerID{"c", "a", "b"} {
		_, _, err := r.StartOrGet(id, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []shared.PlayerID{"a", "b", "c"}, r.Players())
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(nil, quietLogger())
	_, _, err := r.StartOrGet("p1", nil)
	require.NoError(t, err)

	r.Close()

	assert.Equal(t, 0, r.Len())
	_, _, err = r.StartOrGet("p2", nil)
	assert.ErrorIs(t, err, shared.ErrSessionClosed)
}

func TestRegistry_ConcurrentStartCreatesOnce(t *testing.T) {
	var built int
	var mu sync.Mutex
	r := NewRegistry(func(id shared.PlayerID) *progression.ProgressTracker {
		mu.Lock()
		built++
		mu.Unlock()
		return progression.NewProgressTracker(progression.WithPlayerID(id), progression.WithLogger(quietLogger()))
	}, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = r.StartOrGet("p1", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, built)
}

type failingLedger struct{}

func (failingLedger) ReportDelta(_ context.Context, _ shared.PlayerID, _ progression.XP, _ string, _ shared.GrantSource) error {
	return shared.ErrLedgerUnavailable
}

type capturePublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *capturePublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func TestTrackerFactory_PublishesReportFailures(t *testing.T) {
	pub := &capturePublisher{}
	factory := NewTrackerFactory(FactoryConfig{
		Ledger:    failingLedger{},
		Publisher: pub,
		Logger:    quietLogger(),
	})

	tr := factory("p1")
	_, err := tr.GrantXP(10, "quiz")
	require.NoError(t, err)
	tr.Wait()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 1)
	ev, ok := pub.events[0].(shared.ReportFailedEvent)
	require.True(t, ok)
	assert.Equal(t, "p1", ev.AggregateID())
	assert.Equal(t, int64(10), ev.Amount)
}

type countingLedger struct {
	mu    sync.Mutex
	total progression.XP
}

func (l *countingLedger) ReportDelta(_ context.Context, _ shared.PlayerID, delta progression.XP, _ string, _ shared.GrantSource) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total += delta
	return nil
}

func TestRegistry_EndRacesGrants(t *testing.T) {
	ledger := &countingLedger{}
	r := NewRegistry(NewTrackerFactory(FactoryConfig{Ledger: ledger, Logger: quietLogger()}), quietLogger())

	s, _, err := r.StartOrGet("p1", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Tracker.GrantXP(5, "quiz"); err != nil {
				assert.ErrorIs(t, err, shared.ErrSessionNotFound)
			}
		}()
	}

	ended, err := r.End("p1")
	require.NoError(t, err)
	wg.Wait()

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	assert.True(t, ended.Tracker.Closed())
	assert.Equal(t, ended.Tracker.TotalXP(), ledger.total)
}
