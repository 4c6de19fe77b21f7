package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathquest/mathquest-progress/internal/application/session"
	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type memLedger struct {
	mu        sync.Mutex
	totals    map[shared.PlayerID]progression.XP
	reports   int
	reportErr error
	loadErr   error
}

func newMemLedger() *memLedger {
	return &memLedger{totals: make(map[shared.PlayerID]progression.XP)}
}

func (l *memLedger) ReportDelta(_ context.Context, id shared.PlayerID, delta progression.XP, _ string, _ shared.GrantSource) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports++
	if l.reportErr != nil {
		return l.reportErr
	}
	l.totals[id] += delta
	return nil
}

func (l *memLedger) LoadStartingXP(_ context.Context, id shared.PlayerID) (progression.XP, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loadErr != nil {
		return 0, l.loadErr
	}
	xp, ok := l.totals[id]
	if !ok {
		return 0, shared.ErrPlayerNotFound
	}
	return xp, nil
}

func (l *memLedger) total(id shared.PlayerID) progression.XP {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals[id]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []shared.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]shared.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

type fixture struct {
	ledger   *memLedger
	pub      *recordingPublisher
	registry *session.Registry
	start    *StartSessionHandler
	grant    *GrantXPHandler
	end      *EndSessionHandler
}

func newFixture() *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := newMemLedger()
	pub := &recordingPublisher{}
	registry := session.NewRegistry(session.NewTrackerFactory(session.FactoryConfig{
		Ledger:    ledger,
		Publisher: pub,
		Logger:    logger,
	}), logger)

	return &fixture{
		ledger:   ledger,
		pub:      pub,
		registry: registry,
		start:    NewStartSessionHandler(registry, ledger, pub, logger),
		grant:    NewGrantXPHandler(registry, ledger, pub, logger),
		end:      NewEndSessionHandler(registry, pub, logger),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestStartSession_LoadsStartingXP(t *testing.T) {
	f := newFixture()
	f.ledger.totals["p1"] = 300

	res, err := f.start.Handle(context.Background(), StartSessionCommand{PlayerID: "p1"})
	require.NoError(t, err)

	assert.False(t, res.Resumed)
	assert.False(t, res.NewPlayer)
	assert.Equal(t, progression.XP(300), res.Snapshot.TotalXP)
	assert.Equal(t, progression.Level(3), res.Snapshot.Level)
	assert.Equal(t, []shared.EventType{shared.EventSessionStarted}, f.pub.types())
	assert.Equal(t, 0, f.ledger.reports)
}

func TestStartSession_UnknownPlayerStartsAtZero(t *testing.T) {
	f := newFixture()

	res, err := f.start.Handle(context.Background(), StartSessionCommand{PlayerID: "fresh"})
	require.NoError(t, err)

	assert.True(t, res.NewPlayer)
	assert.Equal(t, progression.XP(0), res.Snapshot.TotalXP)
}

func TestStartSession_ResumeDoesNotReconcile(t *testing.T) {
	f := newFixture()
	f.ledger.totals["p1"] = 100

	_, err := f.start.Handle(context.Background(), StartSessionCommand{PlayerID: "p1"})
	require.NoError(t, err)

	// ledger drifts, live session keeps its own total
	f.ledger.mu.Lock()
	f.ledger.totals["p1"] = 9000
	f.ledger.mu.Unlock()

	res, err := f.start.Handle(context.Background(), StartSessionCommand{PlayerID: "p1"})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, progression.XP(100), res.Snapshot.TotalXP)
}

func TestStartSession_LedgerError(t *testing.T) {
	f := newFixture()
	f.ledger.loadErr = shared.ErrLedgerUnavailable

	_, err := f.start.Handle(context.Background(), StartSessionCommand{PlayerID: "p1"})
	require.Error(t, err)
	assert.True(t, shared.IsExternalService(err))
	assert.Equal(t, 0, f.registry.Len())
}

func TestStartSession_InvalidPlayer(t *testing.T) {
	f := newFixture()

	_, err := f.start.Handle(context.Background(), StartSessionCommand{PlayerID: "  "})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrInvalidPlayerID)
}

func TestGrantXP_EndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.start.Handle(ctx, StartSessionCommand{PlayerID: "p1"})
	require.NoError(t, err)

	first, err := f.grant.Handle(ctx, GrantXPCommand{PlayerID: "p1", Amount: 100, Reason: "quiz", Source: "quiz"})
	require.NoError(t, err)
	assert.True(t, first.Live)
	assert.True(t, first.LeveledUp())
	assert.Equal(t, progression.Level(1), first.Before.Level)
	assert.Equal(t, progression.Level(2), first.After.Level)

	second, err := f.grant.Handle(ctx, GrantXPCommand{PlayerID: "p1", Amount: 150, Reason: "quiz"})
	require.NoError(t, err)
	assert.Equal(t, progression.XP(250), second.After.TotalXP)
	assert.Equal(t, progression.Level(3), second.After.Level)
	assert.Equal(t, shared.SourceGameplay, second.Grant.Grant.Source)

	end, err := f.end.Handle(ctx, EndSessionCommand{PlayerID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, progression.XP(250), end.Snapshot.TotalXP)

	// forwards drained on end
	assert.Equal(t, progression.XP(250), f.ledger.total("p1"))
	assert.Equal(t, 2, f.ledger.reports)
	assert.Equal(t, []shared.EventType{
		shared.EventSessionStarted,
		shared.EventXPGranted,
		shared.EventXPGranted,
		shared.EventSessionEnded,
	}, f.pub.types())
}

func TestGrantXP_NegativeRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.start.Handle(ctx, StartSessionCommand{PlayerID: "p1"})
	require.NoError(t, err)

	_, err = f.grant.Handle(ctx, GrantXPCommand{PlayerID: "p1", Amount: -10, Reason: "cheat"})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrInvalidGrant)

	s, err := f.registry.Get("p1")
	require.NoError(t, err)
	s.Tracker.Wait()
	assert.Equal(t, progression.XP(0), s.Tracker.TotalXP())
	assert.Equal(t, 0, f.ledger.reports)
	assert.Contains(t, f.pub.types(), shared.EventGrantRejected)
}

func TestGrantXP_ZeroIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.start.Handle(ctx, StartSessionCommand{PlayerID: "p1"})
	require.NoError(t, err)

	res, err := f.grant.Handle(ctx, GrantXPCommand{PlayerID: "p1", Amount: 0, Reason: "nothing"})
	require.NoError(t, err)
	assert.False(t, res.Grant.Applied)
	assert.NotContains(t, f.pub.types(), shared.EventXPGranted)
}

func TestGrantXP_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  GrantXPCommand
		want error
	}{
		{name: "empty reason", cmd: GrantXPCommand{PlayerID: "p1", Amount: 5, Reason: "  "}, want: shared.ErrInvalidReason},
		{name: "bad source", cmd: GrantXPCommand{PlayerID: "p1", Amount: 5, Reason: "x", Source: "lottery"}, want: shared.ErrInvalidSource},
		{name: "bad player", cmd: GrantXPCommand{PlayerID: "", Amount: 5, Reason: "x"}, want: shared.ErrInvalidPlayerID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.grant.Handle(ctx, tt.cmd)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, shared.IsValidation(err))
		})
	}
}

func TestGrantXP_NoSession(t *testing.T) {
	f := newFixture()

	_, err := f.grant.Handle(context.Background(), GrantXPCommand{PlayerID: "p1", Amount: 5, Reason: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)
	assert.True(t, shared.IsNotFound(err))
}

func TestGrantXP_SessionClosedDuringGrant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.start.Handle(ctx, StartSessionCommand{PlayerID: "p1"})
	require.NoError(t, err)

	// the tracker drains while still registered, as if End won the race
	s, err := f.registry.Get("p1")
	require.NoError(t, err)
	s.Tracker.Close()

	_, err = f.grant.Handle(ctx, GrantXPCommand{PlayerID: "p1", Amount: 10, Reason: "quiz"})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)
	assert.NotContains(t, f.pub.types(), shared.EventGrantRejected)

	res, err := f.grant.Handle(ctx, GrantXPCommand{PlayerID: "p1", Amount: 10, Reason: "bonus", AllowOffline: true})
	require.NoError(t, err)
	assert.False(t, res.Live)
	assert.Equal(t, progression.XP(10), f.ledger.total("p1"))
}

func TestGrantXP_Offline(t *testing.T) {
	f := newFixture()
	f.ledger.totals["p1"] = 90

	res, err := f.grant.Handle(context.Background(), GrantXPCommand{
		PlayerID:     "p1",
		Amount:       500,
		Reason:       "classroom bonus",
		Source:       "admin",
		AllowOffline: true,
	})
	require.NoError(t, err)

	assert.False(t, res.Live)
	assert.Equal(t, progression.XP(590), res.After.TotalXP)
	assert.Equal(t, progression.XP(590), f.ledger.total("p1"))
	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, []shared.EventType{
		shared.EventXPGranted,
		shared.EventXPChanged,
		shared.EventLevelUp,
	}, f.pub.types())
}

func TestGrantXP_OfflineReportFailure(t *testing.T) {
	f := newFixture()
	f.ledger.reportErr = errors.New("connection refused")

	_, err := f.grant.Handle(context.Background(), GrantXPCommand{
		PlayerID:     "p1",
		Amount:       10,
		Reason:       "bonus",
		AllowOffline: true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrRemoteReportFailed)
}

func TestGrantXP_LiveReportFailurePublished(t *testing.T) {
	f := newFixture()
	f.ledger.reportErr = errors.New("timeout")
	ctx := context.Background()

	_, err := f.start.Handle(ctx, StartSessionCommand{PlayerID: "p1"})
	require.NoError(t, err)

	res, err := f.grant.Handle(ctx, GrantXPCommand{PlayerID: "p1", Amount: 10, Reason: "quiz"})
	require.NoError(t, err)
	assert.Equal(t, progression.XP(10), res.After.TotalXP)

	_, err = f.end.Handle(ctx, EndSessionCommand{PlayerID: "p1"})
	require.NoError(t, err)
	assert.Contains(t, f.pub.types(), shared.EventReportFailed)
}

func TestEndSession_NotFound(t *testing.T) {
	f := newFixture()

	_, err := f.end.Handle(context.Background(), EndSessionCommand{PlayerID: "ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrSessionNotFound)
}
