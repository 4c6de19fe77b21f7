package sqlite

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_UnknownPlayer(t *testing.T) {
	l := openTestLedger(t)

	_, err := l.LoadStartingXP(context.Background(), "ghost")
	assert.ErrorIs(t, err, shared.ErrPlayerNotFound)
}

func TestLedger_ReportThenLoad(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.ReportDelta(ctx, "p1", 100, "quiz", shared.SourceQuiz))
	require.NoError(t, l.ReportDelta(ctx, "p1", 150, "puzzle", ""))

	xp, err := l.LoadStartingXP(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, progression.XP(250), xp)
	assert.Equal(t, progression.Level(3), progression.CalculateLevel(xp))

	grants, err := l.RecentGrants(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, "puzzle", grants[0].Reason)
	assert.Equal(t, shared.SourceGameplay, grants[0].Source)
	assert.Equal(t, progression.XP(150), grants[0].Amount)
	assert.Equal(t, "quiz", grants[1].Reason)
	assert.Equal(t, shared.SourceQuiz, grants[1].Source)
}

func TestLedger_RecordGrantIdempotent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	grant := progression.XPGrantEvent{
		ID:        uuid.NewString(),
		PlayerID:  "p1",
		Amount:    40,
		Reason:    "retry me",
		Source:    shared.SourceQuest,
		Timestamp: time.Now(),
	}
	require.NoError(t, l.RecordGrant(ctx, grant))
	require.NoError(t, l.RecordGrant(ctx, grant))

	xp, err := l.LoadStartingXP(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, progression.XP(40), xp)

	grants, err := l.RecentGrants(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, grant.ID, grants[0].ID)
	assert.Equal(t, shared.PlayerID("p1"), grants[0].PlayerID)
	assert.WithinDuration(t, grant.Timestamp, grants[0].GrantedAt, time.Second)
}

func TestLedger_RecentGrantsLimit(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		require.NoError(t, l.RecordGrant(ctx, progression.XPGrantEvent{
			PlayerID:  "p1",
			Amount:    progression.XP(i),
			Reason:    "tick",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	grants, err := l.RecentGrants(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, progression.XP(5), grants[0].Amount)
	assert.Equal(t, progression.XP(4), grants[1].Amount)

	none, err := l.RecentGrants(ctx, "ghost", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLedger_RejectsNonPositive(t *testing.T) {
	l := openTestLedger(t)

	err := l.ReportDelta(context.Background(), "p1", 0, "nothing", shared.SourceGameplay)
	assert.ErrorIs(t, err, shared.ErrInvalidGrant)

	_, err = l.LoadStartingXP(context.Background(), "p1")
	assert.ErrorIs(t, err, shared.ErrPlayerNotFound)
}

func TestLedger_TotalSaturates(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.ReportDelta(ctx, "p1", progression.XP(math.MaxInt64-10), "huge", shared.SourceAdmin))
	require.NoError(t, l.ReportDelta(ctx, "p1", 100, "more", shared.SourceAdmin))

	xp, err := l.LoadStartingXP(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, progression.InfiniteXP, xp)
}

func TestLedger_WorksAsTrackerLedger(t *testing.T) {
	l := openTestLedger(t)

	tr := progression.NewProgressTracker(
		progression.WithLedger(l),
		progression.WithPlayerID("p1"),
		progression.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	tr.Initialize(0)

	_, err := tr.GrantXP(100, "level one")
	require.NoError(t, err)
	_, err = tr.GrantXP(150, "level two")
	require.NoError(t, err)
	tr.Wait()

	xp, err := l.LoadStartingXP(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, tr.TotalXP(), xp)
}
