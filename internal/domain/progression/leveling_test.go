package progression

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXPForNextLevel_KnownValues(t *testing.T) {
	expected := []XP{100, 150, 225, 338, 506, 759, 1139, 1709, 2563, 3844}
	for i, want := range expected {
		level := Level(i + 1)
		assert.Equal(t, want, XPForNextLevel(level), "level %d", level)
	}
}

func TestXPForNextLevel_Bounds(t *testing.T) {
	assert.Equal(t, BaseXP, XPForNextLevel(0))
	assert.Equal(t, BaseXP, XPForNextLevel(-5))
	assert.Equal(t, InfiniteXP, XPForNextLevel(MaxLevel))
	assert.Equal(t, InfiniteXP, XPForNextLevel(MaxLevel+1))
	assert.True(t, XPForNextLevel(MaxLevel).IsInfinite())
}

func TestXPForNextLevel_StrictlyIncreasing(t *testing.T) {
	for l := MinLevel; l < MaxLevel-1; l++ {
		cur, next := XPForNextLevel(l), XPForNextLevel(l+1)
		if next == InfiniteXP {
			break
		}
		assert.Greater(t, next, cur, "level %d", l)
	}
}

func TestTotalXPForLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  XP
	}{
		{level: -3, want: 0},
		{level: 0, want: 0},
		{level: 1, want: 0},
		{level: 2, want: 100},
		{level: 3, want: 250},
		{level: 4, want: 475},
		{level: 5, want: 813},
		{level: 10, want: 7489},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, TotalXPForLevel(tt.level), "level %d", tt.level)
	}
}

func TestTotalXPForLevel_ClampsAboveMax(t *testing.T) {
	assert.Equal(t, TotalXPForLevel(MaxLevel), TotalXPForLevel(MaxLevel+50))
}

func TestCalculateLevel_Progression(t *testing.T) {
	tests := []struct {
		totalXP XP
		want    Level
	}{
		{totalXP: -100, want: 1},
		{totalXP: 0, want: 1},
		{totalXP: 99, want: 1},
		{totalXP: 100, want: 2},
		{totalXP: 249, want: 2},
		{totalXP: 250, want: 3},
		{totalXP: 474, want: 3},
		{totalXP: 475, want: 4},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CalculateLevel(tt.totalXP), "totalXP %d", tt.totalXP)
	}
}

func TestCalculateLevel_MaxInt(t *testing.T) {
	level := CalculateLevel(math.MaxInt64)
	assert.LessOrEqual(t, level, MaxLevel)
	assert.GreaterOrEqual(t, level, MinLevel)
	assert.Equal(t, ReachableMaxLevel(), level)
}

func TestReachableMaxLevel(t *testing.T) {
	reach := ReachableMaxLevel()
	assert.Equal(t, Level(95), reach)
	assert.NotEqual(t, InfiniteXP, TotalXPForLevel(reach))
	assert.Equal(t, InfiniteXP, TotalXPForLevel(reach+1))
}

func TestRoundTrip(t *testing.T) {
	for l := MinLevel; l <= ReachableMaxLevel(); l++ {
		assert.Equal(t, l, CalculateLevel(TotalXPForLevel(l)), "level %d", l)
	}
}

func TestRoundTrip_UnreachableLevels(t *testing.T) {
	for l := ReachableMaxLevel() + 1; l <= MaxLevel; l++ {
		assert.Equal(t, InfiniteXP, TotalXPForLevel(l), "level %d", l)
		assert.Equal(t, ReachableMaxLevel(), CalculateLevel(TotalXPForLevel(l)), "level %d", l)
	}
}

func TestCalculateLevel_NonDecreasing(t *testing.T) {
	prev := CalculateLevel(0)
	for xp := XP(0); xp < 20000; xp += 7 {
		cur := CalculateLevel(xp)
		require.GreaterOrEqual(t, cur, prev, "xp %d", xp)
		prev = cur
	}
}

func TestCalculateXPProgress(t *testing.T) {
	assert.Equal(t, XP(0), CalculateXPProgress(0, 1))
	assert.Equal(t, XP(50), CalculateXPProgress(150, 2))
	assert.Equal(t, XP(0), CalculateXPProgress(250, 3))
	// mismatched pair is reported as is
	assert.Equal(t, XP(-150), CalculateXPProgress(100, 3))
}

func TestCalculateProgressPercentage(t *testing.T) {
	assert.InDelta(t, 0.0, CalculateProgressPercentage(0, 1), 1e-9)
	assert.InDelta(t, 0.5, CalculateProgressPercentage(50, 1), 1e-9)
	assert.InDelta(t, 0.5, CalculateProgressPercentage(175, 2), 1e-9)
	assert.InDelta(t, 1.0, CalculateProgressPercentage(math.MaxInt64, MaxLevel), 1e-9)
	assert.InDelta(t, 1.0, CalculateProgressPercentage(0, MaxLevel), 1e-9)

	// clamped on mismatched pairs
	assert.InDelta(t, 0.0, CalculateProgressPercentage(0, 5), 1e-9)
	assert.InDelta(t, 1.0, CalculateProgressPercentage(5000, 1), 1e-9)
}

func TestCalculateProgressPercentage_Bounds(t *testing.T) {
	for xp := XP(-500); xp < 15000; xp += 37 {
		for _, level := range []Level{CalculateLevel(xp), 1, 3, 7, MaxLevel} {
			p := CalculateProgressPercentage(xp, level)
			require.GreaterOrEqual(t, p, 0.0)
			require.LessOrEqual(t, p, 1.0)
		}
	}
}

func TestCalculateXPToNextLevel(t *testing.T) {
	assert.Equal(t, XP(100), CalculateXPToNextLevel(0, 1))
	assert.Equal(t, XP(1), CalculateXPToNextLevel(99, 1))
	assert.Equal(t, XP(100), CalculateXPToNextLevel(150, 2))
	assert.Equal(t, XP(0), CalculateXPToNextLevel(5000, 1))
	assert.Equal(t, InfiniteXP, CalculateXPToNextLevel(0, MaxLevel))
}

func TestIsMaxLevel(t *testing.T) {
	assert.False(t, IsMaxLevel(1))
	assert.False(t, IsMaxLevel(MaxLevel-1))
	assert.True(t, IsMaxLevel(MaxLevel))
	assert.True(t, IsMaxLevel(MaxLevel+1))
}

func TestSnapshot(t *testing.T) {
	snap := Snapshot(300)

	assert.Equal(t, XP(300), snap.TotalXP)
	assert.Equal(t, Level(3), snap.Level)
	assert.Equal(t, XP(250), snap.LevelFloor)
	assert.Equal(t, XP(50), snap.Progress)
	assert.Equal(t, XP(225), snap.Needed)
	assert.Equal(t, XP(175), snap.ToNext)
	assert.InDelta(t, 50.0/225.0, snap.Percentage, 1e-9)
	assert.False(t, snap.IsMax)
}

func TestSnapshot_NegativeClampsToZero(t *testing.T) {
	snap := Snapshot(-40)
	assert.Equal(t, XP(0), snap.TotalXP)
	assert.Equal(t, MinLevel, snap.Level)
}

func TestLevelTable(t *testing.T) {
	rows := LevelTable(1, 4)
	require.Len(t, rows, 4)

	assert.Equal(t, LevelThreshold{Level: 1, TotalXP: 0, XPToNext: 100}, rows[0])
	assert.Equal(t, LevelThreshold{Level: 2, TotalXP: 100, XPToNext: 150}, rows[1])
	assert.Equal(t, LevelThreshold{Level: 3, TotalXP: 250, XPToNext: 225}, rows[2])
	assert.Equal(t, LevelThreshold{Level: 4, TotalXP: 475, XPToNext: 338}, rows[3])
}

func TestLevelTable_MatchesEngine(t *testing.T) {
	for _, row := range LevelTable(MinLevel, MaxLevel) {
		assert.Equal(t, TotalXPForLevel(row.Level), row.TotalXP, "level %d", row.Level)
		assert.Equal(t, XPForNextLevel(row.Level), row.XPToNext, "level %d", row.Level)
	}
}

func TestLevelTable_Clamps(t *testing.T) {
	assert.Len(t, LevelTable(-10, 200), int(MaxLevel))
	assert.Nil(t, LevelTable(10, 5))
}
