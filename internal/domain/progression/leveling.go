package progression

import "math"

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// XP - количество очков опыта (общий XP или порог уровня).
type XP int64

// Int64 возвращает значение как int64.
func (x XP) Int64() int64 {
	return int64(x)
}

// IsInfinite сообщает, что значение является сентинелом InfiniteXP.
func (x XP) IsInfinite() bool {
	return x == InfiniteXP
}

// Level - уровень игрока в диапазоне [MinLevel, MaxLevel].
type Level int

// Int возвращает значение как int.
func (l Level) Int() int {
	return int(l)
}

// IsValid проверяет, что уровень в допустимом диапазоне.
func (l Level) IsValid() bool {
	return l >= MinLevel && l <= MaxLevel
}

// Параметры кривой.
const (
	// BaseXP - порог перехода с первого уровня на второй.
	BaseXP XP = 100

	// Growth - множитель экспоненты для каждого следующего уровня.
	Growth = 1.5

	MinLevel Level = 1
	MaxLevel Level = 100

	// InfiniteXP - порог на максимальном уровне и результат насыщения.
	InfiniteXP XP = math.MaxInt64
)

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// XPForNextLevel возвращает XP, необходимый для перехода с level на level+1.
// Округление половины от нуля (math.Round) применяется только к экспоненте.
func XPForNextLevel(level Level) XP {
	if level < MinLevel {
		return BaseXP
	}
	if level >= MaxLevel {
		return InfiniteXP
	}

	raw := math.Round(float64(BaseXP) * math.Pow(Growth, float64(level-1)))
	if raw >= float64(math.MaxInt64) {
		return InfiniteXP
	}
	return XP(raw)
}

// TotalXPForLevel возвращает общий XP, с которого начинается level.
// TotalXPForLevel(1) == 0, уровни выше MaxLevel считаются как MaxLevel.
func TotalXPForLevel(level Level) XP {
	if level <= MinLevel {
		return 0
	}
	if level > MaxLevel {
		level = MaxLevel
	}

	var total XP
	for l := MinLevel; l < level; l++ {
		total = addSat(total, XPForNextLevel(l))
		if total == InfiniteXP {
			break
		}
	}
	return total
}

// CalculateLevel возвращает уровень для общего XP.
// Пороги потребляются жадно, число итераций ограничено MaxLevel.
func CalculateLevel(totalXP XP) Level {
	if totalXP < 0 {
		return MinLevel
	}

	level := MinLevel
	remaining := totalXP
	for level < MaxLevel {
		need := XPForNextLevel(level)
		if need == InfiniteXP || remaining < need {
			break
		}
		remaining -= need
		level++
	}
	return level
}

// CalculateXPProgress возвращает XP, набранный с начала level.
// Для несогласованной пары (totalXP, level) результат может быть отрицательным.
func CalculateXPProgress(totalXP XP, level Level) XP {
	return subSat(totalXP, TotalXPForLevel(level))
}

// CalculateProgressPercentage возвращает долю заполнения уровня в [0, 1].
// На максимальном уровне полоса всегда полная.
func CalculateProgressPercentage(totalXP XP, level Level) float64 {
	next := XPForNextLevel(level)
	if next <= 0 || next == InfiniteXP {
		return 1.0
	}
	progress := CalculateXPProgress(totalXP, level)
	return clamp01(float64(progress) / float64(next))
}

// CalculateXPToNextLevel возвращает остаток XP до следующего уровня, не меньше нуля.
func CalculateXPToNextLevel(totalXP XP, level Level) XP {
	next := XPForNextLevel(level)
	if next == InfiniteXP {
		return InfiniteXP
	}
	left := subSat(next, CalculateXPProgress(totalXP, level))
	if left < 0 {
		return 0
	}
	return left
}

// IsMaxLevel сообщает, что дальше расти некуда.
func IsMaxLevel(level Level) bool {
	return level >= MaxLevel
}

// ReachableMaxLevel возвращает наибольший уровень, чей нижний порог
// представим в int64. Выше него CalculateLevel не поднимется.
func ReachableMaxLevel() Level {
	return reachableMaxLevel
}

var reachableMaxLevel = scanReachableMaxLevel()

func scanReachableMaxLevel() Level {
	for l := MinLevel; l < MaxLevel; l++ {
		if TotalXPForLevel(l+1) == InfiniteXP {
			return l
		}
	}
	return MaxLevel
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT & TABLE
// ══════════════════════════════════════════════════════════════════════════════

// LevelSnapshot - все производные величины для одного значения общего XP.
type LevelSnapshot struct {
	TotalXP    XP      `json:"total_xp"`
	Level      Level   `json:"level"`
	LevelFloor XP      `json:"level_floor"`
	Progress   XP      `json:"xp_progress"`
	Needed     XP      `json:"xp_needed"`
	ToNext     XP      `json:"xp_to_next"`
	Percentage float64 `json:"percentage"`
	IsMax      bool    `json:"is_max_level"`
}

// Snapshot вычисляет LevelSnapshot для общего XP.
func Snapshot(totalXP XP) LevelSnapshot {
	if totalXP < 0 {
		totalXP = 0
	}
	level := CalculateLevel(totalXP)
	return LevelSnapshot{
		TotalXP:    totalXP,
		Level:      level,
		LevelFloor: TotalXPForLevel(level),
		Progress:   CalculateXPProgress(totalXP, level),
		Needed:     XPForNextLevel(level),
		ToNext:     CalculateXPToNextLevel(totalXP, level),
		Percentage: CalculateProgressPercentage(totalXP, level),
		IsMax:      IsMaxLevel(level),
	}
}

// LevelThreshold - строка таблицы уровней.
type LevelThreshold struct {
	Level    Level `json:"level"`
	TotalXP  XP    `json:"total_xp"`
	XPToNext XP    `json:"xp_to_next"`
}

// LevelTable возвращает строки для уровней from..to включительно.
// Границы обрезаются до [MinLevel, MaxLevel].
func LevelTable(from, to Level) []LevelThreshold {
	if from < MinLevel {
		from = MinLevel
	}
	if to > MaxLevel {
		to = MaxLevel
	}
	if from > to {
		return nil
	}

	rows := make([]LevelThreshold, 0, int(to-from)+1)
	floor := TotalXPForLevel(from)
	for l := from; l <= to; l++ {
		next := XPForNextLevel(l)
		rows = append(rows, LevelThreshold{
			Level:    l,
			TotalXP:  floor,
			XPToNext: next,
		})
		floor = addSat(floor, next)
	}
	return rows
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// addSat складывает неотрицательные значения с насыщением на InfiniteXP.
func addSat(a, b XP) XP {
	if b > 0 && a > InfiniteXP-b {
		return InfiniteXP
	}
	return a + b
}

func subSat(a, b XP) XP {
	d := a - b
	if b > 0 && d > a {
		return math.MinInt64
	}
	if b < 0 && d < a {
		return InfiniteXP
	}
	return d
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
