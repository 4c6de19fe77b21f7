package query

import (
	"fmt"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEVEL TABLE QUERY
// Таблица порогов уровней для CLI и HTTP.
// ══════════════════════════════════════════════════════════════════════════════

// GetLevelTableQuery содержит диапазон уровней. Нули означают весь диапазон.
type GetLevelTableQuery struct {
	From int
	To   int
}

// Validate проверяет и нормализует диапазон.
func (q *GetLevelTableQuery) Validate() error {
	if q.From == 0 {
		q.From = int(progression.MinLevel)
	}
	if q.To == 0 {
		q.To = int(progression.MaxLevel)
	}
	if q.From < int(progression.MinLevel) || q.To > int(progression.MaxLevel) {
		return fmt.Errorf("%w: levels must be within [%d, %d]", shared.ErrValueOutOfRange, progression.MinLevel, progression.MaxLevel)
	}
	if q.From > q.To {
		return fmt.Errorf("%w: from %d is greater than to %d", shared.ErrValueOutOfRange, q.From, q.To)
	}
	return nil
}

// LevelTableDTO - строки таблицы и граница представимости.
type LevelTableDTO struct {
	Rows []progression.LevelThreshold `json:"rows"`

	// ReachableMaxLevel - выше этого уровня общий XP не помещается в int64.
	ReachableMaxLevel progression.Level `json:"reachable_max_level"`
}

// GetLevelTableHandler обрабатывает GetLevelTableQuery.
type GetLevelTableHandler struct{}

// NewGetLevelTableHandler создаёт обработчик.
func NewGetLevelTableHandler() *GetLevelTableHandler {
	return &GetLevelTableHandler{}
}

// Handle выполняет запрос.
func (h *GetLevelTableHandler) Handle(q GetLevelTableQuery) (*LevelTableDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("get_level_table: %w", err)
	}
	return &LevelTableDTO{
		Rows:              progression.LevelTable(progression.Level(q.From), progression.Level(q.To)),
		ReachableMaxLevel: progression.ReachableMaxLevel(),
	}, nil
}
