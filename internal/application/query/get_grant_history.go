package query

import (
	"context"
	"fmt"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET GRANT HISTORY QUERY
// Журнал начислений игрока из ledger, для операторов.
// ══════════════════════════════════════════════════════════════════════════════

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// GetGrantHistoryQuery содержит игрока и число строк. 0 - DefaultHistoryLimit.
type GetGrantHistoryQuery struct {
	PlayerID string
	Limit    int
}

// Validate проверяет параметры и нормализует лимит.
func (q *GetGrantHistoryQuery) Validate() error {
	if _, err := shared.NewPlayerID(q.PlayerID); err != nil {
		return err
	}
	if q.Limit == 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit < 0 || q.Limit > MaxHistoryLimit {
		return fmt.Errorf("%w: limit must be within [1, %d]", shared.ErrValueOutOfRange, MaxHistoryLimit)
	}
	return nil
}

// GrantHistoryDTO - последние начисления, новые первыми.
type GrantHistoryDTO struct {
	PlayerID string                    `json:"player_id"`
	Grants   []progression.GrantRecord `json:"grants"`
}

// GetGrantHistoryHandler обрабатывает GetGrantHistoryQuery.
type GetGrantHistoryHandler struct {
	history progression.GrantHistory
}

// NewGetGrantHistoryHandler создаёт обработчик.
func NewGetGrantHistoryHandler(history progression.GrantHistory) *GetGrantHistoryHandler {
	return &GetGrantHistoryHandler{history: history}
}

// Handle выполняет запрос.
func (h *GetGrantHistoryHandler) Handle(ctx context.Context, q GetGrantHistoryQuery) (*GrantHistoryDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("get_grant_history: %w", err)
	}
	playerID, _ := shared.NewPlayerID(q.PlayerID)

	grants, err := h.history.RecentGrants(ctx, playerID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("get_grant_history: %w", err)
	}
	if grants == nil {
		grants = []progression.GrantRecord{}
	}
	return &GrantHistoryDTO{PlayerID: playerID.String(), Grants: grants}, nil
}
