// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/mathquest/mathquest-progress/internal/application/session"
	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROGRESS QUERY
// Возвращает уровень и прогресс игрока. Живая сессия важнее ledger:
// локальное состояние авторитетно до конца сессии.
// ══════════════════════════════════════════════════════════════════════════════

// GetProgressQuery содержит параметры запроса прогресса.
type GetProgressQuery struct {
	// PlayerID - идентификатор игрока в ledger.
	PlayerID string
}

// Validate проверяет корректность параметров запроса.
func (q GetProgressQuery) Validate() error {
	_, err := shared.NewPlayerID(q.PlayerID)
	return err
}

// ProgressDTO - прогресс игрока.
type ProgressDTO struct {
	PlayerID string `json:"player_id"`

	progression.LevelSnapshot

	// Live - значение взято из живой сессии, а не из ledger.
	Live bool `json:"live"`
}

// GetProgressHandler обрабатывает GetProgressQuery.
type GetProgressHandler struct {
	registry *session.Registry
	profiles progression.ProfileSource
}

// NewGetProgressHandler создаёт обработчик. profiles может быть nil,
// тогда доступны только живые сессии.
func NewGetProgressHandler(registry *session.Registry, profiles progression.ProfileSource) *GetProgressHandler {
	return &GetProgressHandler{
		registry: registry,
		profiles: profiles,
	}
}

// Handle выполняет запрос.
func (h *GetProgressHandler) Handle(ctx context.Context, q GetProgressQuery) (*ProgressDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("get_progress: %w", err)
	}
	playerID, _ := shared.NewPlayerID(q.PlayerID)

	s, err := h.registry.Get(playerID)
	if err == nil {
		return &ProgressDTO{
			PlayerID:      playerID.String(),
			LevelSnapshot: s.Tracker.Snapshot(),
			Live:          true,
		}, nil
	}
	if !errors.Is(err, shared.ErrSessionNotFound) || h.profiles == nil {
		return nil, fmt.Errorf("get_progress: %w", err)
	}

	total, err := h.profiles.LoadStartingXP(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("get_progress: %w", err)
	}

	return &ProgressDTO{
		PlayerID:      playerID.String(),
		LevelSnapshot: progression.Snapshot(total),
		Live:          false,
	}, nil
}
