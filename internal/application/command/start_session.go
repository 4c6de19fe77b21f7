// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mathquest/mathquest-progress/internal/application/session"
	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// START SESSION COMMAND
// Loads the player's authoritative total from the ledger and opens a tracker.
// This is the only place where local state is reconciled with the ledger.
// ══════════════════════════════════════════════════════════════════════════════

// StartSessionCommand contains the data to start a session.
type StartSessionCommand struct {
	// PlayerID is the ledger identifier of the player.
	PlayerID string

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c StartSessionCommand) Validate() error {
	if _, err := shared.NewPlayerID(c.PlayerID); err != nil {
		return err
	}
	return nil
}

// StartSessionResult contains the result of starting a session.
type StartSessionResult struct {
	PlayerID  shared.PlayerID
	Snapshot  progression.LevelSnapshot
	StartedAt time.Time

	// Resumed is true when a live session already existed.
	// The ledger is not consulted again in that case.
	Resumed bool

	// NewPlayer is true when the ledger had no record and the session starts at zero.
	NewPlayer bool
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// StartSessionHandler handles the StartSessionCommand.
type StartSessionHandler struct {
	registry       *session.Registry
	profiles       progression.ProfileSource
	eventPublisher shared.EventPublisher
	logger         *slog.Logger
}

// NewStartSessionHandler creates a new StartSessionHandler.
func NewStartSessionHandler(
	registry *session.Registry,
	profiles progression.ProfileSource,
	eventPublisher shared.EventPublisher,
	logger *slog.Logger,
) *StartSessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StartSessionHandler{
		registry:       registry,
		profiles:       profiles,
		eventPublisher: eventPublisher,
		logger:         logger,
	}
}

// Handle executes the start session command.
func (h *StartSessionHandler) Handle(ctx context.Context, cmd StartSessionCommand) (*StartSessionResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("start_session: validation failed: %w", err)
	}
	playerID, _ := shared.NewPlayerID(cmd.PlayerID)

	// Live session wins: the tracker is authoritative until it ends
	if s, err := h.registry.Get(playerID); err == nil {
		return &StartSessionResult{
			PlayerID:  playerID,
			Snapshot:  s.Tracker.Snapshot(),
			StartedAt: s.StartedAt,
			Resumed:   true,
		}, nil
	}

	startingXP, newPlayer, err := h.loadStartingXP(ctx, playerID)
	if err != nil {
		return nil, err
	}

	s, created, err := h.registry.StartOrGet(playerID, func(t *progression.ProgressTracker) {
		t.Initialize(startingXP)
	})
	if err != nil {
		return nil, fmt.Errorf("start_session: %w", err)
	}

	result := &StartSessionResult{
		PlayerID:  playerID,
		Snapshot:  s.Tracker.Snapshot(),
		StartedAt: s.StartedAt,
		Resumed:   !created,
		NewPlayer: newPlayer && created,
	}

	if created {
		ev := shared.NewSessionStartedEvent(playerID.String(), result.Snapshot.TotalXP.Int64(), result.Snapshot.Level.Int())
		ev.BaseEvent = ev.WithCorrelationID(cmd.CorrelationID)
		publishEvent(h.eventPublisher, h.logger, ev)
	}

	return result, nil
}

func (h *StartSessionHandler) loadStartingXP(ctx context.Context, playerID shared.PlayerID) (progression.XP, bool, error) {
	if h.profiles == nil {
		return 0, true, nil
	}

	xp, err := h.profiles.LoadStartingXP(ctx, playerID)
	switch {
	case err == nil:
		return xp, false, nil
	case errors.Is(err, shared.ErrPlayerNotFound):
		h.logger.Info("no ledger record, starting from zero", "player_id", playerID.String())
		return 0, true, nil
	default:
		return 0, false, fmt.Errorf("start_session: load starting xp: %w", err)
	}
}
