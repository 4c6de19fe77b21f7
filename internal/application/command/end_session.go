package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mathquest/mathquest-progress/internal/application/session"
	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// END SESSION COMMAND
// Drains pending ledger forwards and drops the tracker.
// ══════════════════════════════════════════════════════════════════════════════

// EndSessionCommand contains the data to end a session.
type EndSessionCommand struct {
	PlayerID      string
	CorrelationID string
}

// EndSessionResult contains the final state of the session.
type EndSessionResult struct {
	PlayerID shared.PlayerID
	Snapshot progression.LevelSnapshot
	Duration time.Duration
}

// EndSessionHandler handles the EndSessionCommand.
type EndSessionHandler struct {
	registry       *session.Registry
	eventPublisher shared.EventPublisher
	logger         *slog.Logger
	now            func() time.Time
}

// NewEndSessionHandler creates a new EndSessionHandler.
func NewEndSessionHandler(registry *session.Registry, eventPublisher shared.EventPublisher, logger *slog.Logger) *EndSessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndSessionHandler{
		registry:       registry,
		eventPublisher: eventPublisher,
		logger:         logger,
		now:            time.Now,
	}
}

// Handle executes the end session command. It blocks until in-flight
// ledger reports of this session have finished.
func (h *EndSessionHandler) Handle(_ context.Context, cmd EndSessionCommand) (*EndSessionResult, error) {
	playerID, err := shared.NewPlayerID(cmd.PlayerID)
	if err != nil {
		return nil, fmt.Errorf("end_session: validation failed: %w", err)
	}

	s, err := h.registry.End(playerID)
	if err != nil {
		return nil, fmt.Errorf("end_session: %w", err)
	}

	result := &EndSessionResult{
		PlayerID: playerID,
		Snapshot: s.Tracker.Snapshot(),
		Duration: h.now().Sub(s.StartedAt),
	}

	ev := shared.NewSessionEndedEvent(playerID.String(), result.Snapshot.TotalXP.Int64(), result.Snapshot.Level.Int(), result.Duration)
	ev.BaseEvent = ev.WithCorrelationID(cmd.CorrelationID)
	publishEvent(h.eventPublisher, h.logger, ev)

	return result, nil
}
