package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mathquest/mathquest-progress/internal/application/session"
	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GRANT XP COMMAND
// The single mutation entry point for puzzle, quest and daily-login handlers.
// ══════════════════════════════════════════════════════════════════════════════

// MaxReasonLength bounds the audit reason stored with a grant.
const MaxReasonLength = 200

// GrantXPCommand contains the data to grant XP.
type GrantXPCommand struct {
	// PlayerID is the ledger identifier of the player.
	PlayerID string

	// Amount is the XP delta. Negative values are rejected by the tracker.
	Amount int64

	// Reason is a human-readable audit note, e.g. "quiz: fractions 3".
	Reason string

	// Source tags the origin (gameplay, puzzle, quiz, quest, daily_login, admin).
	// Empty means gameplay.
	Source string

	// AllowOffline grants through a one-shot tracker when no session is live.
	// The ledger write is then awaited and its error returned.
	AllowOffline bool

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command. The amount sign is left to the tracker.
func (c GrantXPCommand) Validate() error {
	if _, err := shared.NewPlayerID(c.PlayerID); err != nil {
		return err
	}
	reason := strings.TrimSpace(c.Reason)
	if reason == "" {
		return shared.ErrInvalidReason
	}
	if len(reason) > MaxReasonLength {
		return fmt.Errorf("%w: reason longer than %d bytes", shared.ErrValueOutOfRange, MaxReasonLength)
	}
	if _, err := shared.ParseGrantSource(c.Source); err != nil {
		return err
	}
	return nil
}

// GrantXPResult contains the result of a grant.
type GrantXPResult struct {
	PlayerID shared.PlayerID
	Grant    progression.GrantResult
	Before   progression.LevelSnapshot
	After    progression.LevelSnapshot

	// Live is false when the grant went through the offline path.
	Live bool
}

// LeveledUp reports whether the grant crossed at least one level boundary.
func (r GrantXPResult) LeveledUp() bool {
	return r.Grant.LeveledUp
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// GrantXPHandler handles the GrantXPCommand.
type GrantXPHandler struct {
	registry       *session.Registry
	ledger         progression.Ledger
	eventPublisher shared.EventPublisher
	logger         *slog.Logger
}

// NewGrantXPHandler creates a new GrantXPHandler.
// ledger is only used by the offline path and may be nil.
func NewGrantXPHandler(
	registry *session.Registry,
	ledger progression.Ledger,
	eventPublisher shared.EventPublisher,
	logger *slog.Logger,
) *GrantXPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GrantXPHandler{
		registry:       registry,
		ledger:         ledger,
		eventPublisher: eventPublisher,
		logger:         logger,
	}
}

// Handle executes the grant command.
func (h *GrantXPHandler) Handle(ctx context.Context, cmd GrantXPCommand) (*GrantXPResult, error) {
	if err := cmd.Validate(); err != nil {
		if pid, perr := shared.NewPlayerID(cmd.PlayerID); perr == nil {
			publishEvent(h.eventPublisher, h.logger, shared.NewGrantRejectedEvent(pid.String(), cmd.Amount, cmd.Reason, err))
		}
		return nil, fmt.Errorf("grant_xp: validation failed: %w", err)
	}

	playerID, _ := shared.NewPlayerID(cmd.PlayerID)
	source, _ := shared.ParseGrantSource(cmd.Source)
	reason := strings.TrimSpace(cmd.Reason)

	s, err := h.registry.Get(playerID)
	if err == nil {
		res, lerr := h.grantLive(s.Tracker, playerID, cmd, reason, source)
		// the session ended between lookup and grant
		if !errors.Is(lerr, shared.ErrSessionNotFound) {
			return res, lerr
		}
		err = lerr
	}
	switch {
	case errors.Is(err, shared.ErrSessionNotFound) && cmd.AllowOffline:
		return h.grantOffline(ctx, playerID, cmd, reason, source)
	default:
		return nil, fmt.Errorf("grant_xp: %w", err)
	}
}

// Reject publishes progress.grant_rejected for a grant that failed before
// reaching the tracker, e.g. an amount that did not decode as an integer.
func (h *GrantXPHandler) Reject(cmd GrantXPCommand, cause error) error {
	if pid, err := shared.NewPlayerID(cmd.PlayerID); err == nil {
		publishEvent(h.eventPublisher, h.logger, shared.NewGrantRejectedEvent(pid.String(), cmd.Amount, strings.TrimSpace(cmd.Reason), cause))
	}
	return fmt.Errorf("grant_xp: %w", cause)
}

func (h *GrantXPHandler) grantLive(
	tracker *progression.ProgressTracker,
	playerID shared.PlayerID,
	cmd GrantXPCommand,
	reason string,
	source shared.GrantSource,
) (*GrantXPResult, error) {
	res, err := tracker.GrantXPFrom(progression.XP(cmd.Amount), reason, source)
	if errors.Is(err, shared.ErrSessionNotFound) {
		return nil, err
	}
	if err != nil {
		publishEvent(h.eventPublisher, h.logger, shared.NewGrantRejectedEvent(playerID.String(), cmd.Amount, reason, err))
		return nil, fmt.Errorf("grant_xp: %w", err)
	}

	h.publishGranted(playerID, res, cmd.CorrelationID)

	return &GrantXPResult{
		PlayerID: playerID,
		Grant:    res,
		Before:   progression.Snapshot(res.PreviousXP),
		After:    progression.Snapshot(res.NewXP),
		Live:     true,
	}, nil
}

// grantOffline is used by operators when the player is not in game.
// It loads the stored total, grants through a throwaway tracker and waits
// for the ledger write.
func (h *GrantXPHandler) grantOffline(
	ctx context.Context,
	playerID shared.PlayerID,
	cmd GrantXPCommand,
	reason string,
	source shared.GrantSource,
) (*GrantXPResult, error) {
	if h.ledger == nil {
		return nil, fmt.Errorf("grant_xp: %w", shared.ErrSessionNotFound)
	}

	startingXP, err := h.ledger.LoadStartingXP(ctx, playerID)
	if err != nil && !errors.Is(err, shared.ErrPlayerNotFound) {
		return nil, fmt.Errorf("grant_xp: load starting xp: %w", err)
	}

	var (
		mu        sync.Mutex
		reportErr error
	)
	tracker := progression.NewProgressTracker(
		progression.WithPlayerID(playerID),
		progression.WithLedger(h.ledger),
		progression.WithLogger(h.logger),
		progression.WithFailureHandler(func(_ progression.XPGrantEvent, err error) {
			mu.Lock()
			defer mu.Unlock()
			reportErr = err
		}),
	)
	tracker.Initialize(startingXP)

	res, err := tracker.GrantXPFrom(progression.XP(cmd.Amount), reason, source)
	if err != nil {
		publishEvent(h.eventPublisher, h.logger, shared.NewGrantRejectedEvent(playerID.String(), cmd.Amount, reason, err))
		return nil, fmt.Errorf("grant_xp: %w", err)
	}
	tracker.Close()

	mu.Lock()
	defer mu.Unlock()
	if reportErr != nil {
		return nil, fmt.Errorf("grant_xp: %w", reportErr)
	}

	h.publishGranted(playerID, res, cmd.CorrelationID)
	if res.Applied {
		publishEvent(h.eventPublisher, h.logger, shared.NewXPChangedEvent(playerID.String(), res.NewXP.Int64()))
		if res.LeveledUp {
			publishEvent(h.eventPublisher, h.logger, shared.NewLevelUpEvent(playerID.String(), res.NewLevel.Int()))
		}
	}

	return &GrantXPResult{
		PlayerID: playerID,
		Grant:    res,
		Before:   progression.Snapshot(res.PreviousXP),
		After:    progression.Snapshot(res.NewXP),
		Live:     false,
	}, nil
}

func (h *GrantXPHandler) publishGranted(playerID shared.PlayerID, res progression.GrantResult, correlationID string) {
	if !res.Applied {
		return
	}
	ev := shared.NewXPGrantedEvent(
		playerID.String(),
		res.Grant.ID,
		res.Grant.Amount.Int64(),
		res.Grant.Reason,
		res.Grant.Source.String(),
		res.NewXP.Int64(),
		res.NewLevel.Int(),
		res.LeveledUp,
	)
	ev.BaseEvent = ev.WithCorrelationID(correlationID)
	publishEvent(h.eventPublisher, h.logger, ev)
}
