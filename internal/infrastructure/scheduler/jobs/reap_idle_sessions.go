// Package jobs contains the scheduled jobs of the progression service.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mathquest/mathquest-progress/internal/application/command"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REAP IDLE SESSIONS JOB
// ══════════════════════════════════════════════════════════════════════════════

// IdleLister finds sessions without recent activity.
type IdleLister interface {
	Idle(maxIdle time.Duration) []shared.PlayerID
}

// SessionEnder ends one session.
type SessionEnder interface {
	Handle(ctx context.Context, cmd command.EndSessionCommand) (*command.EndSessionResult, error)
}

// ReapIdleSessionsJob ends sessions of players that went quiet, so abandoned
// tabs do not hold trackers forever. Ending drains the tracker's ledger
// forwards and publishes session.ended like a regular logout.
type ReapIdleSessionsJob struct {
	sessions IdleLister
	ender    SessionEnder
	maxIdle  time.Duration
	logger   *slog.Logger
}

// NewReapIdleSessionsJob creates the job.
func NewReapIdleSessionsJob(sessions IdleLister, ender SessionEnder, maxIdle time.Duration, logger *slog.Logger) *ReapIdleSessionsJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReapIdleSessionsJob{
		sessions: sessions,
		ender:    ender,
		maxIdle:  maxIdle,
		logger:   logger,
	}
}

func (j *ReapIdleSessionsJob) Name() string { return "reap_idle_sessions" }

func (j *ReapIdleSessionsJob) Description() string {
	return fmt.Sprintf("ends sessions idle for %s", j.maxIdle)
}

// Run ends every idle session. A session that ended concurrently is skipped.
func (j *ReapIdleSessionsJob) Run(ctx context.Context) error {
	var errs []error
	reaped := 0

	for _, id := range j.sessions.Idle(j.maxIdle) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := j.ender.Handle(ctx, command.EndSessionCommand{
			PlayerID:      id.String(),
			CorrelationID: "reaper",
		})
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, shared.ErrSessionNotFound):
		default:
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}

	if reaped > 0 {
		j.logger.Info("idle sessions ended", "count", reaped, "max_idle", j.maxIdle.String())
	}
	return errors.Join(errs...)
}
