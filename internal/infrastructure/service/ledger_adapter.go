// Package service holds adapters that sit between the application layer and
// concrete infrastructure clients.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
	"github.com/mathquest/mathquest-progress/pkg/circuitbreaker"
	"github.com/mathquest/mathquest-progress/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESILIENT LEDGER
// ══════════════════════════════════════════════════════════════════════════════

// ResilienceConfig tunes retries and the circuit breaker around a ledger.
type ResilienceConfig struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultResilienceConfig returns conservative defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxAttempts:      3,
		InitialDelay:     200 * time.Millisecond,
		MaxDelay:         3 * time.Second,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// ResilientLedger retries transient ledger failures and trips a breaker when
// the ledger stays down. Validation and not-found errors pass through untouched.
type ResilientLedger struct {
	next    progression.Ledger
	retrier *retry.Retrier
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
}

var (
	_ progression.Ledger        = (*ResilientLedger)(nil)
	_ progression.GrantRecorder = (*ResilientLedger)(nil)
)

// NewResilientLedger wraps next.
func NewResilientLedger(next progression.Ledger, cfg ResilienceConfig, logger *slog.Logger) *ResilientLedger {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultResilienceConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = d.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}

	l := &ResilientLedger{next: next, logger: logger}
	l.retrier = retry.New(
		retry.WithMaxAttempts(cfg.MaxAttempts),
		retry.WithInitialDelay(cfg.InitialDelay),
		retry.WithMaxDelay(cfg.MaxDelay),
		retry.WithJitter(0.2),
		retry.WithRetryIf(shared.IsRetryable),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			logger.Warn("ledger call failed, retrying",
				"attempt", attempt,
				"delay", delay.String(),
				"error", err,
			)
		}),
	)
	l.breaker = circuitbreaker.LedgerBreaker(cfg.FailureThreshold, cfg.Cooldown, shared.IsExternalService,
		func(name string, from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		})
	return l
}

// BreakerState exposes the breaker for readiness checks.
func (l *ResilientLedger) BreakerState() circuitbreaker.State {
	return l.breaker.State()
}

// LoadStartingXP implements progression.ProfileSource.
func (l *ResilientLedger) LoadStartingXP(ctx context.Context, playerID shared.PlayerID) (progression.XP, error) {
	var xp progression.XP
	err := l.call(ctx, func(ctx context.Context) error {
		var err error
		xp, err = l.next.LoadStartingXP(ctx, playerID)
		return err
	})
	return xp, err
}

// ReportDelta implements progression.RemoteLedger. When the wrapped ledger
// records whole grants, one id is minted here and reused on every attempt.
func (l *ResilientLedger) ReportDelta(ctx context.Context, playerID shared.PlayerID, delta progression.XP, reason string, source shared.GrantSource) error {
	if _, ok := l.next.(progression.GrantRecorder); ok {
		return l.RecordGrant(ctx, progression.XPGrantEvent{
			ID:        uuid.NewString(),
			PlayerID:  playerID,
			Amount:    delta,
			Reason:    reason,
			Source:    source,
			Timestamp: time.Now(),
		})
	}
	return l.call(ctx, func(ctx context.Context) error {
		return l.next.ReportDelta(ctx, playerID, delta, reason, source)
	})
}

// RecordGrant implements progression.GrantRecorder.
func (l *ResilientLedger) RecordGrant(ctx context.Context, grant progression.XPGrantEvent) error {
	return l.call(ctx, func(ctx context.Context) error {
		return progression.ReportGrant(ctx, l.next, grant)
	})
}

func (l *ResilientLedger) call(ctx context.Context, op func(context.Context) error) error {
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		err := l.breaker.Execute(ctx, op)
		if circuitbreaker.IsRejected(err) {
			return retry.Permanent(err)
		}
		if errors.Is(err, context.DeadlineExceeded) && !shared.IsExternalService(err) {
			return shared.WrapError("ledger", "Request", shared.ErrTimeout, "ledger request timeout", err)
		}
		return err
	})
	if circuitbreaker.IsRejected(err) {
		return fmt.Errorf("%w: %w", shared.ErrLedgerUnavailable, err)
	}
	return err
}
