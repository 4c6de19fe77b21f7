package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// Ledger is the Supabase-backed progression ledger. It implements
// progression.Ledger and progression.GrantRecorder.
type Ledger struct {
	conn   *Connection
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ progression.Ledger        = (*Ledger)(nil)
	_ progression.GrantRecorder = (*Ledger)(nil)
	_ progression.GrantHistory  = (*Ledger)(nil)
)

// NewLedger creates a new Ledger.
func NewLedger(conn *Connection, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{conn: conn, logger: logger, now: time.Now}
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

// LoadStartingXP returns the stored total for the player.
func (l *Ledger) LoadStartingXP(ctx context.Context, playerID shared.PlayerID) (progression.XP, error) {
	var total int64
	err := l.conn.Pool().QueryRow(ctx, `SELECT total_xp FROM players WHERE id = $1`, playerID.String()).Scan(&total)
	if err != nil {
		if IsNoRows(err) {
			return 0, shared.ErrPlayerNotFound
		}
		return 0, classify("LoadStartingXP", err)
	}
	return progression.XP(total), nil
}

// RecentGrants returns the latest grants for a player, newest first.
func (l *Ledger) RecentGrants(ctx context.Context, playerID shared.PlayerID, limit int) ([]progression.GrantRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.conn.Pool().Query(ctx, `
		SELECT id, player_id, delta, reason, source, granted_at
		FROM xp_grants
		WHERE player_id = $1
		ORDER BY granted_at DESC
		LIMIT $2
	`, playerID.String(), limit)
	if err != nil {
		return nil, classify("RecentGrants", err)
	}
	defer rows.Close()

	var out []progression.GrantRecord
	for rows.Next() {
		var (
			rec    progression.GrantRecord
			id     uuid.UUID
			pid    string
			delta  int64
			source string
		)
		if err := rows.Scan(&id, &pid, &delta, &rec.Reason, &source, &rec.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		rec.ID = id.String()
		rec.PlayerID = shared.PlayerID(pid)
		rec.Amount = progression.XP(delta)
		rec.Source = shared.GrantSource(source)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Writes
// ─────────────────────────────────────────────────────────────────────────────

// ReportDelta records an anonymous grant under a fresh id.
func (l *Ledger) ReportDelta(ctx context.Context, playerID shared.PlayerID, delta progression.XP, reason string, source shared.GrantSource) error {
	return l.RecordGrant(ctx, progression.XPGrantEvent{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		Amount:    delta,
		Reason:    reason,
		Source:    source,
		Timestamp: l.now(),
	})
}

// RecordGrant appends the grant and bumps the player total in one transaction.
// A grant id seen before is ignored, so retries never double count.
func (l *Ledger) RecordGrant(ctx context.Context, grant progression.XPGrantEvent) error {
	if grant.Amount <= 0 {
		return fmt.Errorf("%w: got %d", shared.ErrInvalidGrant, grant.Amount)
	}
	id, err := uuid.Parse(grant.ID)
	if err != nil {
		return shared.WrapError("ledger", "RecordGrant", shared.ErrInvalidID, "grant id must be a uuid", err)
	}
	if grant.Timestamp.IsZero() {
		grant.Timestamp = l.now()
	}
	source := grant.Source
	if source == "" {
		source = shared.SourceGameplay
	}

	err = l.conn.WithTx(ctx, func(tx pgx.Tx) error {
		// players row must exist before the FK insert
		if _, err := tx.Exec(ctx, `
			INSERT INTO players (id) VALUES ($1)
			ON CONFLICT (id) DO NOTHING
		`, grant.PlayerID.String()); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO xp_grants (id, player_id, delta, reason, source, granted_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, id, grant.PlayerID.String(), grant.Amount.Int64(), grant.Reason, source.String(), grant.Timestamp)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			l.logger.Debug("duplicate grant ignored", "grant_id", grant.ID, "player_id", grant.PlayerID.String())
			return nil
		}

		// numeric keeps the sum from overflowing before LEAST clamps it
		_, err = tx.Exec(ctx, `
			UPDATE players
			SET total_xp = LEAST(total_xp::numeric + $2, 9223372036854775807)::bigint,
			    updated_at = NOW()
			WHERE id = $1
		`, grant.PlayerID.String(), grant.Amount.Int64())
		return err
	})
	if err != nil {
		return classify("RecordGrant", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

func classify(op string, err error) error {
	var domErr *shared.DomainError
	switch {
	case errors.As(err, &domErr):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return shared.WrapError("ledger", op, shared.ErrTimeout, "ledger request timeout", err)
	case errors.Is(err, ErrConnectionClosed), IsTransient(err):
		return shared.WrapError("ledger", op, shared.ErrServiceUnavailable, "ledger is unavailable", err)
	case IsCheckViolation(err):
		return shared.WrapError("ledger", op, shared.ErrValueOutOfRange, "ledger constraint violated", err)
	default:
		return fmt.Errorf("postgres: %s: %w", op, err)
	}
}
