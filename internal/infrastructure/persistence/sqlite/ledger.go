// Package sqlite is a file-backed progression ledger for local play and
// development. It honours the same contract as the Supabase ledger.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// Ledger implements progression.Ledger, GrantRecorder and GrantHistory on SQLite.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ progression.Ledger        = (*Ledger)(nil)
	_ progression.GrantRecorder = (*Ledger)(nil)
	_ progression.GrantHistory  = (*Ledger)(nil)
)

// Open opens (and creates if missing) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer, avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	l := &Ledger{db: db, logger: logger, now: time.Now}
	if err := l.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + q.Encode()
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Ping checks the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Migrate creates the tables if they do not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id TEXT PRIMARY KEY,
			total_xp INTEGER NOT NULL DEFAULT 0 CHECK (total_xp >= 0),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS xp_grants (
			id TEXT PRIMARY KEY,
			player_id TEXT NOT NULL,
			delta INTEGER NOT NULL CHECK (delta > 0),
			reason TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'gameplay',
			granted_at DATETIME NOT NULL,
			FOREIGN KEY(player_id) REFERENCES players(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_xp_grants_player ON xp_grants(player_id, granted_at);`,
	}

	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// LoadStartingXP returns the stored total for the player.
func (l *Ledger) LoadStartingXP(ctx context.Context, playerID shared.PlayerID) (progression.XP, error) {
	var total int64
	err := l.db.QueryRowContext(ctx, `SELECT total_xp FROM players WHERE id = ?`, playerID.String()).Scan(&total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, shared.ErrPlayerNotFound
		}
		return 0, fmt.Errorf("load starting xp: %w", err)
	}
	return progression.XP(total), nil
}

// RecentGrants returns the latest grants for a player, newest first.
func (l *Ledger) RecentGrants(ctx context.Context, playerID shared.PlayerID, limit int) ([]progression.GrantRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, delta, reason, source, granted_at
		FROM xp_grants
		WHERE player_id = ?
		ORDER BY granted_at DESC, rowid DESC
		LIMIT ?
	`, playerID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("recent grants: %w", err)
	}
	defer rows.Close()

	var out []progression.GrantRecord
	for rows.Next() {
		var (
			rec    = progression.GrantRecord{PlayerID: playerID}
			delta  int64
			source string
		)
		if err := rows.Scan(&rec.ID, &delta, &rec.Reason, &source, &rec.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		rec.Amount = progression.XP(delta)
		rec.Source = shared.GrantSource(source)
		out = append(out, rec)
	}
	return out, rows.Err()
}

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

// RecordGrant appends the grant and bumps the total. Duplicate ids are ignored.
func (l *Ledger) RecordGrant(ctx context.Context, grant progression.XPGrantEvent) error {
	if grant.Amount <= 0 {
		return fmt.Errorf("%w: got %d", shared.ErrInvalidGrant, grant.Amount)
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	if grant.Timestamp.IsZero() {
		grant.Timestamp = l.now()
	}
	if grant.Source == "" {
		grant.Source = shared.SourceGameplay
	}

	return withTx(ctx, l.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO players (id) VALUES (?)`, grant.PlayerID.String()); err != nil {
			return fmt.Errorf("player insert: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO xp_grants (id, player_id, delta, reason, source, granted_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, grant.ID, grant.PlayerID.String(), grant.Amount.Int64(), grant.Reason, grant.Source.String(), grant.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("grant insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			l.logger.Debug("duplicate grant ignored", "grant_id", grant.ID, "player_id", grant.PlayerID.String())
			return nil
		}

		// SQLite turns integer overflow into REAL, so saturate here
		var total int64
		if err := tx.QueryRowContext(ctx, `SELECT total_xp FROM players WHERE id = ?`, grant.PlayerID.String()).Scan(&total); err != nil {
			return fmt.Errorf("player read: %w", err)
		}
		next := total + grant.Amount.Int64()
		if grant.Amount.Int64() > math.MaxInt64-total {
			next = math.MaxInt64
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE players SET total_xp = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, next, grant.PlayerID.String()); err != nil {
			return fmt.Errorf("player update: %w", err)
		}
		return nil
	})
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}
