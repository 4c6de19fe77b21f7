package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// Store is the slice of Cache the profile cache needs.
type Store interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

var _ Store = (*Cache)(nil)

// ProfileCache is a read-through cache for starting XP in front of a ledger.
// A successful report drops the cached entry so the next session reloads it.
// Redis failures degrade to the ledger and are only logged.
type ProfileCache struct {
	next   progression.Ledger
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

var (
	_ progression.Ledger        = (*ProfileCache)(nil)
	_ progression.GrantRecorder = (*ProfileCache)(nil)
)

// NewProfileCache wraps next. A non-positive ttl uses TTLStartingXP.
func NewProfileCache(next progression.Ledger, store Store, ttl time.Duration, logger *slog.Logger) *ProfileCache {
	if ttl <= 0 {
		ttl = TTLStartingXP
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileCache{next: next, store: store, ttl: ttl, logger: logger}
}

// LoadStartingXP serves from cache, falling back to the ledger on miss.
func (c *ProfileCache) LoadStartingXP(ctx context.Context, playerID shared.PlayerID) (progression.XP, error) {
	key := StartingXPKey(playerID.String())

	var cached int64
	err := c.store.Get(ctx, key, &cached)
	switch {
	case err == nil:
		return progression.XP(cached), nil
	case !errors.Is(err, ErrCacheMiss):
		c.logger.Warn("starting xp cache read failed", "player_id", playerID.String(), "error", err)
	}

	xp, err := c.next.LoadStartingXP(ctx, playerID)
	if err != nil {
		return 0, err
	}

	if err := c.store.Set(ctx, key, xp.Int64(), c.ttl); err != nil {
		c.logger.Warn("starting xp cache write failed", "player_id", playerID.String(), "error", err)
	}
	return xp, nil
}

// ReportDelta forwards to the ledger and invalidates on success.
func (c *ProfileCache) ReportDelta(ctx context.Context, playerID shared.PlayerID, delta progression.XP, reason string, source shared.GrantSource) error {
	if err := c.next.ReportDelta(ctx, playerID, delta, reason, source); err != nil {
		return err
	}
	c.invalidate(ctx, playerID)
	return nil
}

// RecordGrant forwards the full grant (keeping its id) and invalidates on success.
func (c *ProfileCache) RecordGrant(ctx context.Context, grant progression.XPGrantEvent) error {
	if err := progression.ReportGrant(ctx, c.next, grant); err != nil {
		return err
	}
	c.invalidate(ctx, grant.PlayerID)
	return nil
}

func (c *ProfileCache) invalidate(ctx context.Context, playerID shared.PlayerID) {
	if err := c.store.Delete(ctx, StartingXPKey(playerID.String())); err != nil {
		c.logger.Warn("starting xp cache invalidation failed", "player_id", playerID.String(), "error", err)
	}
}
