package messaging

import (
	"log/slog"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// BusObserver turns tracker notifications into bus events for one player.
// Publish errors are logged; the tracker never sees them.
type BusObserver struct {
	playerID  shared.PlayerID
	publisher shared.EventPublisher
	logger    *slog.Logger
}

var _ progression.Observer = (*BusObserver)(nil)

// NewBusObserver creates an observer publishing on behalf of playerID.
func NewBusObserver(playerID shared.PlayerID, publisher shared.EventPublisher, logger *slog.Logger) *BusObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusObserver{
		playerID:  playerID,
		publisher: publisher,
		logger:    logger,
	}
}

// OnXPChanged publishes progress.xp_changed.
func (o *BusObserver) OnXPChanged(total progression.XP) {
	o.publish(shared.NewXPChangedEvent(o.playerID.String(), total.Int64()))
}

// OnLevelUp publishes progress.level_up.
func (o *BusObserver) OnLevelUp(level progression.Level) {
	o.publish(shared.NewLevelUpEvent(o.playerID.String(), level.Int()))
}

func (o *BusObserver) publish(event shared.Event) {
	if err := o.publisher.Publish(event); err != nil {
		o.logger.Warn("failed to publish progress event",
			"event_type", event.EventType(),
			"player_id", o.playerID.String(),
			"error", err,
		)
	}
}
