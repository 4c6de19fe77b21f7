package command

import (
	"log/slog"

	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// publishEvent publishes best effort. A bus failure never fails a command.
func publishEvent(publisher shared.EventPublisher, logger *slog.Logger, event shared.Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(event); err != nil {
		logger.Warn("failed to publish event",
			"event_type", event.EventType(),
			"player_id", event.AggregateID(),
			"error", err,
		)
	}
}
