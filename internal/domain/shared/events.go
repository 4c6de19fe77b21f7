// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Trackers and command handlers publish them, the HUD hub
// and the logging subscriber consume them.
const (
	// Progress events
	EventXPGranted     EventType = "progress.xp_granted"
	EventXPChanged     EventType = "progress.xp_changed"
	EventLevelUp       EventType = "progress.level_up"
	EventGrantRejected EventType = "progress.grant_rejected"

	// Ledger events
	EventReportFailed EventType = "ledger.report_failed"

	// Session events
	EventSessionStarted EventType = "session.started"
	EventSessionEnded   EventType = "session.ended"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// XPGrantedEvent is emitted by the grant command after a positive grant was applied.
type XPGrantedEvent struct {
	BaseEvent
	GrantID    string `json:"grant_id"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
	Source     string `json:"source"`
	NewTotalXP int64  `json:"new_total_xp"`
	NewLevel   int    `json:"new_level"`
	LeveledUp  bool   `json:"leveled_up"`
}

// Payload implements Event interface.
func (e XPGrantedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"grant_id":     e.GrantID,
		"amount":       e.Amount,
		"reason":       e.Reason,
		"source":       e.Source,
		"new_total_xp": e.NewTotalXP,
		"new_level":    e.NewLevel,
		"leveled_up":   e.LeveledUp,
	}
}

// NewXPGrantedEvent creates a new XPGrantedEvent.
func NewXPGrantedEvent(playerID, grantID string, amount int64, reason, source string, newTotal int64, newLevel int, leveledUp bool) XPGrantedEvent {
	return XPGrantedEvent{
		BaseEvent:  NewBaseEvent(EventXPGranted, playerID),
		GrantID:    grantID,
		Amount:     amount,
		Reason:     reason,
		Source:     source,
		NewTotalXP: newTotal,
		NewLevel:   newLevel,
		LeveledUp:  leveledUp,
	}
}

// XPChangedEvent mirrors an observer OnXPChanged notification.
type XPChangedEvent struct {
	BaseEvent
	TotalXP int64 `json:"total_xp"`
}

// Payload implements Event interface.
func (e XPChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"total_xp": e.TotalXP,
	}
}

// NewXPChangedEvent creates a new XPChangedEvent.
func NewXPChangedEvent(playerID string, totalXP int64) XPChangedEvent {
	return XPChangedEvent{
		BaseEvent: NewBaseEvent(EventXPChanged, playerID),
		TotalXP:   totalXP,
	}
}

// LevelUpEvent mirrors an observer OnLevelUp notification.
// NewLevel is the final level reached by the grant.
type LevelUpEvent struct {
	BaseEvent
	NewLevel int `json:"new_level"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"new_level": e.NewLevel,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(playerID string, newLevel int) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, playerID),
		NewLevel:  newLevel,
	}
}

// GrantRejectedEvent is emitted when a grant command fails validation.
type GrantRejectedEvent struct {
	BaseEvent
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
	Cause  string `json:"cause"`
}

// Payload implements Event interface.
func (e GrantRejectedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"amount": e.Amount,
		"reason": e.Reason,
		"cause":  e.Cause,
	}
}

// NewGrantRejectedEvent creates a new GrantRejectedEvent.
func NewGrantRejectedEvent(playerID string, amount int64, reason string, cause error) GrantRejectedEvent {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return GrantRejectedEvent{
		BaseEvent: NewBaseEvent(EventGrantRejected, playerID),
		Amount:    amount,
		Reason:    reason,
		Cause:     msg,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Ledger Events
// ═══════════════════════════════════════════════════════════════════════════

// ReportFailedEvent is emitted when forwarding a grant to the ledger failed.
// Local progression is not rolled back.
type ReportFailedEvent struct {
	BaseEvent
	GrantID string `json:"grant_id"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason"`
	Error   string `json:"error"`
}

// Payload implements Event interface.
func (e ReportFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"grant_id": e.GrantID,
		"amount":   e.Amount,
		"reason":   e.Reason,
		"error":    e.Error,
	}
}

// NewReportFailedEvent creates a new ReportFailedEvent.
func NewReportFailedEvent(playerID, grantID string, amount int64, reason string, err error) ReportFailedEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ReportFailedEvent{
		BaseEvent: NewBaseEvent(EventReportFailed, playerID),
		GrantID:   grantID,
		Amount:    amount,
		Reason:    reason,
		Error:     msg,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Session Events
// ═══════════════════════════════════════════════════════════════════════════

// SessionStartedEvent is emitted when a tracker was loaded for a player.
type SessionStartedEvent struct {
	BaseEvent
	StartingXP int64 `json:"starting_xp"`
	Level      int   `json:"level"`
}

// Payload implements Event interface.
func (e SessionStartedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"starting_xp": e.StartingXP,
		"level":       e.Level,
	}
}

// NewSessionStartedEvent creates a new SessionStartedEvent.
func NewSessionStartedEvent(playerID string, startingXP int64, level int) SessionStartedEvent {
	return SessionStartedEvent{
		BaseEvent:  NewBaseEvent(EventSessionStarted, playerID),
		StartingXP: startingXP,
		Level:      level,
	}
}

// SessionEndedEvent is emitted after a session was drained and dropped.
type SessionEndedEvent struct {
	BaseEvent
	FinalXP  int64         `json:"final_xp"`
	Level    int           `json:"level"`
	Duration time.Duration `json:"duration"`
}

// Payload implements Event interface.
func (e SessionEndedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"final_xp":         e.FinalXP,
		"level":            e.Level,
		"duration_seconds": int64(e.Duration.Seconds()),
	}
}

// NewSessionEndedEvent creates a new SessionEndedEvent.
func NewSessionEndedEvent(playerID string, finalXP int64, level int, duration time.Duration) SessionEndedEvent {
	return SessionEndedEvent{
		BaseEvent: NewBaseEvent(EventSessionEnded, playerID),
		FinalXP:   finalXP,
		Level:     level,
		Duration:  duration,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEventEnvelope serializes the event payload into a transport envelope.
func NewEventEnvelope(id string, event Event) (EventEnvelope, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return EventEnvelope{}, err
	}

	env := EventEnvelope{
		ID:          id,
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		Timestamp:   event.OccurredAt(),
		Version:     1,
		Payload:     payload,
	}
	if be, ok := event.(interface{ baseEvent() BaseEvent }); ok {
		env.Version = be.baseEvent().Version
		env.CorrelationID = be.baseEvent().CorrelationID
	}
	return env, nil
}

func (e BaseEvent) baseEvent() BaseEvent {
	return e
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
