package limiter

import (
	"time"
)

// EventType names a limiter event.
type EventType string

const (
	// EventAllowed fires when a check admits a request.
	EventAllowed EventType = "allowed"

	// EventRejected fires when a check denies a request.
	EventRejected EventType = "rejected"

	// EventViolation fires when a violation is recorded.
	EventViolation EventType = "violation"

	// EventFallback fires when a remote store error degrades a call to
	// the memory path.
	EventFallback EventType = "fallback"

	// EventWaitTimeout fires when WaitIfNeeded gives up.
	EventWaitTimeout EventType = "wait_timeout"
)

// Event is the interface all published events satisfy.
type Event interface {
	Type() EventType
	Scope() string
	Timestamp() time.Time
}

// BaseEvent carries the fields common to every event.
type BaseEvent struct {
	eventType EventType
	scope     string
	timestamp time.Time
}

// NewBaseEvent stamps an event with the current time.
func NewBaseEvent(eventType EventType, scope string) BaseEvent {
	return BaseEvent{
		eventType: eventType,
		scope:     scope,
		timestamp: time.Now(),
	}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Scope() string        { return e.scope }
func (e *BaseEvent) Timestamp() time.Time { return e.timestamp }

// AllowedEvent reports an admitted request.
type AllowedEvent struct {
	BaseEvent
	Policy    string
	Remaining int64
	Limit     int64
}

// RejectedEvent reports a denied request.
type RejectedEvent struct {
	BaseEvent
	Policy     string
	RetryAfter time.Duration
	Reason     string
}

// ViolationEvent reports a recorded violation.
type ViolationEvent struct {
	BaseEvent
	Violation Violation
}

// FallbackEvent reports a store failure handled by degrading to the
// memory path.
type FallbackEvent struct {
	BaseEvent
	Reason string
}

// WaitTimeoutEvent reports a WaitIfNeeded deadline expiry.
type WaitTimeoutEvent struct {
	BaseEvent
	Policy string
	Waited time.Duration
}

// EventListener receives published events.
type EventListener interface {
	OnEvent(event Event)
}

// EventListenerFunc adapts a function to EventListener.
type EventListenerFunc func(event Event)

func (f EventListenerFunc) OnEvent(event Event) {
	f(event)
}

// EventBus decouples event producers from subscribers.
type EventBus interface {
	Subscribe(listener EventListener)
	Publish(event Event)
	Close()
}
