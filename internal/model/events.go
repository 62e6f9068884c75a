package model

import "time"

// EventKind identifies an engine event type.
type EventKind string

const (
	EventKindMetricCalculated   EventKind = "metricCalculated"
	EventKindBreachDetected     EventKind = "breachDetected"
	EventKindBreachAcknowledged EventKind = "breachAcknowledged"
	EventKindBreachResolved     EventKind = "breachResolved"
	EventKindBreachEscalated    EventKind = "breachEscalated"
	EventKindPatternDetected    EventKind = "patternDetected"
	EventKindScoreCalculated    EventKind = "scoreCalculated"
	EventKindCalculationFailed  EventKind = "calculationFailed"
)

// Event is implemented by all engine events. Payloads carry the relevant
// entity ID and a snapshot of the changed record. Delivery is at-most-once,
// consumers must not expect re-delivery on failure.
type Event interface {
	Kind() EventKind
}

type MetricCalculatedEvent struct {
	SLAID  string
	Metric SLAMetric
	At     time.Time
}

func (MetricCalculatedEvent) Kind() EventKind { return EventKindMetricCalculated }

type BreachDetectedEvent struct {
	Breach Breach
	At     time.Time
}

func (BreachDetectedEvent) Kind() EventKind { return EventKindBreachDetected }

type BreachAcknowledgedEvent struct {
	Breach Breach
	At     time.Time
}

func (BreachAcknowledgedEvent) Kind() EventKind { return EventKindBreachAcknowledged }

type BreachResolvedEvent struct {
	Breach Breach
	At     time.Time
}

func (BreachResolvedEvent) Kind() EventKind { return EventKindBreachResolved }

type BreachEscalatedEvent struct {
	Breach     Breach
	Escalation Escalation
	At         time.Time
}

func (BreachEscalatedEvent) Kind() EventKind { return EventKindBreachEscalated }

type PatternDetectedEvent struct {
	Pattern BreachPattern
	At      time.Time
}

func (PatternDetectedEvent) Kind() EventKind { return EventKindPatternDetected }

type ScoreCalculatedEvent struct {
	Score ComplianceScore
	At    time.Time
}

func (ScoreCalculatedEvent) Kind() EventKind { return EventKindScoreCalculated }

// CalculationFailedEvent surfaces an aggregation failure instead of crashing
// the calculation queue consumer.
type CalculationFailedEvent struct {
	SLAID  string
	Reason string
	At     time.Time
}

func (CalculationFailedEvent) Kind() EventKind { return EventKindCalculationFailed }

// Dispatcher is the single event dispatch mechanism of the engine. Handlers
// subscribe once at wiring time.
type Dispatcher interface {
	Dispatch(event Event)
}

// DispatcherFunc is a function adapter for Dispatcher.
type DispatcherFunc func(event Event)

func (d DispatcherFunc) Dispatch(event Event) { d(event) }

// NoopDispatcher drops all events.
const NoopDispatcher = noopDispatcher(0)

type noopDispatcher int

func (noopDispatcher) Dispatch(event Event) {}
