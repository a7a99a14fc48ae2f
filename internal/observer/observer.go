// ============================================================================
// Falcon-Sched Observer - Event Sink
// ============================================================================
//
// Package: internal/observer
// File: observer.go
// Purpose: Typed engine events and the sink abstraction. The engine only
// knows the Sink interface; implementations forward to metrics or logs.
//
// Events are emitted from engine loops and API handlers. Sinks must be
// fast and non-blocking: they run inline on the emitting goroutine.
//
// ============================================================================

package observer

import (
	"log/slog"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// EventKind identifies what happened.
type EventKind string

const (
	EventJobSubmitted    EventKind = "job-submitted"
	EventJobReady        EventKind = "job-ready"
	EventJobDispatched   EventKind = "job-dispatched"
	EventJobCompleted    EventKind = "job-completed"
	EventJobFailed       EventKind = "job-failed"
	EventJobCancelled    EventKind = "job-cancelled"
	EventJobDeadLettered EventKind = "job-dead-lettered"

	EventWorkerRegistered  EventKind = "worker-registered"
	EventWorkerUnreachable EventKind = "worker-unreachable"
	EventWorkerDead        EventKind = "worker-dead"

	EventQueueBlocked EventKind = "queue-blocked"
	EventFatal        EventKind = "fatal"
)

// Event is one engine occurrence.
type Event struct {
	Kind     EventKind
	JobID    types.JobID
	WorkerID types.WorkerID
	// Details carries a short human-readable annotation (error text,
	// candidate counts, ...). Never parsed by sinks.
	Details string
	// LatencySeconds is set on job-completed events.
	LatencySeconds float64
}

// Sink consumes engine events.
type Sink interface {
	Emit(e Event)
}

// ============================================================================
// Implementations
// ============================================================================

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}

// Log forwards events to slog.
type Log struct {
	Logger *slog.Logger
}

// NewLog creates a Log sink; a nil logger uses slog.Default.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger}
}

func (l *Log) Emit(e Event) {
	attrs := make([]any, 0, 6)
	if e.JobID != "" {
		attrs = append(attrs, "jobID", e.JobID)
	}
	if e.WorkerID != "" {
		attrs = append(attrs, "workerID", e.WorkerID)
	}
	if e.Details != "" {
		attrs = append(attrs, "details", e.Details)
	}

	switch e.Kind {
	case EventFatal:
		l.Logger.Error(string(e.Kind), attrs...)
	case EventWorkerUnreachable, EventWorkerDead, EventJobFailed, EventQueueBlocked:
		l.Logger.Warn(string(e.Kind), attrs...)
	default:
		l.Logger.Info(string(e.Kind), attrs...)
	}
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
