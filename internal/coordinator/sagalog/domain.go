// Package sagalog defines the append-only journal of saga transitions.
//
// Every state change an instance goes through, and every step the
// orchestrator runs or compensates, is appended as one row. The journal is
// the operator's view of a saga: where it is, which step failed, and the
// trace that produced each row.
package sagalog

import "time"

// Status is the kind of event a row records.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusTransition   Status = "TRANSITION"
	StatusStepDone     Status = "STEP_DONE"
	StatusStepFailed   Status = "STEP_FAILED"
	StatusPivotReached Status = "PIVOT_REACHED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusCompleted    Status = "COMPLETED"
	StatusSuspended    Status = "SUSPENDED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusFailed       Status = "FAILED"
)

// SagaLog is one row of the journal.
type SagaLog struct {
	// SagaID is the correlation id of the saga instance, so rows join with
	// outbox entries of the same saga.
	SagaID string

	// SagaName is the saga type.
	SagaName string

	Status Status

	// CurrentStep is the step just executed, or the state entered for a
	// TRANSITION row.
	CurrentStep string

	// Payload is free-form JSON context, written on STARTED rows.
	Payload string

	// ErrorMessages is a JSON array of error strings.
	ErrorMessages string

	// TraceID and SpanID come from the active OpenTelemetry span.
	TraceID string
	SpanID  string

	UpdatedAt time.Time
}
