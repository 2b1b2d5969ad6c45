package saga

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is a named dispatch key. Two states are equal when their names are.
type State string

const (
	Initial State = "Initial"
	Final   State = "Final"
)

// NewState returns a saga-specific state.
func NewState(name string) State {
	return State(strings.TrimSpace(name))
}

func (s State) String() string { return string(s) }

// Status is the lifecycle of an instance, independent of its named state.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusCompleted   Status = "COMPLETED"
	StatusCompensated Status = "COMPENSATED"
	StatusFailed      Status = "FAILED"
	StatusSuspended   Status = "SUSPENDED"
)

// IsTerminal reports whether no further message may be processed.
// Suspended is not terminal: it waits for a manual resolution message.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// Instance is one running occurrence of a saga. It is mutated only by the
// engine and is not safe for concurrent use.
type Instance struct {
	ID               uuid.UUID      `json:"id"`
	SagaName         string         `json:"saga_name"`
	TriggerMessageID string         `json:"trigger_message_id"`
	CorrelationID    string         `json:"correlation_id"`
	CurrentState     State          `json:"current_state"`
	Status           Status         `json:"status"`
	Data             map[string]any `json:"data,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// NewInstance starts an instance from its trigger message.
func NewInstance(sagaName string, trigger MessageContext) *Instance {
	now := time.Now().UTC()
	return &Instance{
		ID:               uuid.New(),
		SagaName:         sagaName,
		TriggerMessageID: trigger.MessageID(),
		CorrelationID:    trigger.CorrelationID(),
		CurrentState:     Initial,
		Status:           StatusActive,
		Data:             map[string]any{},
		StartedAt:        now,
		UpdatedAt:        now,
	}
}

// State returns the current state, Initial when unset.
func (i *Instance) State() State {
	if i == nil || i.CurrentState == "" {
		return Initial
	}
	return i.CurrentState
}

// TransitionTo moves the instance to next. Reaching Final completes it.
func (i *Instance) TransitionTo(next State) {
	i.CurrentState = next
	if next == Final && i.Status == StatusActive {
		i.Status = StatusCompleted
	}
	i.UpdatedAt = time.Now().UTC()
}

// Set stores a value in the instance data bag.
func (i *Instance) Set(key string, value any) {
	if i.Data == nil {
		i.Data = map[string]any{}
	}
	i.Data[key] = value
}

// String returns a data value as a string, "" when missing.
func (i *Instance) String(key string) string {
	if i == nil || i.Data == nil {
		return ""
	}
	s, _ := i.Data[key].(string)
	return s
}
