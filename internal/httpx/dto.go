package httpx

import (
	"encoding/json"
	"time"
)

type PublishMessageRequest struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id"`
	SenderID      string          `json:"sender_id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
}

type PublishMessageResponse struct {
	MessageID string `json:"message_id"`
	Handled   int    `json:"handled"`
}

type OutboxEntryResponse struct {
	IdempotencyKey string          `json:"idempotency_key"`
	StepName       string          `json:"step_name"`
	CorrelationID  string          `json:"correlation_id"`
	MessageType    string          `json:"message_type"`
	Status         string          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	LastError      string          `json:"last_error,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      string          `json:"created_at"`
	ProcessedAt    string          `json:"processed_at,omitempty"`
	ExpiresAt      string          `json:"expires_at,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	ClaimExpiresAt string          `json:"claim_expires_at,omitempty"`
}

type SagaLogResponse struct {
	SagaID      string   `json:"saga_id"`
	SagaName    string   `json:"saga_name"`
	Status      string   `json:"status"`
	CurrentStep string   `json:"current_step,omitempty"`
	Payload     string   `json:"payload,omitempty"`
	Errors      []string `json:"errors,omitempty"`
	TraceID     string   `json:"trace_id,omitempty"`
	SpanID      string   `json:"span_id,omitempty"`
	UpdatedAt   string   `json:"updated_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
