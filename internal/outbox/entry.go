// Package outbox implements the transactional outbox: entries written next
// to local state, then drained by a Processor that publishes each one with
// bounded retries and records the outcome.
//
// Delivery is at-least-once. A crash between a successful publish and the
// Published mark re-publishes the entry, so targets must dedupe on the
// idempotency key.
package outbox

import (
	"strings"
	"time"
)

// Entry is one durable event awaiting publication.
type Entry struct {
	IdempotencyKey string     `json:"idempotency_key"`
	StepName       string     `json:"step_name"`
	CorrelationID  string     `json:"correlation_id"`
	MessageType    string     `json:"message_type"`
	Payload        []byte     `json:"payload"`
	CreatedAt      time.Time  `json:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	Status         Status     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      string     `json:"last_error,omitempty"`
	TTLSeconds     int        `json:"ttl_seconds,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	// ClaimedBy names the processor that last claimed the entry. While the
	// entry is Processing, ClaimExpiresAt bounds that claim.
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
}

// NewEntry builds a Pending entry.
func NewEntry(key, stepName, correlationID, messageType string, payload []byte) (*Entry, error) {
	e := &Entry{
		IdempotencyKey: strings.TrimSpace(key),
		StepName:       strings.TrimSpace(stepName),
		CorrelationID:  strings.TrimSpace(correlationID),
		MessageType:    strings.TrimSpace(messageType),
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
		Status:         StatusPending,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the fields a repository needs to persist the entry.
func (e *Entry) Validate() error {
	switch {
	case e == nil:
		return ErrNilEntry
	case e.IdempotencyKey == "":
		return ErrKeyRequired
	case e.MessageType == "":
		return ErrMessageTypeRequired
	case len(e.Payload) == 0:
		return ErrPayloadRequired
	}
	return nil
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		cp.ProcessedAt = &t
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		cp.ExpiresAt = &t
	}
	if e.ClaimExpiresAt != nil {
		t := *e.ClaimExpiresAt
		cp.ClaimExpiresAt = &t
	}
	return &cp
}

// ClaimExpired reports whether e is Processing under a claim whose lease
// ran out at or before now. A Processing entry without a lease counts as
// expired.
func (e *Entry) ClaimExpired(now time.Time) bool {
	if e.Status != StatusProcessing {
		return false
	}
	return e.ClaimExpiresAt == nil || !e.ClaimExpiresAt.After(now)
}

// ClaimableBy reports whether owner may claim e at now. Pending and Failed
// entries are free; a Processing entry only to its holder or once the
// holder's lease expired.
func (e *Entry) ClaimableBy(owner string, now time.Time) bool {
	switch e.Status {
	case StatusPending, StatusFailed:
		return true
	case StatusProcessing:
		return (owner != "" && e.ClaimedBy == owner) || e.ClaimExpired(now)
	default:
		return false
	}
}
