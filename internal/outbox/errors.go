package outbox

import "errors"

var (
	ErrNilEntry            = errors.New("outbox: entry is required")
	ErrKeyRequired         = errors.New("outbox: idempotency key is required")
	ErrMessageTypeRequired = errors.New("outbox: message type is required")
	ErrPayloadRequired     = errors.New("outbox: payload is required")
	ErrRepositoryRequired  = errors.New("outbox: repository is required")
	ErrPublisherRequired   = errors.New("outbox: publisher is required")
	ErrProcessorRequired   = errors.New("outbox: processor is required")
	ErrCodecRequired       = errors.New("outbox: codec is required")
	ErrDriverRunning       = errors.New("outbox: driver is already running")
	ErrEntryNotFound       = errors.New("outbox: entry not found")
	ErrNotClaimable        = errors.New("outbox: entry is not claimable")
	ErrOwnerRequired       = errors.New("outbox: claim owner is required")
	ErrInvalidStatus       = errors.New("outbox: invalid status")
	ErrInvalidTransition   = errors.New("outbox: invalid status transition")
)
