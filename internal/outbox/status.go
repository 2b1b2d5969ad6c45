package outbox

import "fmt"

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
	StatusFailed     Status = "FAILED"
)

// ParseStatus validates a raw status read from storage.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether s may move to next. Processing may be
// re-entered, by the claim holder or after its lease expired (see
// Entry.ClaimableBy); Published is final.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending, StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusPublished || next == StatusFailed
	default:
		return false
	}
}

// ValidateTransition is CanTransitionTo with a descriptive error.
func ValidateTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s Status) String() string { return string(s) }
