package saga

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jcmexdev/saga-outbox/internal/idempotency"
	"github.com/jcmexdev/saga-outbox/internal/retry"
)

// TransactionType classifies a step relative to the pivot.
type TransactionType string

const (
	Compensatable TransactionType = "COMPENSATABLE"
	Pivot         TransactionType = "PIVOT"
	Retryable     TransactionType = "RETRYABLE"
)

// StepContext is what a step handler receives.
type StepContext struct {
	Payload        idempotency.StepMessage
	CorrelationID  string
	SenderID       string
	IdempotencyKey string
	StepName       string
	Attempt        int
}

// NewStepContext derives the idempotency key of payload.
func NewStepContext(payload idempotency.StepMessage, senderID string) (StepContext, error) {
	key, err := idempotency.Derive(payload)
	if err != nil {
		return StepContext{}, err
	}
	return StepContext{
		Payload:        payload,
		CorrelationID:  payload.CorrelationID(),
		SenderID:       senderID,
		IdempotencyKey: key,
	}, nil
}

// StepHandler is implemented by user code. Execute runs the forward action,
// Rollback undoes it.
type StepHandler interface {
	Execute(ctx context.Context, sc StepContext) error
	Rollback(ctx context.Context, sc StepContext) error
}

// CompensationBinding declares how a compensatable step is undone. A nil
// Handler means the step's own Rollback.
type CompensationBinding struct {
	Handler   StepHandler
	Mandatory bool
	Timeout   time.Duration
}

// StepDefinition is the read-only metadata of one saga step.
type StepDefinition struct {
	Name              string
	Type              TransactionType
	Pivot             bool
	CompensationDelay time.Duration
	Compensation      *CompensationBinding
	Retry             retry.Policy
	Timeout           time.Duration
	Handler           StepHandler
}

// IsPivot reports whether the step is the point of no return.
func (s StepDefinition) IsPivot() bool {
	return s.Pivot || s.Type == Pivot
}

// RollbackHandler resolves the handler used during compensation.
func (s StepDefinition) RollbackHandler() StepHandler {
	if s.Compensation != nil && s.Compensation.Handler != nil {
		return s.Compensation.Handler
	}
	return s.Handler
}

// ValidateSteps enforces the transaction-type discipline in a single pass.
func ValidateSteps(steps []StepDefinition) error {
	seen := make(map[string]struct{}, len(steps))
	pivotAt := -1

	for i, step := range steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return fmt.Errorf("%w: position %d", ErrStepNameRequired, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, name)
		}
		seen[name] = struct{}{}

		if step.Handler == nil {
			return fmt.Errorf("%w: %s", ErrStepHandlerRequired, name)
		}

		switch step.Type {
		case Compensatable, Pivot, Retryable:
		default:
			return fmt.Errorf("%w: %s has %q", ErrUnknownTransactionType, name, step.Type)
		}

		if step.IsPivot() {
			if pivotAt >= 0 {
				return fmt.Errorf("%w: %s and %s", ErrMultiplePivots, steps[pivotAt].Name, name)
			}
			pivotAt = i
		}

		if step.Type == Compensatable && step.Compensation == nil {
			return fmt.Errorf("%w: %s", ErrMissingCompensation, name)
		}
	}

	if pivotAt < 0 {
		return nil
	}
	for i, step := range steps {
		if step.IsPivot() {
			continue
		}
		if step.Type == Compensatable && i > pivotAt {
			return fmt.Errorf("%w: %s", ErrCompensatableAfterPivot, step.Name)
		}
		if step.Type == Retryable && i < pivotAt {
			return fmt.Errorf("%w: %s", ErrRetryableBeforePivot, step.Name)
		}
	}
	return nil
}
