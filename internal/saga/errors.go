package saga

import "errors"

var (
	ErrDefinitionRequired     = errors.New("saga: definition is required")
	ErrDefinitionNameRequired = errors.New("saga: definition name is required")
	ErrNilActivity            = errors.New("saga: activity is nil")
	ErrMessageRequired        = errors.New("saga: message is required")
	ErrInstanceRequired       = errors.New("saga: instance is required")
	ErrEmitterRequired        = errors.New("saga: emitter is required to produce messages")
	ErrRegistryClosed         = errors.New("saga: registry is closed")
	ErrStoreRequired          = errors.New("saga: instance store is required")

	ErrMultiplePivots          = errors.New("saga: more than one pivot step")
	ErrMissingCompensation     = errors.New("saga: compensatable step has no compensation binding")
	ErrCompensatableAfterPivot = errors.New("saga: compensatable step declared after the pivot")
	ErrRetryableBeforePivot    = errors.New("saga: retryable step declared before the pivot")
	ErrStepNameRequired        = errors.New("saga: step name is required")
	ErrDuplicateStep           = errors.New("saga: duplicate step name")
	ErrStepHandlerRequired     = errors.New("saga: step handler is required")
	ErrUnknownTransactionType  = errors.New("saga: unknown transaction type")
)
