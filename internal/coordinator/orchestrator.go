// Package coordinator runs the ordered steps of one saga: forward execution,
// pivot bookkeeping, reverse compensation and the saga-level timeout.
// Every transition is appended to the saga log.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/saga-outbox/internal/coordinator/sagalog"
	"github.com/jcmexdev/saga-outbox/internal/retry"
	"github.com/jcmexdev/saga-outbox/internal/saga"
)

const tracerName = "github.com/jcmexdev/saga-outbox/internal/coordinator"

// TimeoutBehavior decides what happens when the saga deadline passes.
type TimeoutBehavior string

const (
	// TimeoutCompensate runs the reverse compensations, then fails the saga.
	TimeoutCompensate TimeoutBehavior = "COMPENSATE"
	// TimeoutSuspend parks the saga for manual resolution.
	TimeoutSuspend TimeoutBehavior = "SUSPEND"
)

// Plan is the ordered step list of one saga type.
type Plan struct {
	Name      string
	Steps     []saga.StepDefinition
	Timeout   time.Duration
	OnTimeout TimeoutBehavior
}

// ValidatePlan checks the step discipline once, before any run.
func ValidatePlan(p Plan) error {
	if p.Name == "" {
		return saga.ErrDefinitionNameRequired
	}
	switch p.OnTimeout {
	case "", TimeoutCompensate, TimeoutSuspend:
	default:
		return fmt.Errorf("coordinator: unknown timeout behavior %q", p.OnTimeout)
	}
	return saga.ValidateSteps(p.Steps)
}

// OutcomeStatus is how a run ended.
type OutcomeStatus string

const (
	OutcomeCompleted          OutcomeStatus = "COMPLETED"
	OutcomeCompensated        OutcomeStatus = "COMPENSATED"
	OutcomeCompensationFailed OutcomeStatus = "COMPENSATION_FAILED"
	OutcomeSuspended          OutcomeStatus = "SUSPENDED"
	OutcomeFailed             OutcomeStatus = "FAILED"
)

// Outcome reports a run. Failures are carried here rather than returned.
type Outcome struct {
	Status       OutcomeStatus
	FailedStep   string
	Err          error
	Executed     []string
	Compensated  []string
	PivotReached bool
	TimedOut     bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithJournal(repo sagalog.Repository) Option {
	return func(o *Orchestrator) { o.journal = repo }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSleeper replaces the wait used for retry backoff and compensation
// delays.
func WithSleeper(sleep retry.Sleeper) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// Orchestrator manages the execution of a validated Plan.
type Orchestrator struct {
	plan    Plan
	journal sagalog.Repository
	logger  *slog.Logger
	tracer  trace.Tracer
	sleep   retry.Sleeper
}

func NewOrchestrator(plan Plan, opts ...Option) (*Orchestrator, error) {
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	if plan.OnTimeout == "" {
		plan.OnTimeout = TimeoutCompensate
	}
	o := &Orchestrator{
		plan:   plan,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		sleep:  retry.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("saga", plan.Name)
	return o, nil
}

func (o *Orchestrator) Plan() Plan { return o.plan }

// Run executes the steps in order for one saga instance. startedAt is the
// trigger time the saga timeout is measured from.
func (o *Orchestrator) Run(ctx context.Context, sc saga.StepContext, startedAt time.Time) Outcome {
	ctx, span := o.tracer.Start(ctx, "saga.run", trace.WithAttributes(
		attribute.String("saga.name", o.plan.Name),
		attribute.String("saga.correlation_id", sc.CorrelationID),
	))
	defer span.End()

	runCtx := ctx
	if o.plan.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, startedAt.Add(o.plan.Timeout))
		defer cancel()
	}

	var (
		out      Outcome
		executed []saga.StepDefinition
	)

	for _, step := range o.plan.Steps {
		if o.sagaExpired(runCtx, ctx) {
			return o.finish(span, o.onTimeout(ctx, sc, executed, out))
		}

		stepCtx := sc
		stepCtx.StepName = step.Name
		if err := o.execute(runCtx, step, stepCtx); err != nil {
			out.FailedStep = step.Name
			out.Err = err
			o.record(ctx, sc, sagalog.StatusStepFailed, step.Name, err)

			if o.sagaExpired(runCtx, ctx) {
				return o.finish(span, o.onTimeout(ctx, sc, executed, out))
			}
			if out.PivotReached {
				o.logger.WarnContext(ctx, "step failed after pivot, suspending",
					"step", step.Name, "correlation_id", sc.CorrelationID, "error", err)
				out.Status = OutcomeSuspended
				o.record(ctx, sc, sagalog.StatusSuspended, step.Name, err)
				return o.finish(span, out)
			}
			o.logger.WarnContext(ctx, "step failed, compensating",
				"step", step.Name, "correlation_id", sc.CorrelationID, "error", err)
			return o.finish(span, o.compensate(ctx, sc, executed, out, OutcomeCompensated))
		}

		executed = append(executed, step)
		out.Executed = append(out.Executed, step.Name)
		o.record(ctx, sc, sagalog.StatusStepDone, step.Name, nil)

		if step.IsPivot() {
			out.PivotReached = true
			o.record(ctx, sc, sagalog.StatusPivotReached, step.Name, nil)
		}
	}

	out.Status = OutcomeCompleted
	o.record(ctx, sc, sagalog.StatusCompleted, "", nil)
	o.logger.InfoContext(ctx, "saga completed", "correlation_id", sc.CorrelationID)
	return o.finish(span, out)
}

// sagaExpired reports whether the saga deadline, not the caller, ended runCtx.
func (o *Orchestrator) sagaExpired(runCtx, parent context.Context) bool {
	return o.plan.Timeout > 0 &&
		errors.Is(runCtx.Err(), context.DeadlineExceeded) &&
		parent.Err() == nil
}

func (o *Orchestrator) onTimeout(ctx context.Context, sc saga.StepContext, executed []saga.StepDefinition, out Outcome) Outcome {
	out.TimedOut = true
	if out.Err == nil {
		out.Err = context.DeadlineExceeded
	}
	o.record(ctx, sc, sagalog.StatusTimedOut, out.FailedStep, out.Err)
	o.logger.WarnContext(ctx, "saga timed out",
		"correlation_id", sc.CorrelationID, "behavior", o.plan.OnTimeout, "pivot_reached", out.PivotReached)

	if o.plan.OnTimeout == TimeoutSuspend || out.PivotReached {
		out.Status = OutcomeSuspended
		o.record(ctx, sc, sagalog.StatusSuspended, out.FailedStep, out.Err)
		return out
	}
	return o.compensate(ctx, sc, executed, out, OutcomeFailed)
}

// compensate undoes executed compensatable steps in reverse order. It runs
// detached from ctx cancellation so a cancelled caller still gets a
// consistent rollback.
func (o *Orchestrator) compensate(ctx context.Context, sc saga.StepContext, executed []saga.StepDefinition, out Outcome, final OutcomeStatus) Outcome {
	ctx = context.WithoutCancel(ctx)
	o.record(ctx, sc, sagalog.StatusCompensating, out.FailedStep, out.Err)

	mandatoryFailed := false
	for i := len(executed) - 1; i >= 0; i-- {
		step := executed[i]
		if step.Type != saga.Compensatable || step.Compensation == nil {
			continue
		}

		stepCtx := sc
		stepCtx.StepName = step.Name
		if err := o.rollback(ctx, step, stepCtx); err != nil {
			o.logger.ErrorContext(ctx, "compensation failed",
				"step", step.Name, "correlation_id", sc.CorrelationID,
				"mandatory", step.Compensation.Mandatory, "error", err)
			o.record(ctx, sc, sagalog.StatusStepFailed, step.Name, err)
			if step.Compensation.Mandatory {
				mandatoryFailed = true
			}
			continue
		}
		out.Compensated = append(out.Compensated, step.Name)
	}

	if mandatoryFailed {
		out.Status = OutcomeCompensationFailed
		o.record(ctx, sc, sagalog.StatusFailed, out.FailedStep, out.Err)
		return out
	}

	out.Status = final
	o.record(ctx, sc, sagalog.StatusCompensated, out.FailedStep, nil)
	if final == OutcomeFailed {
		o.record(ctx, sc, sagalog.StatusFailed, out.FailedStep, out.Err)
	}
	return out
}

func (o *Orchestrator) execute(ctx context.Context, step saga.StepDefinition, sc saga.StepContext) error {
	policy := retry.Policy{MaxAttempts: 1}
	if step.Type == saga.Retryable {
		policy = step.Retry
	}
	if step.Timeout > 0 {
		policy.Timeout = step.Timeout
	}

	return policy.DoWith(ctx, o.sleep, func(ctx context.Context, attempt int) error {
		sc.Attempt = attempt
		return o.traced(ctx, "saga.step", step, sc, step.Handler.Execute)
	})
}

func (o *Orchestrator) rollback(ctx context.Context, step saga.StepDefinition, sc saga.StepContext) error {
	if d := step.CompensationDelay; d > 0 {
		if err := o.sleep(ctx, d); err != nil {
			return err
		}
	}
	if t := step.Compensation.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return o.traced(ctx, "saga.compensate", step, sc, step.RollbackHandler().Rollback)
}

func (o *Orchestrator) traced(
	ctx context.Context,
	spanName string,
	step saga.StepDefinition,
	sc saga.StepContext,
	fn func(context.Context, saga.StepContext) error,
) (err error) {
	ctx, span := o.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("saga.step", step.Name),
		attribute.String("saga.step.type", string(step.Type)),
		attribute.Int("saga.step.attempt", sc.Attempt),
		attribute.String("saga.idempotency_key", sc.IdempotencyKey),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coordinator: step %s panicked: %v", step.Name, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return fn(ctx, sc)
}

func (o *Orchestrator) finish(span trace.Span, out Outcome) Outcome {
	span.SetAttributes(attribute.String("saga.outcome", string(out.Status)))
	if out.Status != OutcomeCompleted && out.Err != nil {
		span.SetStatus(codes.Error, out.Err.Error())
	}
	return out
}

func (o *Orchestrator) record(ctx context.Context, sc saga.StepContext, status sagalog.Status, step string, err error) {
	var errs []string
	if err != nil {
		errs = []string{err.Error()}
	}
	entry := sagalog.NewEntry(ctx, sc.CorrelationID, o.plan.Name, status, step, "", errs)
	if jerr := sagalog.Record(ctx, o.journal, entry); jerr != nil {
		o.logger.WarnContext(ctx, "saga journal write failed", "status", status, "error", jerr)
	}
}
