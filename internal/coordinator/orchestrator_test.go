package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/saga-outbox/internal/coordinator/sagalog"
	"github.com/jcmexdev/saga-outbox/internal/retry"
	"github.com/jcmexdev/saga-outbox/internal/saga"
)

type payload struct {
	Corr    string
	OrderID string `idem:"1"`
}

func (p payload) CorrelationID() string { return p.Corr }

// fakeStep records calls into a shared log.
type fakeStep struct {
	name        string
	log         *callLog
	failTimes   int
	err         error
	rollbackErr error
	block       bool
	calls       int
	panicOnRun  bool
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (s *fakeStep) Execute(ctx context.Context, sc saga.StepContext) error {
	s.calls++
	s.log.add("exec:" + s.name)
	if s.panicOnRun {
		panic("kaboom")
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil && (s.failTimes == 0 || s.calls <= s.failTimes) {
		return s.err
	}
	return nil
}

func (s *fakeStep) Rollback(context.Context, saga.StepContext) error {
	s.log.add("undo:" + s.name)
	return s.rollbackErr
}

func noSleep(context.Context, time.Duration) error { return nil }

func stepContext(t *testing.T) saga.StepContext {
	t.Helper()
	sc, err := saga.NewStepContext(payload{Corr: "c-1", OrderID: "o-1"}, "tests")
	require.NoError(t, err)
	return sc
}

func compensatable(h *fakeStep, mandatory bool) saga.StepDefinition {
	return saga.StepDefinition{
		Name:         h.name,
		Type:         saga.Compensatable,
		Compensation: &saga.CompensationBinding{Mandatory: mandatory},
		Handler:      h,
	}
}

func pivot(h *fakeStep) saga.StepDefinition {
	return saga.StepDefinition{Name: h.name, Type: saga.Pivot, Handler: h}
}

func retryable(h *fakeStep, attempts int) saga.StepDefinition {
	return saga.StepDefinition{
		Name:    h.name,
		Type:    saga.Retryable,
		Retry:   retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond},
		Handler: h,
	}
}

func newOrchestrator(t *testing.T, plan Plan) (*Orchestrator, *sagalog.MemoryRepository) {
	t.Helper()
	journal := sagalog.NewMemoryRepository()
	o, err := NewOrchestrator(plan, WithJournal(journal), WithSleeper(noSleep))
	require.NoError(t, err)
	return o, journal
}

func TestOrchestrator_CompletesAllSteps(t *testing.T) {
	log := &callLog{}
	reserve := &fakeStep{name: "reserve", log: log}
	charge := &fakeStep{name: "charge", log: log}
	ship := &fakeStep{name: "ship", log: log}

	o, journal := newOrchestrator(t, Plan{Name: "order", Steps: []saga.StepDefinition{
		compensatable(reserve, false), pivot(charge), retryable(ship, 3),
	}})

	out := o.Run(context.Background(), stepContext(t), time.Now())

	assert.Equal(t, OutcomeCompleted, out.Status)
	assert.True(t, out.PivotReached)
	assert.Equal(t, []string{"reserve", "charge", "ship"}, out.Executed)
	assert.Equal(t, []string{"exec:reserve", "exec:charge", "exec:ship"}, log.all())
	assert.Equal(t, []sagalog.Status{
		sagalog.StatusStepDone,
		sagalog.StatusStepDone, sagalog.StatusPivotReached,
		sagalog.StatusStepDone,
		sagalog.StatusCompleted,
	}, journal.Statuses("c-1"))
}

func TestOrchestrator_FailureBeforePivotCompensatesInReverse(t *testing.T) {
	log := &callLog{}
	first := &fakeStep{name: "first", log: log}
	second := &fakeStep{name: "second", log: log}
	charge := &fakeStep{name: "charge", log: log, err: errors.New("declined")}

	o, journal := newOrchestrator(t, Plan{Name: "order", Steps: []saga.StepDefinition{
		compensatable(first, false), compensatable(second, false), pivot(charge),
	}})

	out := o.Run(context.Background(), stepContext(t), time.Now())

	assert.Equal(t, OutcomeCompensated, out.Status)
	assert.Equal(t, "charge", out.FailedStep)
	assert.EqualError(t, out.Err, "declined")
	assert.False(t, out.PivotReached)
	assert.Equal(t, []string{"second", "first"}, out.Compensated)
	assert.Equal(t, []string{"exec:first", "exec:second", "exec:charge", "undo:second", "undo:first"}, log.all())
	assert.Contains(t, journal.Statuses("c-1"), sagalog.StatusCompensated)
}

func TestOrchestrator_FailureAfterPivotSuspendsWithoutCompensation(t *testing.T) {
	log := &callLog{}
	reserve := &fakeStep{name: "reserve", log: log}
	charge := &fakeStep{name: "charge", log: log}
	ship := &fakeStep{name: "ship", log: log, err: errors.New("carrier down")}

	o, journal := newOrchestrator(t, Plan{Name: "order", Steps: []saga.StepDefinition{
		compensatable(reserve, false), pivot(charge), retryable(ship, 3),
	}})

	out := o.Run(context.Background(), stepContext(t), time.Now())

	assert.Equal(t, OutcomeSuspended, out.Status)
	assert.True(t, out.PivotReached)
	assert.Empty(t, out.Compensated)
	assert.Equal(t, 3, ship.calls)
	for _, c := range log.all() {
		assert.NotContains(t, c, "undo:")
	}
	statuses := journal.Statuses("c-1")
	assert.Equal(t, sagalog.StatusSuspended, statuses[len(statuses)-1])
}

func TestOrchestrator_RetryableStepSucceedsOnLaterAttempt(t *testing.T) {
	log := &callLog{}
	charge := &fakeStep{name: "charge", log: log}
	ship := &fakeStep{name: "ship", log: log, err: errors.New("flaky"), failTimes: 2}

	o, _ := newOrchestrator(t, Plan{Name: "order", Steps: []saga.StepDefinition{
		pivot(charge), retryable(ship, 5),
	}})

	out := o.Run(context.Background(), stepContext(t), time.Now())
	assert.Equal(t, OutcomeCompleted, out.Status)
	assert.Equal(t, 3, ship.calls)
}

func TestOrchestrator_NonRetryableErrorShortCircuits(t *testing.T) {
	permanent := errors.New("address invalid")
	log := &callLog{}
	charge := &fakeStep{name: "charge", log: log}
	ship := &fakeStep{name: "ship", log: log, err: permanent}

	def := retryable(ship, 5)
	def.Retry.Retryable = []error{permanent}
	def.Retry.NonRetryable = []error{permanent}

	o, _ := newOrchestrator(t, Plan{Name: "order", Steps: []saga.StepDefinition{pivot(charge), def}})

	out := o.Run(context.Background(), stepContext(t), time.Now())
	assert.Equal(t, OutcomeSuspended, out.Status)
	assert.Equal(t, 1, ship.calls)
}

func TestOrchestrator_MandatoryCompensationFailure(t *testing.T) {
	log := &callLog{}
	first := &fakeStep{name: "first", log: log}
	second := &fakeStep{name: "second", log: log, rollbackErr: errors.New("stuck")}
	charge := &fakeStep{name: "charge", log: log, err: errors.New("declined")}

	o, _ := newOrchestrator(t, Plan{Name: "order", Steps: []saga.StepDefinition{
		compensatable(first, false), compensatable(second, true), pivot(charge),
	}})

	out := o.Run(context.Background(), stepContext(t), time.Now())
	assert.Equal(t, OutcomeCompensationFailed, out.Status)
	assert.Equal(t, []string{"first"}, out.Compensated, "later compensations still run")
}

func TestOrchestrator_CompensationUsesBindingHandlerAndDelay(t *testing.T) {
	log := &callLog{}
	undo := &fakeStep{name: "undo-reserve", log: log}
	reserve := &fakeStep{name: "reserve", log: log}
	charge := &fakeStep{name: "charge", log: log, err: errors.New("declined")}

	reserveDef := compensatable(reserve, false)
	reserveDef.Compensation.Handler = undo
	reserveDef.CompensationDelay = 5 * time.Second

	var waited []time.Duration
	o, err := NewOrchestrator(Plan{Name: "order", Steps: []saga.StepDefinition{reserveDef, pivot(charge)}},
		WithSleeper(func(_ context.Context, d time.Duration) error {
			waited = append(waited, d)
			return nil
		}))
	require.NoError(t, err)

	out := o.Run(context.Background(), stepContext(t), time.Now())
	assert.Equal(t, OutcomeCompensated, out.Status)
	assert.Equal(t, []string{"exec:reserve", "exec:charge", "undo:undo-reserve"}, log.all())
	assert.Equal(t, []time.Duration{5 * time.Second}, waited)
}

func TestOrchestrator_SagaTimeoutCompensates(t *testing.T) {
	log := &callLog{}
	reserve := &fakeStep{name: "reserve", log: log}
	charge := &fakeStep{name: "charge", log: log, block: true}

	o, journal := newOrchestrator(t, Plan{
		Name:      "order",
		Timeout:   50 * time.Millisecond,
		OnTimeout: TimeoutCompensate,
		Steps:     []saga.StepDefinition{compensatable(reserve, false), pivot(charge)},
	})

	out := o.Run(context.Background(), stepContext(t), time.Now())
	assert.True(t, out.TimedOut)
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, []string{"reserve"}, out.Compensated)
	assert.Contains(t, journal.Statuses("c-1"), sagalog.StatusTimedOut)
}

func TestOrchestrator_SagaTimeoutSuspends(t *testing.T) {
	log := &callLog{}
	reserve := &fakeStep{name: "reserve", log: log}
	charge := &fakeStep{name: "charge", log: log, block: true}

	o, _ := newOrchestrator(t, Plan{
		Name:      "order",
		Timeout:   50 * time.Millisecond,
		OnTimeout: TimeoutSuspend,
		Steps:     []saga.StepDefinition{compensatable(reserve, false), pivot(charge)},
	})

	out := o.Run(context.Background(), stepContext(t), time.Now())
	assert.True(t, out.TimedOut)
	assert.Equal(t, OutcomeSuspended, out.Status)
	assert.Empty(t, out.Compensated)
}

func TestOrchestrator_ExpiredBeforeFirstStep(t *testing.T) {
	log := &callLog{}
	reserve := &fakeStep{name: "reserve", log: log}

	o, _ := newOrchestrator(t, Plan{
		Name:    "order",
		Timeout: time.Minute,
		Steps:   []saga.StepDefinition{compensatable(reserve, false)},
	})

	out := o.Run(context.Background(), stepContext(t), time.Now().Add(-time.Hour))
	assert.True(t, out.TimedOut)
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Empty(t, log.all())
}

func TestOrchestrator_StepTimeoutIsNotSagaTimeout(t *testing.T) {
	log := &callLog{}
	reserve := &fakeStep{name: "reserve", log: log}
	charge := &fakeStep{name: "charge", log: log, block: true}

	chargeDef := pivot(charge)
	chargeDef.Timeout = 10 * time.Millisecond

	o, _ := newOrchestrator(t, Plan{
		Name:    "order",
		Timeout: time.Hour,
		Steps:   []saga.StepDefinition{compensatable(reserve, false), chargeDef},
	})

	out := o.Run(context.Background(), stepContext(t), time.Now())
	assert.False(t, out.TimedOut)
	assert.Equal(t, OutcomeCompensated, out.Status)
	require.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestOrchestrator_PanicInStepBecomesFailure(t *testing.T) {
	log := &callLog{}
	reserve := &fakeStep{name: "reserve", log: log}
	charge := &fakeStep{name: "charge", log: log, panicOnRun: true}

	o, _ := newOrchestrator(t, Plan{Name: "order", Steps: []saga.StepDefinition{
		compensatable(reserve, false), pivot(charge),
	}})

	out := o.Run(context.Background(), stepContext(t), time.Now())
	assert.Equal(t, OutcomeCompensated, out.Status)
	assert.ErrorContains(t, out.Err, "panicked")
}

func TestNewOrchestrator_RejectsInvalidPlans(t *testing.T) {
	log := &callLog{}
	a := &fakeStep{name: "a", log: log}
	b := &fakeStep{name: "b", log: log}

	_, err := NewOrchestrator(Plan{Name: "order", Steps: []saga.StepDefinition{pivot(a), pivot(b)}})
	require.ErrorIs(t, err, saga.ErrMultiplePivots)

	_, err = NewOrchestrator(Plan{Name: "order", OnTimeout: "RETRY"})
	require.Error(t, err)

	_, err = NewOrchestrator(Plan{})
	require.ErrorIs(t, err, saga.ErrDefinitionNameRequired)
}

func TestOrchestrator_StepContextCarriesKeyAndAttempt(t *testing.T) {
	var seen []saga.StepContext
	h := &recordingHandler{seen: &seen, failUntil: 2}
	o, _ := newOrchestrator(t, Plan{Name: "order", Steps: []saga.StepDefinition{
		{Name: "ship", Type: saga.Retryable, Retry: retry.Policy{MaxAttempts: 3}, Handler: h},
	}})

	sc := stepContext(t)
	out := o.Run(context.Background(), sc, time.Now())
	require.Equal(t, OutcomeCompleted, out.Status)
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].Attempt)
	assert.Equal(t, 2, seen[1].Attempt)
	assert.Equal(t, "ship", seen[1].StepName)
	assert.Equal(t, sc.IdempotencyKey, seen[1].IdempotencyKey)
	assert.Len(t, sc.IdempotencyKey, 64)
}

type recordingHandler struct {
	seen      *[]saga.StepContext
	failUntil int
}

func (h *recordingHandler) Execute(_ context.Context, sc saga.StepContext) error {
	*h.seen = append(*h.seen, sc)
	if sc.Attempt < h.failUntil {
		return errors.New("not yet")
	}
	return nil
}

func (h *recordingHandler) Rollback(context.Context, saga.StepContext) error { return nil }
