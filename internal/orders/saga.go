// Package orders is the order-fulfilment saga: reserve stock, charge the
// customer, book the shipment, then wait for delivery.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/jcmexdev/saga-outbox/internal/coordinator"
	"github.com/jcmexdev/saga-outbox/internal/saga"
)

const SagaName = "order-fulfilment"

// DefaultTimeout bounds the whole forward run of one order.
const DefaultTimeout = 30 * time.Second

var (
	StateConfirmed = saga.NewState("Confirmed")
	StateCancelled = saga.NewState("Cancelled")
	StateSuspended = saga.NewState("Suspended")
	StateFailed    = saga.NewState("Failed")
)

const (
	dataOrderID    = "order_id"
	dataOutcome    = "outcome"
	dataFailedStep = "failed_step"
	dataReason     = "reason"
	dataAmount     = "amount"
	dataTimedOut   = "timed_out"
)

// NewPlan is the step plan run when an order is placed.
func NewPlan(svc Services, timeout time.Duration) coordinator.Plan {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return coordinator.Plan{
		Name:      SagaName,
		Steps:     Steps(svc),
		Timeout:   timeout,
		OnTimeout: coordinator.TimeoutCompensate,
	}
}

// NewDefinition wires orch into the saga definition:
//
//	Initial   --OrderPlaced-------> Confirmed | Cancelled | Suspended | Failed
//	Confirmed --ShipmentDelivered-> Final
//	Suspended --ManualResolution--> Final
func NewDefinition(orch *coordinator.Orchestrator, svc Services, senderID string) *saga.Definition {
	return saga.NewDefinition(SagaName).
		WithSteps(orch.Plan().Steps...).
		Initially(
			saga.When(KindOrderPlaced,
				saga.Then(fulfil(orch, senderID)),
				saga.Produce(outcomeMessage(svc)),
				saga.Then(settle),
			),
		).
		During(StateConfirmed,
			saga.When(KindShipmentDelivered,
				saga.TransitionTo(saga.Final),
			),
		).
		During(StateSuspended,
			saga.When(KindManualResolution,
				saga.Then(resolve),
				saga.TransitionTo(saga.Final),
			),
		)
}

func fulfil(orch *coordinator.Orchestrator, senderID string) func(context.Context, *saga.Scope) error {
	return func(ctx context.Context, s *saga.Scope) error {
		var order *OrderPlaced
		switch m := s.Context.Message().(type) {
		case *OrderPlaced:
			order = m
		case OrderPlaced:
			order = &m
		default:
			return fmt.Errorf("orders: unexpected message %T", m)
		}
		if order.Correlation == "" {
			withCorr := *order
			withCorr.Correlation = s.Instance.CorrelationID
			order = &withCorr
		}

		sc, err := saga.NewStepContext(order, senderID)
		if err != nil {
			return err
		}
		out := orch.Run(ctx, sc, s.Instance.StartedAt)

		inst := s.Instance
		inst.Set(dataOrderID, order.OrderID)
		inst.Set(dataAmount, order.Total)
		inst.Set(dataOutcome, string(out.Status))
		if out.FailedStep != "" {
			inst.Set(dataFailedStep, out.FailedStep)
		}
		if out.Err != nil {
			inst.Set(dataReason, out.Err.Error())
		}
		if out.TimedOut {
			inst.Set(dataTimedOut, true)
		}
		return nil
	}
}

func outcomeMessage(svc Services) saga.Factory {
	return func(inst *saga.Instance, _ saga.MessageContext) (saga.Message, error) {
		orderID := inst.String(dataOrderID)
		corr := inst.CorrelationID
		failed, reason := inst.String(dataFailedStep), inst.String(dataReason)

		switch coordinator.OutcomeStatus(inst.String(dataOutcome)) {
		case coordinator.OutcomeCompleted:
			amount, _ := inst.Data[dataAmount].(float64)
			return OrderConfirmed{
				Correlation: corr,
				OrderID:     orderID,
				Amount:      amount,
				TrackingID:  svc.Shipping.Tracking(orderID),
			}, nil
		case coordinator.OutcomeCompensated:
			return OrderCancelled{Correlation: corr, OrderID: orderID, FailedStep: failed, Reason: reason}, nil
		case coordinator.OutcomeSuspended:
			return OrderSuspended{Correlation: corr, OrderID: orderID, FailedStep: failed, Reason: reason}, nil
		case coordinator.OutcomeFailed, coordinator.OutcomeCompensationFailed:
			timedOut, _ := inst.Data[dataTimedOut].(bool)
			return OrderFailed{
				Correlation: corr,
				OrderID:     orderID,
				FailedStep:  failed,
				Reason:      reason,
				TimedOut:    timedOut,
			}, nil
		default:
			return nil, fmt.Errorf("orders: unknown outcome %q", inst.String(dataOutcome))
		}
	}
}

// settle moves the instance into the state matching the run outcome. A
// timed out run has been compensated already but still ends Failed.
func settle(_ context.Context, s *saga.Scope) error {
	inst := s.Instance
	switch coordinator.OutcomeStatus(inst.String(dataOutcome)) {
	case coordinator.OutcomeCompleted:
		inst.TransitionTo(StateConfirmed)
	case coordinator.OutcomeCompensated:
		inst.Status = saga.StatusCompensated
		inst.TransitionTo(StateCancelled)
	case coordinator.OutcomeSuspended:
		inst.Status = saga.StatusSuspended
		inst.TransitionTo(StateSuspended)
	default:
		inst.Status = saga.StatusFailed
		inst.TransitionTo(StateFailed)
	}
	return nil
}

func resolve(_ context.Context, s *saga.Scope) error {
	if m, ok := s.Context.Message().(*ManualResolution); ok {
		s.Instance.Set("resolution", m.Resolution)
		s.Instance.Set("resolved_by", m.Operator)
	}
	s.Instance.Status = saga.StatusActive
	return nil
}
