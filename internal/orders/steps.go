package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/jcmexdev/saga-outbox/internal/retry"
	"github.com/jcmexdev/saga-outbox/internal/saga"
)

const (
	StepReserveInventory = "reserve-inventory"
	StepChargePayment    = "charge-payment"
	StepScheduleShipment = "schedule-shipment"
)

// Services are the systems the order saga talks to.
type Services struct {
	Inventory *Inventory
	Payments  *Payments
	Shipping  *Shipping
}

// Steps returns reserve-inventory (compensatable), charge-payment (pivot)
// and schedule-shipment (retryable), in that order.
func Steps(svc Services) []saga.StepDefinition {
	return []saga.StepDefinition{
		{
			Name:         StepReserveInventory,
			Type:         saga.Compensatable,
			Compensation: &saga.CompensationBinding{Mandatory: true, Timeout: 5 * time.Second},
			Timeout:      2 * time.Second,
			Handler:      &reserveInventory{inventory: svc.Inventory},
		},
		{
			Name:    StepChargePayment,
			Type:    saga.Pivot,
			Timeout: 5 * time.Second,
			Handler: &chargePayment{payments: svc.Payments},
		},
		{
			Name: StepScheduleShipment,
			Type: saga.Retryable,
			Retry: retry.Policy{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				Shape:       retry.Exponential,
				Jitter:      true,
				MaxDelay:    2 * time.Second,
			},
			Handler: &scheduleShipment{shipping: svc.Shipping},
		},
	}
}

func placedFrom(sc saga.StepContext) (*OrderPlaced, error) {
	switch m := sc.Payload.(type) {
	case *OrderPlaced:
		return m, nil
	case OrderPlaced:
		return &m, nil
	default:
		return nil, fmt.Errorf("orders: step %s got %T", sc.StepName, sc.Payload)
	}
}

type reserveInventory struct {
	inventory *Inventory
}

func (s *reserveInventory) Execute(ctx context.Context, sc saga.StepContext) error {
	order, err := placedFrom(sc)
	if err != nil {
		return err
	}
	return s.inventory.Reserve(ctx, order.OrderID, order.Items)
}

func (s *reserveInventory) Rollback(ctx context.Context, sc saga.StepContext) error {
	order, err := placedFrom(sc)
	if err != nil {
		return err
	}
	return s.inventory.Release(ctx, order.OrderID)
}

type chargePayment struct {
	payments *Payments
}

func (s *chargePayment) Execute(ctx context.Context, sc saga.StepContext) error {
	order, err := placedFrom(sc)
	if err != nil {
		return err
	}
	return s.payments.Charge(ctx, sc.IdempotencyKey, order.OrderID, order.Total)
}

// Rollback is never called: nothing before the pivot can undo a charge.
func (s *chargePayment) Rollback(context.Context, saga.StepContext) error { return nil }

type scheduleShipment struct {
	shipping *Shipping
}

func (s *scheduleShipment) Execute(ctx context.Context, sc saga.StepContext) error {
	order, err := placedFrom(sc)
	if err != nil {
		return err
	}
	_, err = s.shipping.Schedule(ctx, order.OrderID)
	return err
}

func (s *scheduleShipment) Rollback(context.Context, saga.StepContext) error { return nil }
