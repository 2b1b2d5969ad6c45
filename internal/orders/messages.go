package orders

import (
	"github.com/jcmexdev/saga-outbox/internal/idempotency"
	"github.com/jcmexdev/saga-outbox/internal/messaging"
	"github.com/jcmexdev/saga-outbox/internal/saga"
)

const (
	KindOrderPlaced       saga.Kind = "orders.OrderPlaced"
	KindOrderConfirmed    saga.Kind = "orders.OrderConfirmed"
	KindOrderCancelled    saga.Kind = "orders.OrderCancelled"
	KindOrderSuspended    saga.Kind = "orders.OrderSuspended"
	KindOrderFailed       saga.Kind = "orders.OrderFailed"
	KindShipmentDelivered saga.Kind = "orders.ShipmentDelivered"
	KindManualResolution  saga.Kind = "orders.ManualResolution"
)

// OrderPlaced starts the saga. Its key covers the order id and the total,
// so a re-sent order collapses into the same steps.
type OrderPlaced struct {
	Correlation string      `json:"correlation_id"`
	OrderID     string      `json:"order_id" idem:"1"`
	CustomerID  string      `json:"customer_id"`
	Items       []OrderItem `json:"items"`
	Total       float64     `json:"total" idem:"2"`
}

func (OrderPlaced) Kind() saga.Kind         { return KindOrderPlaced }
func (m OrderPlaced) CorrelationID() string { return m.Correlation }

type OrderConfirmed struct {
	Correlation string  `json:"correlation_id"`
	OrderID     string  `json:"order_id"`
	Amount      float64 `json:"amount"`
	TrackingID  string  `json:"tracking_id"`
}

func (OrderConfirmed) Kind() saga.Kind         { return KindOrderConfirmed }
func (m OrderConfirmed) CorrelationID() string { return m.Correlation }
func (OrderConfirmed) StepName() string        { return StepScheduleShipment }
func (m OrderConfirmed) IdempotencyFields() []idempotency.Field {
	return outcomeFields(KindOrderConfirmed, m.OrderID)
}

type OrderCancelled struct {
	Correlation string `json:"correlation_id"`
	OrderID     string `json:"order_id"`
	FailedStep  string `json:"failed_step"`
	Reason      string `json:"reason"`
}

func (OrderCancelled) Kind() saga.Kind         { return KindOrderCancelled }
func (m OrderCancelled) CorrelationID() string { return m.Correlation }
func (m OrderCancelled) StepName() string      { return m.FailedStep }
func (m OrderCancelled) IdempotencyFields() []idempotency.Field {
	return outcomeFields(KindOrderCancelled, m.OrderID)
}

// OrderSuspended asks an operator to resolve an order that failed after
// the payment was taken.
type OrderSuspended struct {
	Correlation string `json:"correlation_id"`
	OrderID     string `json:"order_id"`
	FailedStep  string `json:"failed_step"`
	Reason      string `json:"reason"`
}

func (OrderSuspended) Kind() saga.Kind         { return KindOrderSuspended }
func (m OrderSuspended) CorrelationID() string { return m.Correlation }
func (m OrderSuspended) StepName() string      { return m.FailedStep }
func (m OrderSuspended) IdempotencyFields() []idempotency.Field {
	return outcomeFields(KindOrderSuspended, m.OrderID)
}

// OrderFailed means the order could not be settled cleanly: the saga
// deadline passed (TimedOut) or a mandatory compensation did not succeed.
type OrderFailed struct {
	Correlation string `json:"correlation_id"`
	OrderID     string `json:"order_id"`
	FailedStep  string `json:"failed_step"`
	Reason      string `json:"reason"`
	TimedOut    bool   `json:"timed_out,omitempty"`
}

func (OrderFailed) Kind() saga.Kind         { return KindOrderFailed }
func (m OrderFailed) CorrelationID() string { return m.Correlation }
func (m OrderFailed) StepName() string      { return m.FailedStep }
func (m OrderFailed) IdempotencyFields() []idempotency.Field {
	return outcomeFields(KindOrderFailed, m.OrderID)
}

type ShipmentDelivered struct {
	OrderID    string `json:"order_id"`
	TrackingID string `json:"tracking_id"`
}

func (ShipmentDelivered) Kind() saga.Kind { return KindShipmentDelivered }

type ManualResolution struct {
	OrderID    string `json:"order_id"`
	Resolution string `json:"resolution"`
	Operator   string `json:"operator"`
}

func (ManualResolution) Kind() saga.Kind { return KindManualResolution }

func outcomeFields(kind saga.Kind, orderID string) []idempotency.Field {
	return []idempotency.Field{
		{Order: 0, Value: string(kind)},
		{Order: 1, Value: orderID},
	}
}

// RegisterMessages binds every order message kind on codec.
func RegisterMessages(codec *messaging.Codec) error {
	table := map[saga.Kind]messaging.Factory{
		KindOrderPlaced:       func() saga.Message { return &OrderPlaced{} },
		KindOrderConfirmed:    func() saga.Message { return &OrderConfirmed{} },
		KindOrderCancelled:    func() saga.Message { return &OrderCancelled{} },
		KindOrderSuspended:    func() saga.Message { return &OrderSuspended{} },
		KindOrderFailed:       func() saga.Message { return &OrderFailed{} },
		KindShipmentDelivered: func() saga.Message { return &ShipmentDelivered{} },
		KindManualResolution:  func() saga.Message { return &ManualResolution{} },
	}
	for kind, factory := range table {
		if err := codec.Register(kind, factory); err != nil {
			return err
		}
	}
	return nil
}
