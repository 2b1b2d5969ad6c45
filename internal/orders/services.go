package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaymentLimit is the largest amount the payment service accepts.
const PaymentLimit = 500.00

var (
	ErrUnknownProduct      = errors.New("inventory: product does not exist")
	ErrInsufficientStock   = errors.New("inventory: insufficient stock")
	ErrPaymentDeclined     = errors.New("payment: declined")
	ErrCarrierUnavailable  = errors.New("shipping: carrier unavailable")
	ErrReservationNotFound = errors.New("inventory: no reservation for order")
)

// Inventory keeps stock per product and the reservations per order.
type Inventory struct {
	mu           sync.Mutex
	stock        map[string]int
	reservations map[string][]OrderItem
	logger       *slog.Logger
}

func NewInventory(stock map[string]int, logger *slog.Logger) *Inventory {
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[string]int, len(stock))
	for k, v := range stock {
		copied[k] = v
	}
	return &Inventory{
		stock:        copied,
		reservations: map[string][]OrderItem{},
		logger:       logger.With("service", "inventory"),
	}
}

// Reserve takes every item or nothing. Reserving an order twice is a no-op.
func (i *Inventory) Reserve(ctx context.Context, orderID string, items []OrderItem) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, done := i.reservations[orderID]; done {
		i.logger.DebugContext(ctx, "reservation already held", "order_id", orderID)
		return nil
	}

	for _, item := range items {
		current, exists := i.stock[item.ProductID]
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownProduct, item.ProductID)
		}
		if current < item.Quantity {
			return fmt.Errorf("%w: %s available=%d requested=%d",
				ErrInsufficientStock, item.ProductID, current, item.Quantity)
		}
	}

	for _, item := range items {
		i.stock[item.ProductID] -= item.Quantity
	}
	i.reservations[orderID] = append([]OrderItem(nil), items...)
	i.logger.InfoContext(ctx, "stock reserved", "order_id", orderID, "items", len(items))
	return nil
}

// Release restores a reservation. Releasing an unknown order reports
// ErrReservationNotFound.
func (i *Inventory) Release(ctx context.Context, orderID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	items, exists := i.reservations[orderID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, orderID)
	}
	for _, item := range items {
		i.stock[item.ProductID] += item.Quantity
	}
	delete(i.reservations, orderID)
	i.logger.InfoContext(ctx, "stock released", "order_id", orderID)
	return nil
}

func (i *Inventory) Stock(productID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stock[productID]
}

// Payments charges orders up to PaymentLimit, once per idempotency key.
type Payments struct {
	mu       sync.Mutex
	payments map[string]float64
	latency  time.Duration
	logger   *slog.Logger
}

func NewPayments(logger *slog.Logger) *Payments {
	if logger == nil {
		logger = slog.Default()
	}
	return &Payments{payments: map[string]float64{}, logger: logger.With("service", "payment")}
}

// SetLatency makes every following charge wait d first, or until ctx ends.
func (p *Payments) SetLatency(d time.Duration) {
	p.mu.Lock()
	p.latency = d
	p.mu.Unlock()
}

func (p *Payments) Charge(ctx context.Context, key, orderID string, amount float64) error {
	p.mu.Lock()
	latency := p.latency
	p.mu.Unlock()
	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("payment: charge %s: %w", orderID, ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, done := p.payments[key]; done {
		return nil
	}
	if amount > PaymentLimit {
		p.logger.WarnContext(ctx, "charge declined", "order_id", orderID, "amount", amount)
		return fmt.Errorf("%w: amount %.2f exceeds limit", ErrPaymentDeclined, amount)
	}
	p.payments[key] = amount
	p.logger.InfoContext(ctx, "charge accepted", "order_id", orderID, "amount", amount)
	return nil
}

func (p *Payments) Charged(key string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	amount, ok := p.payments[key]
	return amount, ok
}

// Shipping books shipments. FailNext makes the next n calls fail with
// ErrCarrierUnavailable.
type Shipping struct {
	mu        sync.Mutex
	shipments map[string]string
	failures  int
	calls     int
	logger    *slog.Logger
}

func NewShipping(logger *slog.Logger) *Shipping {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shipping{shipments: map[string]string{}, logger: logger.With("service", "shipping")}
}

func (s *Shipping) FailNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

// Schedule returns the tracking id of the shipment of orderID.
func (s *Shipping) Schedule(ctx context.Context, orderID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if tracking, ok := s.shipments[orderID]; ok {
		return tracking, nil
	}
	if s.failures > 0 {
		s.failures--
		return "", ErrCarrierUnavailable
	}
	tracking := uuid.NewString()
	s.shipments[orderID] = tracking
	s.logger.InfoContext(ctx, "shipment scheduled", "order_id", orderID, "tracking_id", tracking)
	return tracking, nil
}

func (s *Shipping) Tracking(orderID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shipments[orderID]
}

func (s *Shipping) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
