// Package policy holds the business handling strategies consumers can be
// registered with. Each strategy switches over the closed set of payload
// variants; the router only guarantees that a strategy runs once per
// (envelope, consumer) and that its failure is caught.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/illmade-knight/go-eventrouter/pkg/consumer"
	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/illmade-knight/go-eventrouter/pkg/notify"
)

// ErrMissingPhone is returned when a customer notification has no destination.
var ErrMissingPhone = errors.New("customer phone number missing")

// Publisher is the part of the engine a policy may use to emit derived events.
type Publisher interface {
	Publish(ctx context.Context, t event.EventType, source, routingKey string, payload event.Payload, md event.Metadata) (string, error)
}

// Acknowledge accepts any envelope without doing anything.
func Acknowledge(context.Context, event.Envelope) error {
	return nil
}

// OrderProcessor derives one inventory event per order, reserving the ordered
// quantities, into the same routing key as the order. Other payloads are
// acknowledged.
func OrderProcessor(pub Publisher) consumer.Handler {
	return func(ctx context.Context, env event.Envelope) error {
		switch p := env.Payload.(type) {
		case event.OrderPayload:
			adjustments := make([]event.StockAdjustment, 0, len(p.Items))
			for _, item := range p.Items {
				adjustments = append(adjustments, event.StockAdjustment{SKU: item.SKU, Delta: -item.Quantity})
			}
			md := event.Metadata{event.MetaCorrelationID: env.ID}
			if prio := env.Metadata.Priority(); prio != "" {
				md[event.MetaPriority] = prio
			}
			_, err := pub.Publish(ctx, event.Inventory, "order-processor", env.RoutingKey, event.InventoryPayload{
				OrderID:     p.OrderID,
				Reason:      "order-placed",
				Adjustments: adjustments,
			}, md)
			if err != nil {
				return fmt.Errorf("failed to publish inventory reservation for order %s: %w", p.OrderID, err)
			}
			return nil
		default:
			return Acknowledge(ctx, env)
		}
	}
}

// Notifier sends customer messages for payment and delivery events through
// sender. Other payloads are acknowledged.
func Notifier(sender notify.Sender) consumer.Handler {
	return func(ctx context.Context, env event.Envelope) error {
		var phone, msg string
		switch p := env.Payload.(type) {
		case event.PaymentPayload:
			phone = p.CustomerPhone
			msg = fmt.Sprintf("Payment %s of %.2f for order %s via %s: %s", p.PaymentID, p.Amount, p.OrderID, p.Method, p.Status)
		case event.DeliveryPayload:
			phone = p.CustomerPhone
			msg = fmt.Sprintf("Order %s delivery update: %s", p.OrderID, p.Status)
			if p.ETA > 0 {
				msg += fmt.Sprintf(" (ETA %s)", p.ETA)
			}
		default:
			return Acknowledge(ctx, env)
		}
		if phone == "" {
			return fmt.Errorf("%s event %s: %w", env.Type, env.ID, ErrMissingPhone)
		}
		return sender.Send(ctx, phone, msg)
	}
}

// Analytics counts envelopes per event type and routing key.
type Analytics struct {
	mu      sync.Mutex
	counts  map[string]map[string]int
	revenue float64
}

// NewAnalytics creates an empty Analytics sink.
func NewAnalytics() *Analytics {
	return &Analytics{counts: make(map[string]map[string]int)}
}

// Handle is the consumer.Handler for Analytics.
func (a *Analytics) Handle(_ context.Context, env event.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	byKey, ok := a.counts[string(env.Type)]
	if !ok {
		byKey = make(map[string]int)
		a.counts[string(env.Type)] = byKey
	}
	byKey[env.RoutingKey]++
	if p, ok := env.Payload.(event.OrderPayload); ok {
		a.revenue += p.Total
	}
	return nil
}

// Count returns the number of envelopes seen for t and routingKey.
func (a *Analytics) Count(t event.EventType, routingKey string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[string(t)][routingKey]
}

// Revenue returns the summed order totals.
func (a *Analytics) Revenue() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.revenue
}

// RoutingKeys lists the keys seen for t, sorted.
func (a *Analytics) RoutingKeys(t event.EventType) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.counts[string(t)]))
	for k := range a.counts[string(t)] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Names of the built-in strategies, as used in configuration.
const (
	NameOrderProcessor = "order-processor"
	NameNotifier       = "notifier"
	NameAnalytics      = "analytics"
	NameAcknowledge    = "acknowledge"
)

// ByName builds a built-in strategy from its configuration name.
func ByName(name string, pub Publisher, sender notify.Sender) (consumer.Handler, error) {
	switch name {
	case NameOrderProcessor:
		return OrderProcessor(pub), nil
	case NameNotifier:
		return Notifier(sender), nil
	case NameAnalytics:
		return NewAnalytics().Handle, nil
	case NameAcknowledge, "":
		return Acknowledge, nil
	default:
		return nil, fmt.Errorf("unknown policy %q", name)
	}
}
