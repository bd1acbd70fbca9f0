package event

import (
	"errors"
	"fmt"
)

// EventType identifies one member of the closed set of business events the
// router understands. Routing and consumer matching depend on exact membership.
type EventType string

const (
	Order      EventType = "order"
	Payment    EventType = "payment"
	Delivery   EventType = "delivery"
	Inventory  EventType = "inventory"
	UserAction EventType = "userAction"
)

var (
	// ErrUnknownEventType is returned when an event type is not part of the enumeration.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrPayloadMismatch is returned when a payload variant does not belong to the declared event type.
	ErrPayloadMismatch = errors.New("payload does not match event type")
)

var allTypes = []EventType{Order, Payment, Delivery, Inventory, UserAction}

// complexity scales the synthetic processing delay per event type.
var complexity = map[EventType]float64{
	Order:      1.5,
	Payment:    2.0,
	Delivery:   1.2,
	Inventory:  1.0,
	UserAction: 0.5,
}

// Types returns every known event type in declaration order.
func Types() []EventType {
	out := make([]EventType, len(allTypes))
	copy(out, allTypes)
	return out
}

// ParseEventType converts a raw string into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	return t, nil
}

// Valid reports whether t is a member of the enumeration.
func (t EventType) Valid() bool {
	_, ok := complexity[t]
	return ok
}

// Complexity is the multiplicative delay factor for this event type.
// Unknown types get a neutral factor of 1.
func (t EventType) Complexity() float64 {
	if f, ok := complexity[t]; ok {
		return f
	}
	return 1
}

func (t EventType) String() string { return string(t) }

// Validate checks that t is known and that p is the payload variant for t.
func Validate(t EventType, p Payload) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if p == nil {
		return fmt.Errorf("%w: nil payload for %s", ErrPayloadMismatch, t)
	}
	if p.EventType() != t {
		return fmt.Errorf("%w: %s payload published as %s", ErrPayloadMismatch, p.EventType(), t)
	}
	return nil
}
