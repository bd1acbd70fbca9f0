package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the typed business data carried by an envelope. The set of
// implementations is closed: one variant per EventType.
type Payload interface {
	EventType() EventType
	payload()
}

// LineItem is a single product line on an order.
type LineItem struct {
	SKU       string  `json:"sku"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// OrderPayload describes a placed order.
type OrderPayload struct {
	OrderID       string     `json:"orderId"`
	CustomerID    string     `json:"customerId"`
	CustomerPhone string     `json:"customerPhone,omitempty"`
	Items         []LineItem `json:"items"`
	Total         float64    `json:"total"`
}

// PaymentPayload describes a payment attempt against an order.
type PaymentPayload struct {
	PaymentID     string  `json:"paymentId"`
	OrderID       string  `json:"orderId"`
	Method        string  `json:"method"`
	Status        string  `json:"status"`
	Amount        float64 `json:"amount"`
	CustomerPhone string  `json:"customerPhone,omitempty"`
}

// DeliveryPayload describes a change in delivery state for an order.
type DeliveryPayload struct {
	DeliveryID    string        `json:"deliveryId"`
	OrderID       string        `json:"orderId"`
	Status        string        `json:"status"`
	RiderID       string        `json:"riderId,omitempty"`
	ETA           time.Duration `json:"eta,omitempty"`
	CustomerPhone string        `json:"customerPhone,omitempty"`
}

// StockAdjustment is a signed quantity change for one SKU.
type StockAdjustment struct {
	SKU   string `json:"sku"`
	Delta int    `json:"delta"`
}

// InventoryPayload describes stock movements, usually derived from an order.
type InventoryPayload struct {
	OrderID     string            `json:"orderId,omitempty"`
	Reason      string            `json:"reason"`
	Adjustments []StockAdjustment `json:"adjustments"`
}

// UserActionPayload records an interaction by an end user.
type UserActionPayload struct {
	UserID     string            `json:"userId"`
	Action     string            `json:"action"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (OrderPayload) EventType() EventType      { return Order }
func (PaymentPayload) EventType() EventType    { return Payment }
func (DeliveryPayload) EventType() EventType   { return Delivery }
func (InventoryPayload) EventType() EventType  { return Inventory }
func (UserActionPayload) EventType() EventType { return UserAction }

func (OrderPayload) payload()      {}
func (PaymentPayload) payload()    {}
func (DeliveryPayload) payload()   {}
func (InventoryPayload) payload()  {}
func (UserActionPayload) payload() {}

// DecodePayload unmarshals raw JSON into the payload variant for t.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case Order:
		var v OrderPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case Payment:
		var v PaymentPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case Delivery:
		var v DeliveryPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case Inventory:
		var v InventoryPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case UserAction:
		var v UserActionPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}
