// Package event defines the envelope and the closed set of typed payloads that
// flow through the router.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known metadata keys.
const (
	MetaPriority      = "priority"
	MetaCorrelationID = "correlation_id"
	PriorityHigh      = "high"
)

// Metadata is an opaque side channel attached to an envelope. The router only
// reads the priority key when modelling processing delay.
type Metadata map[string]string

// Priority returns the normalised priority value, or an empty string.
func (m Metadata) Priority() string {
	if m == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(m[MetaPriority]))
}

// Clone returns an independent copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Envelope is one published event plus its partition assignment. It is created
// once by NewEnvelope and never modified after it has been appended to a
// partition log; retries work on copies obtained through Clone.
type Envelope struct {
	ID          string    `json:"id"`
	Type        EventType `json:"eventType"`
	Source      string    `json:"source"`
	RoutingKey  string    `json:"routingKey"`
	CreatedAt   time.Time `json:"createdAt"`
	PartitionID int       `json:"partitionId"`
	Payload     Payload   `json:"payload"`
	Metadata    Metadata  `json:"metadata,omitempty"`
}

// NewEnvelope builds an envelope with a fresh identifier.
func NewEnvelope(t EventType, source, routingKey string, partitionID int, payload Payload, md Metadata, createdAt time.Time) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		Type:        t,
		Source:      source,
		RoutingKey:  routingKey,
		CreatedAt:   createdAt,
		PartitionID: partitionID,
		Payload:     payload,
		Metadata:    md.Clone(),
	}
}

// Clone returns a copy whose metadata map is not shared with e.
func (e Envelope) Clone() Envelope {
	c := e
	c.Metadata = e.Metadata.Clone()
	return c
}

// UnmarshalJSON decodes an envelope, selecting the payload variant from the
// eventType field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	var aux struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = Envelope(aux.plain)
	e.Payload = nil
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		return nil
	}
	p, err := DecodePayload(e.Type, aux.Payload)
	if err != nil {
		return fmt.Errorf("envelope %s: %w", e.ID, err)
	}
	e.Payload = p
	return nil
}
