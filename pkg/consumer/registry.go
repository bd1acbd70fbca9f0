// Package consumer holds the registry of named subscribers, their interest
// sets and their heartbeat-derived liveness.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/illmade-knight/go-eventrouter/pkg/liveness"
	"github.com/illmade-knight/go-eventrouter/pkg/partition"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Status is the liveness classification of a consumer.
type Status string

const (
	StatusActive  Status = "active"
	StatusLagging Status = "lagging"
	StatusDead    Status = "dead"
)

// DefaultProcessingRate is used when a Spec does not set one.
const DefaultProcessingRate = 60.0

var (
	// ErrUnknownConsumer is returned for operations on an unregistered consumer id.
	ErrUnknownConsumer = errors.New("unknown consumer")
	// ErrInvalidSpec is returned when a consumer registration is malformed.
	ErrInvalidSpec = errors.New("invalid consumer spec")
)

// Handler is a consumer's processing function. A returned error or a panic
// marks the delivery as failed.
type Handler func(ctx context.Context, env event.Envelope) error

// Spec describes a consumer at registration time.
type Spec struct {
	Name      string
	Interests []event.EventType
	// Affinity, when set, restricts delivery to envelopes with this routing key.
	Affinity string
	// ProcessingRate is in events per minute.
	ProcessingRate float64
	Handler        Handler
}

// Consumer is a registered subscriber. Values returned by the registry are
// copies and safe to read without locking.
type Consumer struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Interests      []event.EventType `json:"interests"`
	Affinity       string            `json:"affinity,omitempty"`
	ProcessingRate float64           `json:"processingRate"`
	Status         Status            `json:"status"`
	LastHeartbeat  time.Time         `json:"lastHeartbeat"`
	RegisteredAt   time.Time         `json:"registeredAt"`
	Processed      uint64            `json:"processed"`
	Failed         uint64            `json:"failed"`
	Handler        Handler           `json:"-"`
}

// Interested reports whether c subscribes to t.
func (c Consumer) Interested(t event.EventType) bool {
	for _, i := range c.Interests {
		if i == t {
			return true
		}
	}
	return false
}

// Accepts reports whether the consumer's affinity admits routingKey.
func (c Consumer) Accepts(routingKey string) bool {
	return c.Affinity == "" || c.Affinity == partition.CanonicalKey(routingKey)
}

// Thresholds are the heartbeat ages at which a consumer is downgraded.
type Thresholds struct {
	LaggingAfter time.Duration
	DeadAfter    time.Duration
}

// Classify maps a heartbeat age to a status.
func (t Thresholds) Classify(age time.Duration) Status {
	switch {
	case age > t.DeadAfter:
		return StatusDead
	case age > t.LaggingAfter:
		return StatusLagging
	default:
		return StatusActive
	}
}

// Registry is the thread-safe set of consumers. Liveness is written through to
// a liveness.Store so that other processes sharing the store see the same beats.
type Registry struct {
	store      liveness.Store
	clock      clockwork.Clock
	thresholds Thresholds
	logger     zerolog.Logger

	mu        sync.RWMutex
	consumers map[string]*Consumer
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry(store liveness.Store, clock clockwork.Clock, thresholds Thresholds, logger zerolog.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("liveness store cannot be nil")
	}
	if clock == nil {
		return nil, errors.New("clock cannot be nil")
	}
	if thresholds.LaggingAfter <= 0 {
		thresholds.LaggingAfter = 2 * time.Minute
	}
	if thresholds.DeadAfter <= 0 {
		thresholds.DeadAfter = 5 * time.Minute
	}
	if thresholds.DeadAfter < thresholds.LaggingAfter {
		return nil, fmt.Errorf("dead threshold %s is shorter than lagging threshold %s", thresholds.DeadAfter, thresholds.LaggingAfter)
	}
	return &Registry{
		store:      store,
		clock:      clock,
		thresholds: thresholds,
		logger:     logger.With().Str("component", "ConsumerRegistry").Logger(),
		consumers:  make(map[string]*Consumer),
	}, nil
}

// Register adds a consumer with status active and a heartbeat of now.
func (r *Registry) Register(ctx context.Context, spec Spec) (Consumer, error) {
	if spec.Name == "" {
		return Consumer{}, fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if len(spec.Interests) == 0 {
		return Consumer{}, fmt.Errorf("%w: consumer %q has no interests", ErrInvalidSpec, spec.Name)
	}
	for _, t := range spec.Interests {
		if !t.Valid() {
			return Consumer{}, fmt.Errorf("%w: consumer %q: %w", ErrInvalidSpec, spec.Name, event.ErrUnknownEventType)
		}
	}
	if spec.ProcessingRate < 0 {
		return Consumer{}, fmt.Errorf("%w: consumer %q has negative processing rate", ErrInvalidSpec, spec.Name)
	}
	if spec.ProcessingRate == 0 {
		spec.ProcessingRate = DefaultProcessingRate
	}
	if spec.Handler == nil {
		return Consumer{}, fmt.Errorf("%w: consumer %q has no handler", ErrInvalidSpec, spec.Name)
	}

	now := r.clock.Now()
	c := &Consumer{
		ID:             uuid.NewString(),
		Name:           spec.Name,
		Interests:      append([]event.EventType(nil), spec.Interests...),
		Affinity:       partition.CanonicalKey(spec.Affinity),
		ProcessingRate: spec.ProcessingRate,
		Status:         StatusActive,
		LastHeartbeat:  now,
		RegisteredAt:   now,
		Handler:        spec.Handler,
	}
	if err := r.store.Beat(ctx, c.ID, now); err != nil {
		return Consumer{}, fmt.Errorf("failed to record initial heartbeat for %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	r.consumers[c.ID] = c
	r.order = append(r.order, c.ID)
	r.mu.Unlock()

	r.logger.Info().Str("consumer_id", c.ID).Str("name", c.Name).Float64("rate", c.ProcessingRate).Msg("Consumer registered.")
	return c.copy(), nil
}

// Deregister removes a consumer and forgets its heartbeat.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.consumers[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, id)
	}
	delete(r.consumers, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if err := r.store.Forget(ctx, id); err != nil {
		r.logger.Warn().Err(err).Str("consumer_id", id).Msg("Failed to forget heartbeat of deregistered consumer.")
	}
	return nil
}

// Get returns a copy of the consumer.
func (r *Registry) Get(id string) (Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[id]
	if !ok {
		return Consumer{}, false
	}
	return c.copy(), true
}

// Matching returns the consumers interested in eventType whose affinity admits
// routingKey and which are not dead, in registration order.
func (r *Registry) Matching(eventType event.EventType, routingKey string) []Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Consumer
	for _, id := range r.order {
		c := r.consumers[id]
		if c.Status == StatusDead || !c.Interested(eventType) || !c.Accepts(routingKey) {
			continue
		}
		out = append(out, c.copy())
	}
	return out
}

// Heartbeat records that the consumer is alive now. A dead consumer is
// restored to active.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	now := r.clock.Now()
	r.mu.Lock()
	c, ok := r.consumers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, id)
	}
	c.LastHeartbeat = now
	if c.Status != StatusActive {
		r.logger.Info().Str("consumer_id", id).Str("from", string(c.Status)).Msg("Consumer recovered on heartbeat.")
		c.Status = StatusActive
	}
	r.mu.Unlock()

	if err := r.store.Beat(ctx, id, now); err != nil {
		return fmt.Errorf("failed to store heartbeat for %s: %w", id, err)
	}
	return nil
}

// CountOutcome updates the processed/failed counters of a consumer.
func (r *Registry) CountOutcome(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consumers[id]
	if !ok {
		return
	}
	if success {
		c.Processed++
	} else {
		c.Failed++
	}
}

// Reclassify derives the consumer's status from the age of its last heartbeat.
// The shared store is authoritative; when it cannot be read the local
// timestamp is used instead.
func (r *Registry) Reclassify(ctx context.Context, id string) (Status, error) {
	r.mu.RLock()
	c, ok := r.consumers[id]
	var local time.Time
	if ok {
		local = c.LastHeartbeat
	}
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConsumer, id)
	}

	last, err := r.store.LastBeat(ctx, id)
	switch {
	case errors.Is(err, liveness.ErrNoHeartbeat):
		// expired or never written: treat as infinitely old
		last = time.Time{}
	case err != nil:
		r.logger.Warn().Err(err).Str("consumer_id", id).Msg("Heartbeat store unavailable, using local heartbeat.")
		last = local
	case local.After(last):
		last = local
	}

	now := r.clock.Now()
	next := r.thresholds.Classify(now.Sub(last))

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok = r.consumers[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConsumer, id)
	}
	if !last.IsZero() && last.After(c.LastHeartbeat) {
		c.LastHeartbeat = last
	}
	if next != c.Status {
		ev := r.logger.Warn()
		if next == StatusActive {
			ev = r.logger.Info()
		}
		ev.Str("consumer_id", id).
			Str("name", c.Name).
			Str("from", string(c.Status)).
			Str("to", string(next)).
			Dur("heartbeat_age", now.Sub(c.LastHeartbeat)).
			Msg("Consumer status changed.")
		c.Status = next
	}
	return next, nil
}

// ReclassifyAll reclassifies every consumer and returns the count per status.
func (r *Registry) ReclassifyAll(ctx context.Context) map[Status]int {
	counts := make(map[Status]int)
	for _, id := range r.ids() {
		st, err := r.Reclassify(ctx, id)
		if err != nil {
			// deregistered concurrently
			continue
		}
		counts[st]++
	}
	return counts
}

// Snapshot returns copies of every consumer in registration order.
func (r *Registry) Snapshot() []Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Consumer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.consumers[id].copy())
	}
	return out
}

// CountByStatus returns the number of consumers in status s.
func (r *Registry) CountByStatus(s Status) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.consumers {
		if c.Status == s {
			n++
		}
	}
	return n
}

func (r *Registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (c *Consumer) copy() Consumer {
	out := *c
	out.Interests = append([]event.EventType(nil), c.Interests...)
	return out
}
