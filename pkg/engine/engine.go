// Package engine wires the partition set, consumer registry, dispatcher,
// dead-letter store and health monitor into a single explicitly constructed
// event router.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-eventrouter/pkg/consumer"
	"github.com/illmade-knight/go-eventrouter/pkg/deadletter"
	"github.com/illmade-knight/go-eventrouter/pkg/dispatch"
	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/illmade-knight/go-eventrouter/pkg/liveness"
	"github.com/illmade-knight/go-eventrouter/pkg/metrics"
	"github.com/illmade-knight/go-eventrouter/pkg/monitor"
	"github.com/illmade-knight/go-eventrouter/pkg/notify"
	"github.com/illmade-knight/go-eventrouter/pkg/partition"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrUnknownPartition is returned for administrative actions on an undefined partition.
var ErrUnknownPartition = errors.New("unknown partition")

// Config is the engine topology and tunables.
type Config struct {
	Partitions       []partition.Spec
	DefaultPartition int
	Log              partition.LogConfig
	Thresholds       consumer.Thresholds
	Dispatch         dispatch.Config
	DeadLetter       deadletter.Policy
	MonitorInterval  time.Duration
}

// Dependencies are the engine's external collaborators. Only Sender is
// required; the rest fall back to in-process defaults.
type Dependencies struct {
	Clock      clockwork.Clock
	Sender     notify.Sender
	Liveness   liveness.Store
	ReviewSink deadletter.ReviewSink
	Archiver   partition.Archiver
	Recorder   metrics.Recorder
}

// Metrics is a read-only snapshot of engine state.
type Metrics struct {
	TotalEvents         uint64                     `json:"totalEvents"`
	ActiveConsumers     int                        `json:"activeConsumers"`
	DeadLetterCount     int                        `json:"deadLetterCount"`
	Partitions          []partition.Snapshot       `json:"partitions"`
	EventTypeCounters   map[event.EventType]uint64 `json:"eventTypeCounters"`
	ProcessingStats     []dispatch.Stat            `json:"processingStats"`
	Consumers           []consumer.Consumer        `json:"consumers"`
	UnmappedRoutingKeys uint64                     `json:"unmappedRoutingKeys"`
	PendingDeliveries   int                        `json:"pendingDeliveries"`
}

// Engine is the event router.
type Engine struct {
	clock    clockwork.Clock
	recorder metrics.Recorder
	logger   zerolog.Logger

	partitions  *partition.Set
	registry    *consumer.Registry
	dispatcher  *dispatch.Dispatcher
	deadLetters *deadletter.Store
	monitor     *monitor.Monitor

	totalEvents atomic.Uint64
	unmapped    atomic.Uint64

	countersMu sync.Mutex
	counters   map[event.EventType]uint64
}

// New builds an engine. It does not start the health monitor; call Start, or
// drive ticks directly with Tick.
func New(cfg Config, deps Dependencies, logger zerolog.Logger) (*Engine, error) {
	if deps.Sender == nil {
		return nil, errors.New("notification sender cannot be nil")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Liveness == nil {
		deps.Liveness = liveness.NewMemoryStore()
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NoopRecorder{}
	}

	table, err := partition.NewTable(cfg.Partitions, cfg.DefaultPartition)
	if err != nil {
		return nil, fmt.Errorf("failed to build partition table: %w", err)
	}

	e := &Engine{
		clock:    deps.Clock,
		recorder: deps.Recorder,
		logger:   logger.With().Str("component", "Engine").Logger(),
		counters: make(map[event.EventType]uint64),
	}
	e.partitions = partition.NewSet(table, cfg.Log, deps.Clock, deps.Archiver, logger)

	e.registry, err = consumer.NewRegistry(deps.Liveness, deps.Clock, cfg.Thresholds, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer registry: %w", err)
	}

	e.deadLetters, err = deadletter.NewStore(cfg.DeadLetter, deps.Sender, deps.ReviewSink, deps.Clock, deps.Recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead-letter store: %w", err)
	}

	e.dispatcher, err = dispatch.New(cfg.Dispatch, e.registry, e.deadLetters.RecordFailure, deps.Clock, deps.Recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	e.monitor, err = monitor.New(e.partitions, e.registry, e.deadLetters, e.dispatcher, cfg.MonitorInterval, deps.Clock, deps.Recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create health monitor: %w", err)
	}
	return e, nil
}

// Publish validates and routes one event. The only errors returned are input
// validation errors; delivery failures are absorbed into dead-letter state.
func (e *Engine) Publish(ctx context.Context, t event.EventType, source, routingKey string, payload event.Payload, md event.Metadata) (string, error) {
	if err := event.Validate(t, payload); err != nil {
		return "", err
	}

	log, mapped := e.partitions.Resolve(routingKey)
	if !mapped {
		e.unmapped.Add(1)
		e.logger.Info().Str("routing_key", routingKey).Int("partition_id", log.ID()).Msg("Routing key not mapped, using default partition.")
	}

	consumers := e.registry.Matching(t, routingKey)
	env := event.NewEnvelope(t, source, routingKey, log.ID(), payload, md, e.clock.Now())
	log.Append(env, len(consumers), func(uint64) {
		if len(consumers) == 0 {
			return
		}
		e.dispatcher.Dispatch(env, consumers, func() { log.Complete(env.ID) })
	})

	e.totalEvents.Add(1)
	e.countersMu.Lock()
	e.counters[t]++
	e.countersMu.Unlock()
	e.recorder.RecordPublished(t.String(), log.ID(), mapped)

	e.logger.Debug().
		Str("envelope_id", env.ID).
		Str("event_type", t.String()).
		Int("partition_id", env.PartitionID).
		Int("consumers", len(consumers)).
		Msg("Published.")
	return env.ID, nil
}

// RegisterConsumer adds a consumer and returns its id.
func (e *Engine) RegisterConsumer(ctx context.Context, spec consumer.Spec) (string, error) {
	c, err := e.registry.Register(ctx, spec)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// Deregister removes a consumer. Deliveries already queued for it are skipped.
func (e *Engine) Deregister(ctx context.Context, consumerID string) error {
	return e.registry.Deregister(ctx, consumerID)
}

// Heartbeat records liveness for a consumer outside of a delivery.
func (e *Engine) Heartbeat(ctx context.Context, consumerID string) error {
	return e.registry.Heartbeat(ctx, consumerID)
}

// Consumer returns a registered consumer.
func (e *Engine) Consumer(consumerID string) (consumer.Consumer, bool) {
	return e.registry.Get(consumerID)
}

// AssignPartition returns the partition a routing key resolves to.
func (e *Engine) AssignPartition(routingKey string) int {
	id, _ := e.partitions.Table().Assign(routingKey)
	return id
}

// SetPartitionOffline marks a partition offline, or returns it to derived
// classification.
func (e *Engine) SetPartitionOffline(partitionID int, offline bool) error {
	log, ok := e.partitions.Log(partitionID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPartition, partitionID)
	}
	log.SetOffline(offline)
	e.logger.Info().Int("partition_id", partitionID).Bool("offline", offline).Msg("Partition administrative state changed.")
	return nil
}

// GetMetrics returns a snapshot of engine state. Statuses are those of the
// most recent health tick.
func (e *Engine) GetMetrics() Metrics {
	e.countersMu.Lock()
	counters := make(map[event.EventType]uint64, len(e.counters))
	for t, n := range e.counters {
		counters[t] = n
	}
	e.countersMu.Unlock()

	return Metrics{
		TotalEvents:         e.totalEvents.Load(),
		ActiveConsumers:     e.registry.CountByStatus(consumer.StatusActive),
		DeadLetterCount:     e.deadLetters.Count(),
		Partitions:          e.partitions.Snapshots(),
		EventTypeCounters:   counters,
		ProcessingStats:     e.dispatcher.Stats(),
		Consumers:           e.registry.Snapshot(),
		UnmappedRoutingKeys: e.unmapped.Load(),
		PendingDeliveries:   e.dispatcher.Pending(),
	}
}

// GetDeadLetterStatus summarises the dead-letter set.
func (e *Engine) GetDeadLetterStatus() deadletter.Status {
	return e.deadLetters.Status()
}

// DeadLetters lists every dead-letter entry, oldest first.
func (e *Engine) DeadLetters() []deadletter.Entry {
	entries := e.deadLetters.List()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FirstFailedAt.Before(entries[j].FirstFailedAt)
	})
	return entries
}

// DeadLetter returns one entry.
func (e *Engine) DeadLetter(key deadletter.Key) (deadletter.Entry, bool) {
	return e.deadLetters.Get(key)
}

// Discard administratively removes a dead-letter entry.
func (e *Engine) Discard(key deadletter.Key) error {
	return e.deadLetters.Discard(key)
}

// Replay redelivers a dead-letter entry once, whatever its disposition.
// Success removes the entry; failure counts as another failed retry.
func (e *Engine) Replay(ctx context.Context, key deadletter.Key) (recovered bool, err error) {
	recovered, err = e.deadLetters.Retry(ctx, key, e.dispatcher)
	if err != nil {
		return false, err
	}
	e.logger.Info().Str("entry", key.String()).Bool("recovered", recovered).Msg("Dead-letter entry replayed.")
	return recovered, nil
}

// Tick runs one health monitor pass synchronously.
func (e *Engine) Tick(ctx context.Context) monitor.Report {
	return e.monitor.Tick(ctx)
}

// LastTick returns the report of the most recent health tick.
func (e *Engine) LastTick() monitor.Report {
	return e.monitor.Last()
}

// Start runs the health monitor on its interval.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info().Msg("Starting event router...")
	e.monitor.Start(ctx)
}

// Stop halts the monitor and drains in-flight deliveries, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.logger.Info().Msg("Stopping event router...")
	var errs []error
	if err := e.monitor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("monitor: %w", err))
	}
	if err := e.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	e.logger.Info().Msg("Event router stopped.")
	return nil
}
