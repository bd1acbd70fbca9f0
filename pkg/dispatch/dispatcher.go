// Package dispatch delivers envelopes to consumers. Every (consumer, partition)
// pair has its own lane: a goroutine draining an unbounded queue, so a consumer
// sees its subset of a partition in append order while a slow consumer never
// holds up another.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventrouter/pkg/consumer"
	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/illmade-knight/go-eventrouter/pkg/metrics"
	"github.com/illmade-knight/go-eventrouter/pkg/partition"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	// ErrTimeout is the failure recorded when a handler exceeds the dispatch timeout.
	ErrTimeout = errors.New("consumer handler timed out")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("consumer handler panicked")
	// ErrStopped is the failure recorded for deliveries submitted after Stop.
	ErrStopped = errors.New("dispatcher stopped")
)

// Consumers is the part of the consumer registry the dispatcher needs.
type Consumers interface {
	Get(id string) (consumer.Consumer, bool)
	Heartbeat(ctx context.Context, id string) error
	CountOutcome(id string, success bool)
}

// FailureFunc receives a failed first-time delivery. It must not block for long;
// the lane waits for it before moving on.
type FailureFunc func(ctx context.Context, env event.Envelope, consumerID, consumerName string, err error)

// Config holds the dispatch tunables.
type Config struct {
	// BaseDelay is divided by a consumer's processing rate (events per minute)
	// to get its per-event processing time.
	BaseDelay time.Duration
	// DelayScale multiplies every computed delay. Zero disables the delay.
	DelayScale float64
	// Timeout bounds a single handler invocation.
	Timeout time.Duration
	// PrimaryRegions are routing keys served at the base rate. Any other key
	// is slowed by NonPrimaryFactor. Empty means every key is primary.
	PrimaryRegions []string
	// NonPrimaryFactor slows deliveries for routing keys outside PrimaryRegions.
	NonPrimaryFactor float64
}

const highPriorityFactor = 0.5

// StatKey identifies a processing-stats counter.
type StatKey struct {
	EventType  event.EventType
	RoutingKey string
}

// Stat is one processing-stats counter.
type Stat struct {
	EventType  event.EventType `json:"eventType"`
	RoutingKey string          `json:"routingKey"`
	Processed  uint64          `json:"processed"`
}

type delivery struct {
	env        event.Envelope
	consumerID string
	done       func()
}

type laneKey struct {
	consumerID  string
	partitionID int
}

type lane struct {
	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
}

func (l *lane) push(d delivery) {
	l.mu.Lock()
	l.queue = append(l.queue, d)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *lane) pop() (delivery, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return delivery{}, false
	}
	d := l.queue[0]
	l.queue[0] = delivery{}
	l.queue = l.queue[1:]
	return d, true
}

func (l *lane) depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Dispatcher fans envelopes out to consumer lanes.
type Dispatcher struct {
	cfg       Config
	consumers Consumers
	onFailure FailureFunc
	clock     clockwork.Clock
	recorder  metrics.Recorder
	logger    zerolog.Logger
	primary   map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopping chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	lanes   map[laneKey]*lane
	stopped bool

	statsMu sync.Mutex
	stats   map[StatKey]uint64
}

// New creates a Dispatcher. Lanes are started lazily on first use.
func New(cfg Config, consumers Consumers, onFailure FailureFunc, clock clockwork.Clock, recorder metrics.Recorder, logger zerolog.Logger) (*Dispatcher, error) {
	if consumers == nil {
		return nil, errors.New("consumer registry cannot be nil")
	}
	if onFailure == nil {
		return nil, errors.New("failure func cannot be nil")
	}
	if clock == nil {
		return nil, errors.New("clock cannot be nil")
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.NonPrimaryFactor <= 0 {
		cfg.NonPrimaryFactor = 1.5
	}
	if cfg.DelayScale < 0 {
		return nil, fmt.Errorf("delay scale must not be negative, got %v", cfg.DelayScale)
	}

	primary := make(map[string]struct{}, len(cfg.PrimaryRegions))
	for _, r := range cfg.PrimaryRegions {
		primary[partition.CanonicalKey(r)] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg,
		consumers: consumers,
		onFailure: onFailure,
		clock:     clock,
		recorder:  recorder,
		logger:    logger.With().Str("component", "Dispatcher").Logger(),
		primary:   primary,
		ctx:       ctx,
		cancel:    cancel,
		stopping:  make(chan struct{}),
		lanes:     make(map[laneKey]*lane),
		stats:     make(map[StatKey]uint64),
	}, nil
}

// DelayFor returns the modelled processing time of env by c. The same inputs
// always give the same delay.
func (d *Dispatcher) DelayFor(c consumer.Consumer, env event.Envelope) time.Duration {
	if d.cfg.DelayScale == 0 || c.ProcessingRate <= 0 {
		return 0
	}
	f := float64(d.cfg.BaseDelay) / c.ProcessingRate
	f *= env.Type.Complexity()
	if len(d.primary) > 0 {
		if _, ok := d.primary[partition.CanonicalKey(env.RoutingKey)]; !ok {
			f *= d.cfg.NonPrimaryFactor
		}
	}
	if env.Metadata.Priority() == event.PriorityHigh {
		f *= highPriorityFactor
	}
	return time.Duration(f * d.cfg.DelayScale)
}

// Dispatch queues env for each consumer. It never blocks and is safe to call
// while holding the partition lock, which is how append order becomes delivery
// order. done is called once per consumer, from another goroutine, when its
// delivery has finished.
func (d *Dispatcher) Dispatch(env event.Envelope, consumers []consumer.Consumer, done func()) {
	if done == nil {
		done = func() {}
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		// The caller may hold the partition lock that done needs.
		go d.reject(env, consumers, done)
		return
	}
	for _, c := range consumers {
		key := laneKey{consumerID: c.ID, partitionID: env.PartitionID}
		l, ok := d.lanes[key]
		if !ok {
			l = &lane{signal: make(chan struct{}, 1)}
			d.lanes[key] = l
			d.wg.Add(1)
			go d.runLane(key, l)
		}
		l.push(delivery{env: env, consumerID: c.ID, done: done})
	}
	d.mu.Unlock()
}

func (d *Dispatcher) reject(env event.Envelope, consumers []consumer.Consumer, done func()) {
	for _, c := range consumers {
		d.logger.Warn().Str("envelope_id", env.ID).Str("consumer_id", c.ID).Msg("Dispatch after stop, routing to failure handler.")
		d.onFailure(context.Background(), env.Clone(), c.ID, c.Name, ErrStopped)
		done()
	}
}

func (d *Dispatcher) runLane(key laneKey, l *lane) {
	defer d.wg.Done()
	for {
		if item, ok := l.pop(); ok {
			d.deliver(item)
			continue
		}
		select {
		case <-l.signal:
		case <-d.stopping:
			for {
				item, ok := l.pop()
				if !ok {
					d.logger.Debug().Str("consumer_id", key.consumerID).Int("partition_id", key.partitionID).Msg("Lane drained.")
					return
				}
				d.deliver(item)
			}
		}
	}
}

func (d *Dispatcher) deliver(item delivery) {
	defer item.done()

	c, ok := d.consumers.Get(item.consumerID)
	if !ok {
		d.logger.Warn().Str("envelope_id", item.env.ID).Str("consumer_id", item.consumerID).Msg("Consumer deregistered before delivery, skipping.")
		return
	}

	start := d.clock.Now()
	err := d.wait(d.ctx, d.DelayFor(c, item.env))
	if err == nil {
		err = d.invoke(d.ctx, c, item.env)
	}
	d.settle(d.ctx, c, item.env, err, d.clock.Since(start))

	if err != nil {
		d.logger.Warn().Err(err).
			Str("envelope_id", item.env.ID).
			Str("consumer_id", c.ID).
			Str("consumer", c.Name).
			Str("event_type", item.env.Type.String()).
			Int("partition_id", item.env.PartitionID).
			Msg("Delivery failed, handing to failure handler.")
		d.onFailure(d.ctx, item.env.Clone(), c.ID, c.Name, err)
	}
}

// Redeliver synchronously retries env for one consumer, bypassing the lanes
// and the modelled delay. A dead consumer is still tried; success is what
// revives it.
func (d *Dispatcher) Redeliver(ctx context.Context, env event.Envelope, consumerID string) error {
	c, ok := d.consumers.Get(consumerID)
	if !ok {
		return fmt.Errorf("%w: %s", consumer.ErrUnknownConsumer, consumerID)
	}
	start := d.clock.Now()
	err := d.invoke(ctx, c, env)
	d.settle(ctx, c, env, err, d.clock.Since(start))
	return err
}

// settle applies the side effects common to every completed attempt.
func (d *Dispatcher) settle(ctx context.Context, c consumer.Consumer, env event.Envelope, err error, took time.Duration) {
	// Liveness and correctness are separate signals: a failing handler is
	// still alive.
	if hbErr := d.consumers.Heartbeat(ctx, c.ID); hbErr != nil {
		d.logger.Warn().Err(hbErr).Str("consumer_id", c.ID).Msg("Failed to record heartbeat.")
	}
	d.consumers.CountOutcome(c.ID, err == nil)
	d.recorder.RecordDelivery(c.Name, env.Type.String(), err == nil, took)
	if err != nil {
		return
	}
	d.statsMu.Lock()
	d.stats[StatKey{EventType: env.Type, RoutingKey: partition.CanonicalKey(env.RoutingKey)}]++
	d.statsMu.Unlock()
	d.logger.Debug().Str("envelope_id", env.ID).Str("consumer", c.Name).Dur("took", took).Msg("Delivered.")
}

func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-d.clock.After(delay):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processing delay interrupted: %w", ctx.Err())
	}
}

// invoke runs the handler under the dispatch timeout and converts a panic into
// an error.
func (d *Dispatcher) invoke(ctx context.Context, c consumer.Consumer, env event.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		result <- c.Handler(ctx, env.Clone())
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, d.cfg.Timeout)
		}
		return ctx.Err()
	}
}

// Stats returns the per (event type, routing key) success counters, sorted.
func (d *Dispatcher) Stats() []Stat {
	d.statsMu.Lock()
	out := make([]Stat, 0, len(d.stats))
	for k, v := range d.stats {
		out = append(out, Stat{EventType: k.EventType, RoutingKey: k.RoutingKey, Processed: v})
	}
	d.statsMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventType != out[j].EventType {
			return out[i].EventType < out[j].EventType
		}
		return out[i].RoutingKey < out[j].RoutingKey
	})
	return out
}

// Processed returns the success counter for one key.
func (d *Dispatcher) Processed(t event.EventType, routingKey string) uint64 {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats[StatKey{EventType: t, RoutingKey: partition.CanonicalKey(routingKey)}]
}

// Pending is the number of deliveries queued across all lanes, excluding
// those currently executing.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	lanes := make([]*lane, 0, len(d.lanes))
	for _, l := range d.lanes {
		lanes = append(lanes, l)
	}
	d.mu.Unlock()
	n := 0
	for _, l := range lanes {
		n += l.depth()
	}
	return n
}

// Stop refuses new deliveries and waits for every lane to drain. When ctx
// expires first, in-flight work is cancelled and ctx's error returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.stopping)
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping dispatcher, draining lanes...")
	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.cancel()
		d.logger.Info().Msg("Dispatcher stopped.")
		return nil
	case <-ctx.Done():
		d.cancel()
		d.logger.Warn().Msg("Dispatcher stop timed out, cancelled in-flight deliveries.")
		return ctx.Err()
	}
}
