// Package monitor runs the periodic health tick: partition reclassification,
// then consumer reclassification, then the dead-letter retry sweep.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventrouter/pkg/consumer"
	"github.com/illmade-knight/go-eventrouter/pkg/deadletter"
	"github.com/illmade-knight/go-eventrouter/pkg/metrics"
	"github.com/illmade-knight/go-eventrouter/pkg/partition"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Partitions reclassifies every partition.
type Partitions interface {
	ReclassifyAll() []partition.Snapshot
}

// Consumers reclassifies every consumer.
type Consumers interface {
	ReclassifyAll(ctx context.Context) map[consumer.Status]int
}

// DeadLetters runs one retry sweep.
type DeadLetters interface {
	Sweep(ctx context.Context, r deadletter.Redeliverer) deadletter.SweepResult
	Status() deadletter.Status
}

// Report is the outcome of one tick.
type Report struct {
	At         time.Time                      `json:"at"`
	Partitions []partition.Snapshot           `json:"partitions"`
	Consumers  map[consumer.Status]int        `json:"consumers"`
	Sweep      deadletter.SweepResult         `json:"sweep"`
	DeadLetter map[deadletter.Disposition]int `json:"deadLetters"`
}

// Monitor is the supervisor loop.
type Monitor struct {
	partitions  Partitions
	consumers   Consumers
	deadLetters DeadLetters
	redeliverer deadletter.Redeliverer
	interval    time.Duration
	clock       clockwork.Clock
	recorder    metrics.Recorder
	logger      zerolog.Logger

	tickMu sync.Mutex
	last   Report

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	startMu sync.Mutex
}

// New creates a Monitor. interval defaults to five seconds.
func New(partitions Partitions, consumers Consumers, deadLetters DeadLetters, redeliverer deadletter.Redeliverer,
	interval time.Duration, clock clockwork.Clock, recorder metrics.Recorder, logger zerolog.Logger) (*Monitor, error) {
	if partitions == nil || consumers == nil || deadLetters == nil || redeliverer == nil {
		return nil, errors.New("monitor dependencies cannot be nil")
	}
	if clock == nil {
		return nil, errors.New("clock cannot be nil")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Monitor{
		partitions:  partitions,
		consumers:   consumers,
		deadLetters: deadLetters,
		redeliverer: redeliverer,
		interval:    interval,
		clock:       clock,
		recorder:    recorder,
		logger:      logger.With().Str("component", "HealthMonitor").Logger(),
	}, nil
}

// Tick runs one health pass. Ticks never overlap.
func (m *Monitor) Tick(ctx context.Context) Report {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	r := Report{At: m.clock.Now()}

	r.Partitions = m.partitions.ReclassifyAll()
	for _, p := range r.Partitions {
		m.recorder.RecordPartition(p.ID, string(p.Status), p.Backlog, p.CurrentLoad)
	}

	r.Consumers = m.consumers.ReclassifyAll(ctx)
	for _, s := range []consumer.Status{consumer.StatusActive, consumer.StatusLagging, consumer.StatusDead} {
		m.recorder.RecordConsumerStatus(string(s), r.Consumers[s])
	}

	r.Sweep = m.deadLetters.Sweep(ctx, m.redeliverer)
	r.DeadLetter = m.deadLetters.Status().ByDisposition
	for _, d := range []deadletter.Disposition{deadletter.DispositionRetry, deadletter.DispositionManualReview} {
		m.recorder.RecordDeadLetterDepth(string(d), r.DeadLetter[d])
	}

	ev := m.logger.Debug()
	if r.Sweep.Retried > 0 || r.Sweep.ManualReview > 0 {
		ev = m.logger.Info()
	}
	ev.Int("retried", r.Sweep.Retried).
		Int("recovered", r.Sweep.Recovered).
		Int("manual_review", r.Sweep.ManualReview).
		Int("notifications", r.Sweep.Notifications).
		Int("dead_consumers", r.Consumers[consumer.StatusDead]).
		Msg("Health tick complete.")

	m.last = r
	return r
}

// Last returns the report of the most recent tick.
func (m *Monitor) Last() Report {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	return m.last
}

// Start runs Tick every interval until Stop is called or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.logger.Info().Dur("interval", m.interval).Msg("Starting health monitor...")
	ticker := m.clock.NewTicker(m.interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.Chan():
				m.Tick(loopCtx)
			}
		}
	}()
}

// Stop ends the loop and waits for an in-progress tick, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	m.startMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.startMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info().Msg("Health monitor stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
