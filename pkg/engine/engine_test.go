package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventrouter/pkg/consumer"
	"github.com/illmade-knight/go-eventrouter/pkg/deadletter"
	"github.com/illmade-knight/go-eventrouter/pkg/engine"
	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/illmade-knight/go-eventrouter/pkg/partition"
	"github.com/illmade-knight/go-eventrouter/pkg/policy"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type mockSender struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (m *mockSender) Send(_ context.Context, _ string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("gateway unavailable")
	}
	m.messages = append(m.messages, message)
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

type mockReviewSink struct {
	mu      sync.Mutex
	entries []deadletter.Entry
}

func (m *mockReviewSink) Export(_ context.Context, e deadletter.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockReviewSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// recorder is a handler that remembers envelope ids in delivery order.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) handle(_ context.Context, env event.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, env.ID)
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func failing(context.Context, event.Envelope) error {
	return errors.New("downstream rejected event")
}

const defaultPartition = 9

func testConfig() engine.Config {
	return engine.Config{
		Partitions: []partition.Spec{
			{ID: 1, Capacity: 100, RoutingKeys: []string{"nairobi", "mombasa"}},
			{ID: 2, Capacity: 100, RoutingKeys: []string{"kisumu"}},
			{ID: defaultPartition, Capacity: 100},
		},
		DefaultPartition: defaultPartition,
	}
}

type harness struct {
	engine *engine.Engine
	clock  *clockwork.FakeClock
	sender *mockSender
	sink   *mockReviewSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  clockwork.NewFakeClock(),
		sender: &mockSender{},
		sink:   &mockReviewSink{},
	}
	e, err := engine.New(testConfig(), engine.Dependencies{
		Clock:      h.clock,
		Sender:     h.sender,
		ReviewSink: h.sink,
	}, zerolog.Nop())
	require.NoError(t, err)
	h.engine = e
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return h
}

func (h *harness) register(t *testing.T, name string, handler consumer.Handler, interests ...event.EventType) string {
	t.Helper()
	id, err := h.engine.RegisterConsumer(context.Background(), consumer.Spec{
		Name:      name,
		Interests: interests,
		Handler:   handler,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) processed(id string) uint64 {
	c, _ := h.engine.Consumer(id)
	return c.Processed
}

func order(id string) event.OrderPayload {
	return event.OrderPayload{
		OrderID:    id,
		CustomerID: "c-1",
		Items:      []event.LineItem{{SKU: "maize-2kg", Quantity: 2, UnitPrice: 150}},
		Total:      300,
	}
}

// --- Tests ---

func TestEngine_OrderFansOutAndDerivesInventory(t *testing.T) {
	// Arrange
	h := newHarness(t)
	ctx := context.Background()
	analytics := policy.NewAnalytics()
	processorID := h.register(t, policy.NameOrderProcessor, policy.OrderProcessor(h.engine), event.Order)
	analyticsID := h.register(t, policy.NameAnalytics, analytics.Handle, event.Order, event.Inventory)
	before := h.engine.GetMetrics().TotalEvents

	// Act
	_, err := h.engine.Publish(ctx, event.Order, "web", "nairobi", order("o-1"), nil)
	require.NoError(t, err)

	// Assert
	require.Eventually(t, func() bool {
		return h.processed(processorID) == 1 && h.processed(analyticsID) == 2
	}, 2*time.Second, 5*time.Millisecond)

	m := h.engine.GetMetrics()
	assert.Equal(t, before+2, m.TotalEvents, "original and derived event")
	assert.Equal(t, uint64(1), m.EventTypeCounters[event.Order])
	assert.Equal(t, uint64(1), m.EventTypeCounters[event.Inventory])
	assert.Equal(t, 1, analytics.Count(event.Order, "nairobi"))
	assert.Equal(t, 1, analytics.Count(event.Inventory, "nairobi"))
	assert.Zero(t, m.DeadLetterCount)
	assert.Zero(t, h.engine.GetDeadLetterStatus().Count)

	// The derived event lands in the order's partition.
	for _, p := range m.Partitions {
		if p.ID == 1 {
			assert.Equal(t, uint64(2), p.Appended)
		} else {
			assert.Zero(t, p.Appended)
		}
	}
}

func TestEngine_FailingConsumerEscalatesOnceAndParks(t *testing.T) {
	// Arrange
	h := newHarness(t)
	ctx := context.Background()
	consumerID := h.register(t, "always-fails", failing, event.Payment)

	// Act
	envID, err := h.engine.Publish(ctx, event.Payment, "pos", "nairobi", event.PaymentPayload{PaymentID: "p-1", OrderID: "o-1", Amount: 300}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.engine.GetDeadLetterStatus().Count == 1 }, 2*time.Second, 5*time.Millisecond)

	// Assert: first failure only
	key := deadletter.Key{EnvelopeID: envID, ConsumerID: consumerID}
	entry, ok := h.engine.DeadLetter(key)
	require.True(t, ok)
	assert.Equal(t, 1, entry.FailureCount)
	assert.False(t, entry.NotificationSent)
	assert.Equal(t, deadletter.DispositionRetry, entry.Disposition)

	// Two sweeps bring the count to the notification threshold. The initial
	// failure counts as 1, so the "fail, then sweep three times" walkthrough
	// lands on 4 here rather than 3; the notification still fires once, at 3.
	h.engine.Tick(ctx)
	h.engine.Tick(ctx)
	entry, _ = h.engine.DeadLetter(key)
	assert.Equal(t, 3, entry.FailureCount)
	assert.True(t, entry.NotificationSent)
	assert.Equal(t, 1, h.sender.count())

	// Further sweeps never notify again, and stop at the ceiling.
	for i := 0; i < 5; i++ {
		h.engine.Tick(ctx)
	}
	entry, _ = h.engine.DeadLetter(key)
	assert.Equal(t, 5, entry.FailureCount)
	assert.Equal(t, deadletter.DispositionManualReview, entry.Disposition)
	assert.Equal(t, 1, h.sender.count())
	assert.Equal(t, 1, h.sink.count(), "parked entries are exported once")

	report := h.engine.Tick(ctx)
	assert.Zero(t, report.Sweep.Retried, "parked entries are not retried")

	status := h.engine.GetDeadLetterStatus()
	assert.Equal(t, 1, status.Count)
	require.NotNil(t, status.OldestTimestamp)
	assert.Equal(t, 1, status.CountsByFailureReason["downstream rejected event"])
}

func TestEngine_RoutingIsDeterministicWithDefault(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, h.engine.AssignPartition("nairobi"))
		assert.Equal(t, 1, h.engine.AssignPartition(" Mombasa "))
		assert.Equal(t, 2, h.engine.AssignPartition("kisumu"))
		assert.Equal(t, defaultPartition, h.engine.AssignPartition("eldoret"))
		assert.Equal(t, defaultPartition, h.engine.AssignPartition(""))
	}

	_, err := h.engine.Publish(context.Background(), event.UserAction, "app", "eldoret", event.UserActionPayload{UserID: "u", Action: "view"}, nil)
	require.NoError(t, err, "unmapped keys never fail")
	m := h.engine.GetMetrics()
	assert.Equal(t, uint64(1), m.UnmappedRoutingKeys)
	for _, p := range m.Partitions {
		if p.ID == defaultPartition {
			assert.Equal(t, uint64(1), p.Appended)
		}
	}
}

func TestEngine_PublishRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Publish(ctx, event.EventType("refund"), "x", "nairobi", order("o"), nil)
	assert.ErrorIs(t, err, event.ErrUnknownEventType)

	_, err = h.engine.Publish(ctx, event.Payment, "x", "nairobi", order("o"), nil)
	assert.ErrorIs(t, err, event.ErrPayloadMismatch)

	assert.Zero(t, h.engine.GetMetrics().TotalEvents)
}

func TestEngine_PreservesPartitionOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var seen recorder
	id := h.register(t, "ordered", seen.handle, event.Order)

	var published []string
	for i := 0; i < 30; i++ {
		key := "nairobi"
		if i%2 == 1 {
			key = "mombasa" // same partition
		}
		envID, err := h.engine.Publish(ctx, event.Order, "web", key, order("o"), nil)
		require.NoError(t, err)
		published = append(published, envID)
	}

	require.Eventually(t, func() bool { return h.processed(id) == 30 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, published, seen.snapshot())
}

func TestEngine_IndependentConsumerFate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	failingID := h.register(t, "a", failing, event.Order)
	okID := h.register(t, "b", policy.Acknowledge, event.Order)

	envID, err := h.engine.Publish(ctx, event.Order, "web", "kisumu", order("o-2"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.processed(okID) == 1 && h.engine.GetDeadLetterStatus().Count == 1
	}, 2*time.Second, 5*time.Millisecond)

	entries := h.engine.DeadLetters()
	require.Len(t, entries, 1)
	assert.Equal(t, deadletter.Key{EnvelopeID: envID, ConsumerID: failingID}, entries[0].Key)

	m := h.engine.GetMetrics()
	require.Len(t, m.ProcessingStats, 1)
	assert.Equal(t, event.Order, m.ProcessingStats[0].EventType)
	assert.Equal(t, "kisumu", m.ProcessingStats[0].RoutingKey)
	assert.Equal(t, uint64(1), m.ProcessingStats[0].Processed)

	a, _ := h.engine.Consumer(failingID)
	assert.Equal(t, consumer.StatusActive, a.Status, "a failing consumer is still alive")
	assert.Equal(t, uint64(1), a.Failed)
}

func TestEngine_RecoveryRemovesEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var healthy atomic.Bool
	h.register(t, "flaky", func(context.Context, event.Envelope) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("not yet")
	}, event.Delivery)

	_, err := h.engine.Publish(ctx, event.Delivery, "rider-app", "nairobi", event.DeliveryPayload{DeliveryID: "d-1", OrderID: "o-1", Status: "picked-up"}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.engine.GetDeadLetterStatus().Count == 1 }, 2*time.Second, 5*time.Millisecond)

	healthy.Store(true)
	report := h.engine.Tick(ctx)

	assert.Equal(t, 1, report.Sweep.Recovered)
	assert.Zero(t, h.engine.GetDeadLetterStatus().Count)
	assert.Empty(t, h.engine.DeadLetters())
	assert.Zero(t, h.sender.count())
}

func TestEngine_ReplayAndDiscard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var healthy atomic.Bool
	id := h.register(t, "flaky", func(context.Context, event.Envelope) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("still broken")
	}, event.Inventory)

	first, err := h.engine.Publish(ctx, event.Inventory, "erp", "nairobi", event.InventoryPayload{Reason: "restock"}, nil)
	require.NoError(t, err)
	second, err := h.engine.Publish(ctx, event.Inventory, "erp", "nairobi", event.InventoryPayload{Reason: "restock"}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.engine.GetDeadLetterStatus().Count == 2 }, 2*time.Second, 5*time.Millisecond)

	// A failed replay counts as another failure.
	recovered, err := h.engine.Replay(ctx, deadletter.Key{EnvelopeID: first, ConsumerID: id})
	require.NoError(t, err)
	assert.False(t, recovered)
	entry, _ := h.engine.DeadLetter(deadletter.Key{EnvelopeID: first, ConsumerID: id})
	assert.Equal(t, 2, entry.FailureCount)

	healthy.Store(true)
	recovered, err = h.engine.Replay(ctx, deadletter.Key{EnvelopeID: first, ConsumerID: id})
	require.NoError(t, err)
	assert.True(t, recovered)

	secondKey := deadletter.Key{EnvelopeID: second, ConsumerID: id}
	require.NoError(t, h.engine.Discard(secondKey))
	status := h.engine.GetDeadLetterStatus()
	assert.Zero(t, status.Count)
	assert.Equal(t, 1, status.Discarded)

	_, err = h.engine.Replay(ctx, secondKey)
	assert.ErrorIs(t, err, deadletter.ErrEntryNotFound)
	assert.ErrorIs(t, h.engine.Discard(secondKey), deadletter.ErrEntryNotFound)
}

func TestEngine_DeadConsumerIsSkippedUntilHeartbeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var seen recorder
	id := h.register(t, "sleepy", seen.handle, event.UserAction)
	assert.Equal(t, 1, h.engine.GetMetrics().ActiveConsumers)

	h.clock.Advance(6 * time.Minute)
	h.engine.Tick(ctx)

	m := h.engine.GetMetrics()
	assert.Zero(t, m.ActiveConsumers)
	require.Len(t, m.Consumers, 1)
	assert.Equal(t, consumer.StatusDead, m.Consumers[0].Status)

	_, err := h.engine.Publish(ctx, event.UserAction, "app", "nairobi", event.UserActionPayload{UserID: "u", Action: "tap"}, nil)
	require.NoError(t, err)

	require.NoError(t, h.engine.Heartbeat(ctx, id))
	c, _ := h.engine.Consumer(id)
	assert.Equal(t, consumer.StatusActive, c.Status)

	revived, err := h.engine.Publish(ctx, event.UserAction, "app", "nairobi", event.UserActionPayload{UserID: "u", Action: "tap"}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.processed(id) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{revived}, seen.snapshot(), "the event published while dead was not delivered")
}

func TestEngine_LaggingThenDead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "slow", policy.Acknowledge, event.Order)

	h.clock.Advance(3 * time.Minute)
	report := h.engine.Tick(ctx)
	assert.Equal(t, 1, report.Consumers[consumer.StatusLagging])
	c, _ := h.engine.Consumer(id)
	assert.Equal(t, consumer.StatusLagging, c.Status)

	// Lagging consumers still receive deliveries.
	_, err := h.engine.Publish(ctx, event.Order, "web", "nairobi", order("o"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.processed(id) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_PartitionAdministration(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.engine.SetPartitionOffline(42, true), engine.ErrUnknownPartition)

	require.NoError(t, h.engine.SetPartitionOffline(2, true))
	report := h.engine.Tick(context.Background())
	for _, p := range report.Partitions {
		if p.ID == 2 {
			assert.Equal(t, partition.StatusOffline, p.Status)
		} else {
			assert.Equal(t, partition.StatusActive, p.Status)
		}
	}

	require.NoError(t, h.engine.SetPartitionOffline(2, false))
	report = h.engine.Tick(context.Background())
	for _, p := range report.Partitions {
		assert.Equal(t, partition.StatusActive, p.Status)
	}
	assert.Equal(t, report, h.engine.LastTick())
}

func TestEngine_StartRunsMonitorOnInterval(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.register(t, "failing", failing, event.Order)

	_, err := h.engine.Publish(ctx, event.Order, "web", "nairobi", order("o"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.engine.GetDeadLetterStatus().Count == 1 }, 2*time.Second, 5*time.Millisecond)

	h.engine.Start(ctx)
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool {
		entries := h.engine.DeadLetters()
		return len(entries) == 1 && entries[0].FailureCount == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Stop(ctx))
}

func TestNew_Validation(t *testing.T) {
	_, err := engine.New(testConfig(), engine.Dependencies{}, zerolog.Nop())
	assert.Error(t, err, "sender is required")

	cfg := testConfig()
	cfg.DefaultPartition = 77
	_, err = engine.New(cfg, engine.Dependencies{Sender: &mockSender{}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestEngine_DeregisteredConsumerReceivesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var seen recorder
	id := h.register(t, "leaving", seen.handle, event.Order)

	require.NoError(t, h.engine.Deregister(ctx, id))
	_, ok := h.engine.Consumer(id)
	assert.False(t, ok)

	_, err := h.engine.Publish(ctx, event.Order, "web", "nairobi", order("o"), nil)
	require.NoError(t, err)
	assert.Empty(t, seen.snapshot())
	assert.Zero(t, h.engine.GetMetrics().PendingDeliveries)
	assert.ErrorIs(t, h.engine.Heartbeat(ctx, id), consumer.ErrUnknownConsumer)
}
