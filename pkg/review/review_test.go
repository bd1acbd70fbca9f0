package review_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-eventrouter/pkg/deadletter"
	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/illmade-knight/go-eventrouter/pkg/review"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	_ deadletter.ReviewSink = (*review.BigQuerySink)(nil)
	_ deadletter.ReviewSink = (*review.PubsubSink)(nil)
)

type mockInserter struct {
	mu   sync.Mutex
	rows []*review.Record
	err  error
}

func (m *mockInserter) Put(_ context.Context, src interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	rows, ok := src.([]*review.Record)
	if !ok {
		return errors.New("unexpected row type")
	}
	m.rows = append(m.rows, rows...)
	return nil
}

func parkedEntry() deadletter.Entry {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := event.NewEnvelope(event.Payment, "checkout", "nairobi", 1,
		event.PaymentPayload{PaymentID: "p-1", Amount: 99.5}, nil, at)
	return deadletter.Entry{
		Key:              deadletter.Key{EnvelopeID: env.ID, ConsumerID: "notifier"},
		Envelope:         env,
		ConsumerID:       "notifier",
		ConsumerName:     "sms-notifier",
		FailureReason:    "customer phone number missing",
		FailureCount:     5,
		NotificationSent: true,
		Disposition:      deadletter.DispositionManualReview,
		FirstFailedAt:    at,
		LastFailedAt:     at.Add(20 * time.Second),
	}
}

func TestBigQuerySink_Export(t *testing.T) {
	ctx := context.Background()
	ins := &mockInserter{}
	sink := review.NewBigQuerySinkWithInserter(ins, zerolog.Nop())
	entry := parkedEntry()

	require.NoError(t, sink.Export(ctx, entry))

	require.Len(t, ins.rows, 1)
	row := ins.rows[0]
	assert.Equal(t, entry.Envelope.ID, row.EnvelopeID)
	assert.Equal(t, "payment", row.EventType)
	assert.Equal(t, "sms-notifier", row.ConsumerName)
	assert.Equal(t, 5, row.FailureCount)
	assert.True(t, row.NotificationSent)

	var embedded event.Envelope
	require.NoError(t, json.Unmarshal([]byte(row.Envelope), &embedded))
	pay, ok := embedded.Payload.(event.PaymentPayload)
	require.True(t, ok)
	assert.Equal(t, 99.5, pay.Amount)

	ins.err = errors.New("quota exceeded")
	assert.Error(t, sink.Export(ctx, entry))
}

func TestPubsubSink_Export(t *testing.T) {
	// --- Arrange ---
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(testCtx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(testCtx, "manual-review")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(testCtx, "manual-review-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	sink, err := review.NewPubsubSink(testCtx, client, "manual-review", zerolog.Nop())
	require.NoError(t, err)
	entry := parkedEntry()

	// --- Act ---
	require.NoError(t, sink.Export(testCtx, entry))

	// --- Assert ---
	var mu sync.Mutex
	var got *pubsub.Message
	receiveCtx, receiveCancel := context.WithCancel(testCtx)
	t.Cleanup(receiveCancel)
	go func() {
		_ = sub.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			mu.Lock()
			got = msg
			mu.Unlock()
			msg.Ack()
			receiveCancel()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "notifier", got.Attributes["consumer_id"])
	assert.Equal(t, "5", got.Attributes["failure_count"])
	var rec review.Record
	require.NoError(t, json.Unmarshal(got.Data, &rec))
	assert.Equal(t, entry.Envelope.ID, rec.EnvelopeID)
	assert.Equal(t, "customer phone number missing", rec.FailureReason)

	require.NoError(t, sink.Stop(testCtx))
}
