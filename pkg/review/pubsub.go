package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-eventrouter/pkg/deadletter"
	"github.com/rs/zerolog"
)

// PubsubSink publishes each entry to a Pub/Sub topic, for example one that
// feeds a ticketing integration.
type PubsubSink struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPubsubSink verifies that the topic exists before returning.
func NewPubsubSink(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*PubsubSink, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}
	return &PubsubSink{
		topic:  topic,
		logger: logger.With().Str("component", "PubsubReviewSink").Str("topic_id", topicID).Logger(),
	}, nil
}

// Export publishes the entry as a Record and waits for the result.
func (s *PubsubSink) Export(ctx context.Context, e deadletter.Entry) error {
	rec, err := NewRecord(e)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal review record: %w", err)
	}
	result := s.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type":    rec.EventType,
			"consumer_id":   rec.ConsumerID,
			"failure_count": strconv.Itoa(rec.FailureCount),
		},
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish review record for %s: %w", e.Key, err)
	}
	s.logger.Debug().Str("published_msg_id", msgID).Str("envelope_id", rec.EnvelopeID).Msg("Review record published.")
	return nil
}

// Stop flushes pending publishes, respecting the context's timeout.
func (s *PubsubSink) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		s.topic.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
