package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Notification is the message body published by PubsubSender.
type Notification struct {
	Destination string `json:"destination"`
	Message     string `json:"message"`
}

// PubsubSender publishes each notification to a Pub/Sub topic for a gateway
// (SMS, push, paging) to pick up. Send waits for the publish result so a
// failure is visible to the caller.
type PubsubSender struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPubsubSender verifies that the topic exists before returning.
func NewPubsubSender(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*PubsubSender, error) {
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

	return &PubsubSender{
		topic:  topic,
		logger: logger.With().Str("component", "PubsubSender").Str("topic_id", topicID).Logger(),
	}, nil
}

// Send publishes the notification and blocks until the server acknowledges it.
func (s *PubsubSender) Send(ctx context.Context, destination, message string) error {
	data, err := json.Marshal(Notification{Destination: destination, Message: message})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"destination": destination},
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish notification to %s: %w", destination, err)
	}
	s.logger.Debug().Str("published_msg_id", msgID).Str("destination", destination).Msg("Notification published.")
	return nil
}

// Stop flushes pending publishes, respecting the context's timeout.
func (s *PubsubSender) Stop(ctx context.Context) error {
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
