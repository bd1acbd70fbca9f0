package liveness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps one document per consumer. It suits deployments that
// already run on Firestore and do not want a Redis instance for liveness alone.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a FirestoreStore over an existing client.
func NewFirestoreStore(client *firestore.Client, collection string) (*FirestoreStore, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if collection == "" {
		collection = "consumer-heartbeats"
	}
	return &FirestoreStore{
		client:     client,
		collection: collection,
	}, nil
}

// Beat creates or overwrites the consumer's heartbeat document.
func (s *FirestoreStore) Beat(ctx context.Context, consumerID string, at time.Time) error {
	rec := beatRecord{ConsumerID: consumerID, At: at.UTC()}
	if _, err := s.client.Collection(s.collection).Doc(consumerID).Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to set heartbeat in firestore for %s: %w", consumerID, err)
	}
	return nil
}

// LastBeat reads the consumer's heartbeat document.
func (s *FirestoreStore) LastBeat(ctx context.Context, consumerID string) (time.Time, error) {
	snap, err := s.client.Collection(s.collection).Doc(consumerID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return time.Time{}, fmt.Errorf("consumer %q: %w", consumerID, ErrNoHeartbeat)
		}
		return time.Time{}, fmt.Errorf("firestore get failed for heartbeat %s: %w", consumerID, err)
	}
	var rec beatRecord
	if err := snap.DataTo(&rec); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode heartbeat for %s: %w", consumerID, err)
	}
	return rec.At, nil
}

// Forget deletes the heartbeat document. A missing document is not an error.
func (s *FirestoreStore) Forget(ctx context.Context, consumerID string) error {
	if _, err := s.client.Collection(s.collection).Doc(consumerID).Delete(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("firestore delete failed for heartbeat %s: %w", consumerID, err)
	}
	return nil
}

// Close is a no-op; the Firestore client's lifecycle is managed by the caller.
func (s *FirestoreStore) Close() error {
	return nil
}
