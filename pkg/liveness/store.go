// Package liveness stores consumer heartbeat timestamps. The consumer registry
// derives active/lagging/dead status from the age of the last recorded beat.
package liveness

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNoHeartbeat is returned when no beat has been recorded for a consumer, or
// when a recorded beat has expired from the backing store.
var ErrNoHeartbeat = errors.New("no heartbeat recorded")

// Store is the contract for heartbeat persistence. Beats are explicit writes
// with no source of truth to fall back on.
type Store interface {
	// Beat records that consumerID was observed alive at the given time.
	Beat(ctx context.Context, consumerID string, at time.Time) error
	// LastBeat returns the most recent beat for consumerID.
	LastBeat(ctx context.Context, consumerID string) (time.Time, error)
	// Forget removes any beat recorded for consumerID.
	Forget(ctx context.Context, consumerID string) error
	io.Closer
}

// beatRecord is the serialised form used by the remote stores.
type beatRecord struct {
	ConsumerID string    `json:"consumerId" firestore:"consumerId"`
	At         time.Time `json:"at" firestore:"at"`
}
