// Package archive moves envelopes trimmed from partition logs into Google
// Cloud Storage as gzip-compressed JSON Lines objects, one object per flushed
// batch under <prefix>/partition-<id>/.
package archive

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Config holds the archiver tunables.
type Config struct {
	ObjectPrefix  string
	BatchSize     int
	FlushInterval time.Duration
	UploadTimeout time.Duration
	// QueueSize bounds hand-offs waiting for the worker. Hand-offs beyond it
	// are dropped so that trimming a partition never blocks.
	QueueSize int
}

type handoff struct {
	partitionID int
	envelopes   []event.Envelope
}

// GCSArchiver batches envelopes per partition and uploads them. It implements
// partition.Archiver.
type GCSArchiver struct {
	cfg    Config
	bucket Bucket
	clock  clockwork.Clock
	logger zerolog.Logger

	input chan handoff
	quit  chan struct{}
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	dropped atomic.Int64
}

// NewGCSArchiver creates an archiver. Call Start before handing it envelopes.
func NewGCSArchiver(cfg Config, bucket Bucket, clock clockwork.Clock, logger zerolog.Logger) (*GCSArchiver, error) {
	if bucket == nil {
		return nil, errors.New("bucket cannot be nil")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &GCSArchiver{
		cfg:    cfg,
		bucket: bucket,
		clock:  clock,
		logger: logger.With().Str("component", "GCSArchiver").Logger(),
		input:  make(chan handoff, cfg.QueueSize),
		quit:   make(chan struct{}),
	}, nil
}

// Archive queues envelopes for upload without blocking.
func (a *GCSArchiver) Archive(partitionID int, envelopes []event.Envelope) {
	if len(envelopes) == 0 {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		a.logger.Warn().Int("partition_id", partitionID).Int("count", len(envelopes)).Msg("Archiver stopped, dropping envelopes.")
		return
	}
	select {
	case a.input <- handoff{partitionID: partitionID, envelopes: envelopes}:
	default:
		a.dropped.Add(int64(len(envelopes)))
		a.logger.Warn().Int("partition_id", partitionID).Int("count", len(envelopes)).Msg("Archive queue full, dropping envelopes.")
	}
}

// Dropped is the number of envelopes discarded because the queue was full.
func (a *GCSArchiver) Dropped() int64 {
	return a.dropped.Load()
}

// Start launches the batching worker. The worker outlives ctx and only exits
// on Stop, so envelopes trimmed during shutdown still reach the bucket.
func (a *GCSArchiver) Start(ctx context.Context) {
	a.logger.Info().
		Int("batch_size", a.cfg.BatchSize).
		Dur("flush_interval", a.cfg.FlushInterval).
		Msg("Starting archiver worker...")
	a.wg.Add(1)
	go a.worker(context.WithoutCancel(ctx))
}

// Stop flushes everything queued and waits for the uploads, bounded by ctx.
func (a *GCSArchiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	close(a.quit)
	a.mu.Unlock()

	a.logger.Info().Msg("Stopping archiver...")
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info().Msg("Archiver stopped gracefully.")
		return nil
	case <-ctx.Done():
		a.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for archiver to stop.")
		return ctx.Err()
	}
}

func (a *GCSArchiver) worker(ctx context.Context) {
	defer a.wg.Done()
	batches := make(map[int][]event.Envelope)
	ticker := a.clock.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	add := func(h handoff) {
		batches[h.partitionID] = append(batches[h.partitionID], h.envelopes...)
		if len(batches[h.partitionID]) >= a.cfg.BatchSize {
			a.flush(ctx, h.partitionID, batches[h.partitionID])
			delete(batches, h.partitionID)
		}
	}
	flushAll := func() {
		for id, batch := range batches {
			a.flush(ctx, id, batch)
			delete(batches, id)
		}
	}

	for {
		select {
		case <-a.quit:
			for {
				select {
				case h := <-a.input:
					add(h)
				default:
					flushAll()
					return
				}
			}
		case h := <-a.input:
			add(h)
		case <-ticker.Chan():
			flushAll()
		}
	}
}

func (a *GCSArchiver) flush(ctx context.Context, partitionID int, batch []event.Envelope) {
	if len(batch) == 0 {
		return
	}
	uploadCtx, cancel := context.WithTimeout(ctx, a.cfg.UploadTimeout)
	defer cancel()
	if err := a.upload(uploadCtx, partitionID, batch); err != nil {
		a.logger.Error().Err(err).Int("partition_id", partitionID).Int("batch_size", len(batch)).Msg("Failed to upload archive batch.")
	}
}

func (a *GCSArchiver) upload(ctx context.Context, partitionID int, batch []event.Envelope) error {
	objectName := path.Join(a.cfg.ObjectPrefix, fmt.Sprintf("partition-%d", partitionID), uuid.NewString()+".jsonl.gz")
	w := a.bucket.NewWriter(ctx, objectName)
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)
		for _, env := range batch {
			if err = enc.Encode(env); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
		err = gz.Close()
	}()

	written, copyErr := io.Copy(w, pr)
	closeErr := w.Close()
	if copyErr != nil {
		return fmt.Errorf("failed to stream data for object %s: %w", objectName, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close object writer for %s: %w", objectName, closeErr)
	}
	a.logger.Info().
		Str("object_name", objectName).
		Int("record_count", len(batch)).
		Int64("bytes_written", written).
		Msg("Archived partition batch.")
	return nil
}
