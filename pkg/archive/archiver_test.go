package archive_test

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventrouter/pkg/archive"
	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock GCS Components ---

type mockWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (m *mockWriter) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	return m.buf.Write(p)
}

func (m *mockWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return nil
}

func (m *mockWriter) contents() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf.Bytes()...), m.closed
}

type mockBucket struct {
	mu      sync.Mutex
	objects map[string]*mockWriter
}

func newMockBucket() *mockBucket {
	return &mockBucket{objects: make(map[string]*mockWriter)}
}

func (m *mockBucket) NewWriter(_ context.Context, name string) io.WriteCloser {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &mockWriter{}
	m.objects[name] = w
	return w
}

// decoded returns every archived envelope per object name.
func (m *mockBucket) decoded(t *testing.T) map[string][]event.Envelope {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]event.Envelope)
	for name, w := range m.objects {
		data, closed := w.contents()
		require.True(t, closed, "object %s was not finalised", name)
		gz, err := gzip.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		sc := bufio.NewScanner(gz)
		for sc.Scan() {
			var env event.Envelope
			require.NoError(t, json.Unmarshal(sc.Bytes(), &env))
			out[name] = append(out[name], env)
		}
		require.NoError(t, sc.Err())
	}
	return out
}

func (m *mockBucket) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// finalised counts objects whose writer has been closed.
func (m *mockBucket) finalised() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.objects {
		if _, closed := w.contents(); closed {
			n++
		}
	}
	return n
}

func envs(n int, partitionID int) []event.Envelope {
	out := make([]event.Envelope, n)
	for i := range out {
		out[i] = event.NewEnvelope(event.Inventory, "test", "nairobi", partitionID,
			event.InventoryPayload{Reason: "restock"}, nil, time.Now())
	}
	return out
}

// --- Tests ---

func TestGCSArchiver_BatchesPerPartition(t *testing.T) {
	// Arrange
	bucket := newMockBucket()
	a, err := archive.NewGCSArchiver(archive.Config{ObjectPrefix: "archive", BatchSize: 3, FlushInterval: time.Hour}, bucket, clockwork.NewFakeClock(), zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.Start(ctx)

	// Act: partition 1 reaches the batch size, partition 2 does not
	p1 := envs(3, 1)
	p2 := envs(1, 2)
	a.Archive(1, p1[:2])
	a.Archive(2, p2)
	a.Archive(1, p1[2:])

	// Assert: the full batch is uploaded without waiting for a flush
	require.Eventually(t, func() bool { return bucket.finalised() == 1 }, time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx))

	objects := bucket.decoded(t)
	require.Len(t, objects, 2, "stop flushes the partial batch")
	for name, got := range objects {
		switch {
		case strings.HasPrefix(name, "archive/partition-1/"):
			require.Len(t, got, 3)
			assert.Equal(t, p1[0].ID, got[0].ID)
			assert.Equal(t, p1[2].ID, got[2].ID)
		case strings.HasPrefix(name, "archive/partition-2/"):
			require.Len(t, got, 1)
			assert.Equal(t, p2[0].ID, got[0].ID)
		default:
			t.Fatalf("unexpected object %s", name)
		}
		assert.True(t, strings.HasSuffix(name, ".jsonl.gz"))
	}

	// Archiving after stop is a no-op.
	a.Archive(1, envs(1, 1))
	assert.Equal(t, 2, bucket.count())
}

func TestGCSArchiver_FlushesOnInterval(t *testing.T) {
	bucket := newMockBucket()
	clock := clockwork.NewFakeClock()
	a, err := archive.NewGCSArchiver(archive.Config{BatchSize: 100, FlushInterval: time.Minute}, bucket, clock, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	a.Start(ctx)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	a.Archive(4, envs(2, 4))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	// Give the worker a moment to take the hand-off before the tick fires.
	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return bucket.finalised() == 1
	}, 2*time.Second, 20*time.Millisecond)

	objects := bucket.decoded(t)
	for name, got := range objects {
		assert.True(t, strings.HasPrefix(name, "partition-4/"))
		assert.Len(t, got, 2)
	}
}

func TestGCSArchiver_UploadsHandoffsAfterStartContextEnds(t *testing.T) {
	// Arrange: the start context is a signal context that ends before Stop.
	bucket := newMockBucket()
	a, err := archive.NewGCSArchiver(archive.Config{BatchSize: 100, FlushInterval: time.Hour}, bucket, clockwork.NewFakeClock(), zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	cancel()

	// Act: trims from the engine's drain arrive after cancellation.
	batch := envs(3, 1)
	a.Archive(1, batch)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx))

	// Assert
	objects := bucket.decoded(t)
	require.Len(t, objects, 1)
	for _, got := range objects {
		require.Len(t, got, 3)
		assert.Equal(t, batch[0].ID, got[0].ID)
	}
	assert.Zero(t, a.Dropped())
}

func TestGCSArchiver_DropsWhenQueueFull(t *testing.T) {
	bucket := newMockBucket()
	a, err := archive.NewGCSArchiver(archive.Config{QueueSize: 1}, bucket, clockwork.NewFakeClock(), zerolog.Nop())
	require.NoError(t, err)

	// Not started: the single queue slot fills and the second hand-off is dropped.
	a.Archive(1, envs(1, 1))
	a.Archive(1, envs(2, 1))
	assert.Equal(t, int64(2), a.Dropped())

	_, err = archive.NewGCSArchiver(archive.Config{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}
