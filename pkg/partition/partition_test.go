package partition_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/illmade-knight/go-eventrouter/pkg/partition"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpecs() []partition.Spec {
	return []partition.Spec{
		{ID: 0, Capacity: 10, RoutingKeys: []string{"nairobi", "kiambu"}},
		{ID: 1, Capacity: 10, RoutingKeys: []string{"mombasa"}},
		{ID: 9, Capacity: 5},
	}
}

func newEnvelope(t *testing.T, partitionID int) event.Envelope {
	t.Helper()
	return event.NewEnvelope(event.Order, "test", "nairobi", partitionID, event.OrderPayload{}, nil, time.Now())
}

// mockArchiver records everything handed to it.
type mockArchiver struct {
	mu       sync.Mutex
	archived map[int][]event.Envelope
}

func (m *mockArchiver) Archive(partitionID int, envs []event.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.archived == nil {
		m.archived = make(map[int][]event.Envelope)
	}
	m.archived[partitionID] = append(m.archived[partitionID], envs...)
}

func (m *mockArchiver) count(partitionID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.archived[partitionID])
}

func TestTable_AssignIsDeterministic(t *testing.T) {
	table, err := partition.NewTable(testSpecs(), 9)
	require.NoError(t, err)

	for _, key := range []string{"nairobi", "kiambu", "mombasa"} {
		first, mapped := table.Assign(key)
		require.True(t, mapped)
		for i := 0; i < 10; i++ {
			again, _ := table.Assign(key)
			assert.Equal(t, first, again, "assignment for %q changed between calls", key)
		}
	}

	id, mapped := table.Assign("  NAIROBI ")
	assert.True(t, mapped, "keys are canonicalised before lookup")
	assert.Equal(t, 0, id)
}

func TestTable_UnmappedKeysUseDefault(t *testing.T) {
	table, err := partition.NewTable(testSpecs(), 9)
	require.NoError(t, err)

	for _, key := range []string{"kisumu", "", "unknown-region-42"} {
		id, mapped := table.Assign(key)
		assert.False(t, mapped)
		assert.Equal(t, 9, id)
	}
	assert.Equal(t, 9, table.DefaultPartition())
}

func TestNewTable_RejectsInvalidTopology(t *testing.T) {
	testCases := []struct {
		name      string
		specs     []partition.Spec
		defaultID int
	}{
		{name: "empty", specs: nil, defaultID: 0},
		{name: "duplicate id", specs: []partition.Spec{{ID: 1, Capacity: 1}, {ID: 1, Capacity: 1}}, defaultID: 1},
		{name: "duplicate key", specs: []partition.Spec{{ID: 1, Capacity: 1, RoutingKeys: []string{"a"}}, {ID: 2, Capacity: 1, RoutingKeys: []string{"A "}}}, defaultID: 1},
		{name: "zero capacity", specs: []partition.Spec{{ID: 1}}, defaultID: 1},
		{name: "missing default", specs: []partition.Spec{{ID: 1, Capacity: 1}}, defaultID: 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := partition.NewTable(tc.specs, tc.defaultID)
			assert.Error(t, err)
		})
	}
}

func TestLog_AppendPreservesOrder(t *testing.T) {
	// Arrange
	log := partition.NewLog(partition.Spec{ID: 0, Capacity: 10}, partition.LogConfig{}, clockwork.NewFakeClock(), nil, zerolog.Nop())
	var seen []uint64

	// Act
	var ids []string
	for i := 0; i < 5; i++ {
		env := newEnvelope(t, 0)
		ids = append(ids, env.ID)
		log.Append(env, 1, func(seq uint64) { seen = append(seen, seq) })
	}

	// Assert
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seen)
	envs := log.Envelopes()
	require.Len(t, envs, 5)
	for i, env := range envs {
		assert.Equal(t, ids[i], env.ID)
	}
}

func TestLog_BacklogAndReclassify(t *testing.T) {
	// Arrange
	log := partition.NewLog(partition.Spec{ID: 3, Capacity: 10}, partition.LogConfig{DegradedRatio: 0.8}, clockwork.NewFakeClock(), nil, zerolog.Nop())
	var envs []event.Envelope
	for i := 0; i < 9; i++ {
		env := newEnvelope(t, 3)
		envs = append(envs, env)
		log.Append(env, 2, nil)
	}
	log.Append(newEnvelope(t, 3), 0, nil) // no consumers, dispatched at once

	// Assert: 9/10 > 0.8
	assert.Equal(t, 9, log.Backlog())
	assert.Equal(t, partition.StatusDegraded, log.Reclassify())

	// Act: finish one delivery of every envelope, backlog unchanged
	for _, env := range envs {
		log.Complete(env.ID)
	}
	assert.Equal(t, 9, log.Backlog())

	// Act: finish the second delivery for two envelopes -> 7/10
	log.Complete(envs[0].ID)
	log.Complete(envs[1].ID)
	assert.Equal(t, 7, log.Backlog())
	assert.Equal(t, partition.StatusActive, log.Reclassify())

	// Completing an unknown or finished envelope is ignored.
	log.Complete(envs[0].ID)
	log.Complete("does-not-exist")
	assert.Equal(t, 7, log.Backlog())
}

func TestLog_OfflineIsSticky(t *testing.T) {
	log := partition.NewLog(partition.Spec{ID: 1, Capacity: 1}, partition.LogConfig{}, clockwork.NewFakeClock(), nil, zerolog.Nop())

	log.SetOffline(true)
	assert.Equal(t, partition.StatusOffline, log.Reclassify())

	log.SetOffline(false)
	assert.Equal(t, partition.StatusActive, log.Reclassify())
}

func TestLog_CurrentLoadWindow(t *testing.T) {
	// Arrange
	clock := clockwork.NewFakeClock()
	log := partition.NewLog(partition.Spec{ID: 1, Capacity: 100}, partition.LogConfig{LoadWindow: time.Minute}, clock, nil, zerolog.Nop())

	// Act
	for i := 0; i < 3; i++ {
		log.Append(newEnvelope(t, 1), 0, nil)
	}
	clock.Advance(40 * time.Second)
	log.Append(newEnvelope(t, 1), 0, nil)

	// Assert
	assert.Equal(t, 4, log.CurrentLoad())
	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, log.CurrentLoad(), "first three appends left the window")
	assert.Equal(t, uint64(4), log.Snapshot().Appended)
}

func TestLog_TrimsAndArchivesDispatchedHead(t *testing.T) {
	// Arrange
	archiver := &mockArchiver{}
	log := partition.NewLog(partition.Spec{ID: 2, Capacity: 100}, partition.LogConfig{MaxRetained: 2}, clockwork.NewFakeClock(), archiver, zerolog.Nop())

	blocked := newEnvelope(t, 2)
	log.Append(blocked, 1, nil)
	for i := 0; i < 3; i++ {
		log.Append(newEnvelope(t, 2), 0, nil)
	}

	// Assert: the in-flight head blocks trimming
	assert.Equal(t, 4, log.Snapshot().Retained)
	assert.Equal(t, 0, archiver.count(2))

	// Act
	log.Complete(blocked.ID)

	// Assert
	assert.Equal(t, 2, log.Snapshot().Retained)
	assert.Equal(t, 2, archiver.count(2))
}

func TestSet_ResolveAndReclassify(t *testing.T) {
	table, err := partition.NewTable(testSpecs(), 9)
	require.NoError(t, err)
	set := partition.NewSet(table, partition.LogConfig{}, clockwork.NewFakeClock(), nil, zerolog.Nop())

	log, mapped := set.Resolve("Mombasa")
	require.True(t, mapped)
	assert.Equal(t, 1, log.ID())

	log, mapped = set.Resolve("eldoret")
	require.False(t, mapped)
	assert.Equal(t, 9, log.ID())

	for i := 0; i < 5; i++ {
		log.Append(newEnvelope(t, 9), 1, nil)
	}

	snaps := set.ReclassifyAll()
	require.Len(t, snaps, 3)
	ids := make([]string, 0, len(snaps))
	for _, s := range snaps {
		ids = append(ids, fmt.Sprint(s.ID))
	}
	assert.Equal(t, []string{"0", "1", "9"}, ids)
	assert.Equal(t, partition.StatusDegraded, snaps[2].Status)
	assert.Equal(t, partition.StatusActive, snaps[0].Status)
}
