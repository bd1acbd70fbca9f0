package partition

import (
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Set owns one Log per partition defined in a Table. Partitions are fixed for
// the lifetime of the Set.
type Set struct {
	table *Table
	logs  map[int]*Log
	order []int
}

// NewSet creates a log for every partition in table.
func NewSet(table *Table, cfg LogConfig, clock clockwork.Clock, archiver Archiver, logger zerolog.Logger) *Set {
	s := &Set{
		table: table,
		logs:  make(map[int]*Log),
	}
	for _, spec := range table.Partitions() {
		s.logs[spec.ID] = NewLog(spec, cfg, clock, archiver, logger)
		s.order = append(s.order, spec.ID)
	}
	return s
}

// Table returns the routing table behind the set.
func (s *Set) Table() *Table { return s.table }

// Log returns the log for a partition ID.
func (s *Set) Log(id int) (*Log, bool) {
	l, ok := s.logs[id]
	return l, ok
}

// Resolve assigns routingKey to a partition and returns its log.
func (s *Set) Resolve(routingKey string) (log *Log, mapped bool) {
	id, mapped := s.table.Assign(routingKey)
	return s.logs[id], mapped
}

// ReclassifyAll recomputes every partition status and returns the snapshots in ID order.
func (s *Set) ReclassifyAll() []Snapshot {
	out := make([]Snapshot, 0, len(s.order))
	for _, id := range s.order {
		l := s.logs[id]
		l.Reclassify()
		out = append(out, l.Snapshot())
	}
	return out
}

// Snapshots returns every partition snapshot in ID order without reclassifying.
func (s *Set) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.logs[id].Snapshot())
	}
	return out
}
